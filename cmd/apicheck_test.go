package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func TestProbeArchiveAPI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	if !probeArchiveAPI(context.Background(), server.URL, newTestLogger()) {
		t.Error("probeArchiveAPI() = false for a responding server; any status counts as reachable")
	}

	server.Close()
	if probeArchiveAPI(context.Background(), server.URL, newTestLogger()) {
		t.Error("probeArchiveAPI() = true for a closed server")
	}
}

func TestVersionNewer(t *testing.T) {
	tests := []struct {
		a    string
		b    string
		want bool
	}{
		{"1.2.0", "1.1.0", true},
		{"1.1.0", "1.2.0", false},
		{"1.1.0", "1.1.0", false},
		{"2.0.0", "1.9.9", true},
		{"1.10.0", "1.9.0", true},
		{"1.1.5", "1.1.4", true},
		{"v1.2.0", "1.1.9", true},
		{"1.2", "1.2.0", false},
		{"1.2.1", "1.2", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s vs %s", tt.a, tt.b), func(t *testing.T) {
			if got := versionNewer(tt.a, tt.b); got != tt.want {
				t.Errorf("versionNewer(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestReleaseCheckerSkipsDevBuilds(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	rc := &releaseChecker{endpoint: server.URL, client: server.Client()}
	for _, version := range []string{"dev", ""} {
		check := rc.Check(context.Background(), version)
		if check.Newer || check.Err != nil {
			t.Errorf("Check(%q) = %+v, want silent skip", version, check)
		}
	}
	if hits != 0 {
		t.Errorf("dev builds hit the release endpoint %d times", hits)
	}
}

func TestReleaseCheckerFindsNewerRelease(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tag_name":"v2.0.0","html_url":"https://example.com/v2.0.0"}`)
	}))
	defer server.Close()

	rc := &releaseChecker{
		endpoint:  server.URL,
		cachePath: filepath.Join(t.TempDir(), "release.json"),
		client:    server.Client(),
	}

	check := rc.Check(context.Background(), "1.0.0")
	if check.Err != nil {
		t.Fatalf("Check() error = %v", check.Err)
	}
	if !check.Newer || check.Latest != "2.0.0" || check.URL != "https://example.com/v2.0.0" {
		t.Errorf("Check() = %+v, want newer 2.0.0", check)
	}
}

func TestReleaseCheckerCachesLookup(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, `{"tag_name":"v1.5.0","html_url":"https://example.com/v1.5.0"}`)
	}))
	defer server.Close()

	rc := &releaseChecker{
		endpoint:  server.URL,
		cachePath: filepath.Join(t.TempDir(), "release.json"),
		client:    server.Client(),
	}

	first := rc.Check(context.Background(), "1.0.0")
	second := rc.Check(context.Background(), "1.0.0")
	if hits != 1 {
		t.Errorf("two checks hit the endpoint %d times, want 1", hits)
	}
	if first.Latest != second.Latest || !second.Newer {
		t.Errorf("cached check = %+v, want %+v", second, first)
	}

	// An expired cache entry forces a fresh lookup
	rc.saveCache(releaseCacheEntry{Latest: "1.5.0", CheckedAt: time.Now().Add(-2 * releaseCacheTTL)})
	rc.Check(context.Background(), "1.0.0")
	if hits != 2 {
		t.Errorf("expired cache did not refresh, endpoint hit %d times", hits)
	}
}

func TestReleaseCheckerReportsLookupFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	rc := &releaseChecker{endpoint: server.URL, client: server.Client()}
	check := rc.Check(context.Background(), "1.0.0")
	if !errors.Is(check.Err, ErrReleaseLookupFailed) {
		t.Errorf("Check() error = %v, want ErrReleaseLookupFailed", check.Err)
	}
}
