package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	apiProbeTimeout = 5 * time.Second

	defaultReleaseEndpoint = "https://api.github.com/repos/airframesio/channel-archiver/releases/latest"
	releaseCacheTTL        = 24 * time.Hour
)

// ErrReleaseLookupFailed is returned when the release endpoint answers with a
// non-200 status
var ErrReleaseLookupFailed = errors.New("release lookup failed")

// probeArchiveAPI issues one request against the archive API base URL before
// the channel loop starts. Any HTTP response counts as reachable; only a
// transport failure is reported, and even that does not stop the run. The
// per-channel retry policy decides what to do with a flaky upstream.
func probeArchiveAPI(ctx context.Context, baseURL string, logger *slog.Logger) bool {
	client := &http.Client{Timeout: apiProbeTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Could not build API probe request: %v", err))
		return false
	}
	req.Header.Set("User-Agent", fmt.Sprintf("channel-archiver/%s", Version))

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Archive API unreachable at %s: %v", baseURL, err))
		return false
	}
	defer resp.Body.Close()

	logger.Debug(fmt.Sprintf("🌐 Archive API reachable at %s (status %d)", baseURL, resp.StatusCode))
	return true
}

// releaseCheck is the outcome of asking the release endpoint for the newest
// tagged build
type releaseCheck struct {
	Latest string
	URL    string
	Newer  bool
	Err    error
}

// releaseChecker looks up the newest tagged release and caches the answer on
// disk so repeated runs do not hit the endpoint more than once a day.
type releaseChecker struct {
	endpoint  string
	cachePath string
	client    *http.Client
}

func newReleaseChecker() *releaseChecker {
	rc := &releaseChecker{
		endpoint: defaultReleaseEndpoint,
		client:   &http.Client{Timeout: apiProbeTimeout},
	}
	if dir, err := os.UserCacheDir(); err == nil {
		rc.cachePath = filepath.Join(dir, "channel-archiver", "release.json")
	}
	return rc
}

// Check looks up the latest release and reports whether it is ahead of the
// running build. Dev and unversioned builds skip the lookup entirely.
func (rc *releaseChecker) Check(ctx context.Context, current string) releaseCheck {
	if current == "" || current == "dev" {
		return releaseCheck{}
	}

	if cached, ok := rc.loadCache(); ok && time.Since(cached.CheckedAt) < releaseCacheTTL {
		return releaseCheck{
			Latest: cached.Latest,
			URL:    cached.URL,
			Newer:  versionNewer(cached.Latest, current),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.endpoint, nil)
	if err != nil {
		return releaseCheck{Err: fmt.Errorf("failed to build release request: %w", err)}
	}
	req.Header.Set("User-Agent", fmt.Sprintf("channel-archiver/%s", current))

	resp, err := rc.client.Do(req)
	if err != nil {
		return releaseCheck{Err: fmt.Errorf("failed to reach release endpoint: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return releaseCheck{Err: fmt.Errorf("%w: status %d", ErrReleaseLookupFailed, resp.StatusCode)}
	}

	var payload struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return releaseCheck{Err: fmt.Errorf("failed to decode release payload: %w", err)}
	}

	latest := strings.TrimPrefix(payload.TagName, "v")
	rc.saveCache(releaseCacheEntry{Latest: latest, URL: payload.HTMLURL, CheckedAt: time.Now()})

	return releaseCheck{
		Latest: latest,
		URL:    payload.HTMLURL,
		Newer:  versionNewer(latest, current),
	}
}

type releaseCacheEntry struct {
	Latest    string    `json:"latest"`
	URL       string    `json:"url"`
	CheckedAt time.Time `json:"checked_at"`
}

func (rc *releaseChecker) loadCache() (releaseCacheEntry, bool) {
	if rc.cachePath == "" {
		return releaseCacheEntry{}, false
	}
	data, err := os.ReadFile(rc.cachePath)
	if err != nil {
		return releaseCacheEntry{}, false
	}
	var entry releaseCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return releaseCacheEntry{}, false
	}
	return entry, true
}

func (rc *releaseChecker) saveCache(entry releaseCacheEntry) {
	if rc.cachePath == "" {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(rc.cachePath), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(rc.cachePath, data, 0o600)
}

// versionNewer reports whether version a is a later semantic version than b.
// Missing components count as zero, so "1.2" and "1.2.0" compare equal.
func versionNewer(a, b string) bool {
	av := splitSemver(a)
	bv := splitSemver(b)
	for i := range av {
		if av[i] != bv[i] {
			return av[i] > bv[i]
		}
	}
	return false
}

func splitSemver(version string) [3]int {
	var parts [3]int
	for i, component := range strings.SplitN(strings.TrimPrefix(version, "v"), ".", 3) {
		num, err := strconv.Atoi(component)
		if err != nil {
			break
		}
		parts[i] = num
	}
	return parts
}
