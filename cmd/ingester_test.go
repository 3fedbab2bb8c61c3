package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeArchive serves backward pagination over fixed record sets the way the
// real archive API does: newest first, both bounds exclusive.
type fakeArchive struct {
	posts   []PrimaryRecord
	replies []SecondaryRecord

	// statusOverride forces a status for every search request when non-zero
	statusOverride int
	requests       int // search requests only, the startup probe is not counted
}

func (a *fakeArchive) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contentType := strings.Split(strings.Trim(r.URL.Path, "/"), "/")[0]
		if contentType != ContentPosts && contentType != ContentReplies {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		a.requests++
		if a.statusOverride != 0 {
			w.WriteHeader(a.statusOverride)
			return
		}

		q := r.URL.Query()
		after, _ := strconv.ParseInt(q.Get("after"), 10, 64)
		before, _ := strconv.ParseInt(q.Get("before"), 10, 64)
		size, _ := strconv.Atoi(q.Get("size"))

		channel := q.Get("channel")
		var items []json.RawMessage
		add := func(v any) {
			data, _ := json.Marshal(v)
			items = append(items, data)
		}

		switch contentType {
		case ContentPosts:
			sorted := append([]PrimaryRecord(nil), a.posts...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedUTC > sorted[j].CreatedUTC })
			for _, rec := range sorted {
				if rec.Channel != channel || rec.CreatedUTC <= after {
					continue
				}
				if before > 0 && rec.CreatedUTC >= before {
					continue
				}
				add(rec)
				if len(items) >= size {
					break
				}
			}
		case ContentReplies:
			sorted := append([]SecondaryRecord(nil), a.replies...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedUTC > sorted[j].CreatedUTC })
			for _, rec := range sorted {
				if rec.Channel != channel || rec.CreatedUTC <= after {
					continue
				}
				if before > 0 && rec.CreatedUTC >= before {
					continue
				}
				add(rec)
				if len(items) >= size {
					break
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pageEnvelope{Data: items})
	}
}

func makePosts(channel string, n int, newest int64) []PrimaryRecord {
	posts := make([]PrimaryRecord, n)
	for i := range posts {
		posts[i] = PrimaryRecord{
			ID:         fmt.Sprintf("%s-p%d", channel, i),
			Channel:    channel,
			Title:      fmt.Sprintf("post %d", i),
			CreatedUTC: newest - int64(i),
		}
	}
	return posts
}

func makeReplies(channel string, n int, newest int64) []SecondaryRecord {
	replies := make([]SecondaryRecord, n)
	for i := range replies {
		replies[i] = SecondaryRecord{
			ID:         fmt.Sprintf("%s-c%d", channel, i),
			Channel:    channel,
			Body:       fmt.Sprintf("reply %d", i),
			CreatedUTC: newest - int64(i),
		}
	}
	return replies
}

func newTestIngester(t *testing.T, serverURL string, channels ...string) (*Ingester, *Config) {
	t.Helper()
	config := validConfig()
	config.APIURL = serverURL
	config.Channels = channels
	config.OutputDir = t.TempDir()
	config.ChunkSize = 50
	config.PageSize = 25
	config.OutputFormat = "jsonl"
	config.Compression = "none"
	config.CompressionLevel = 0

	ing, err := NewIngester(config, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	// Backoff stubbed out so failure tests finish quickly
	ing.client.sleep = func(context.Context, time.Duration) error { return nil }
	return ing, config
}

func readConsolidatedPosts(t *testing.T, ing *Ingester, channel string) []PrimaryRecord {
	t.Helper()
	f, err := os.Open(ing.layout.ConsolidatedPath(channel, ContentPosts))
	if err != nil {
		t.Fatalf("no consolidated posts file: %v", err)
	}
	defer f.Close()
	rows, err := ing.postsCodec.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestIngesterFullRun(t *testing.T) {
	newest := time.Now().Unix()
	archive := &fakeArchive{
		posts:   makePosts("bendoregon", 140, newest),
		replies: makeReplies("bendoregon", 40, newest),
	}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, _ := newTestIngester(t, server.URL, "bendoregon")
	stats, err := ing.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if stats.Downloaded != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.PostsRows != 140 || stats.RepliesRows != 40 {
		t.Errorf("rows = %d posts, %d replies; want 140, 40", stats.PostsRows, stats.RepliesRows)
	}

	rows := readConsolidatedPosts(t, ing, "bendoregon")
	if len(rows) != 140 {
		t.Fatalf("consolidated file holds %d rows, want 140", len(rows))
	}
	// Newest first, as delivered by the archive
	for i := 1; i < len(rows); i++ {
		if rows[i].CreatedUTC > rows[i-1].CreatedUTC {
			t.Fatalf("row %d is newer than row %d", i, i-1)
		}
	}

	// No transient state left: cursor, chunks, and lock are gone
	if ing.cursors.Load("bendoregon", ContentPosts) != nil {
		t.Error("cursor survived the merge")
	}
	chunks, _ := ing.layout.ChunkFiles("bendoregon", ContentPosts)
	if len(chunks) != 0 {
		t.Errorf("%d chunk files survived", len(chunks))
	}
	if _, exists := fileModTime(ing.layout.LockPath("bendoregon")); exists {
		t.Error("lock file left behind after a clean run")
	}
}

func TestIngesterFreshChannelSkippedWithoutRequests(t *testing.T) {
	newest := time.Now().Unix()
	archive := &fakeArchive{posts: makePosts("bendoregon", 20, newest)}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, config := newTestIngester(t, server.URL, "bendoregon")
	if _, err := ing.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Second run against fresh output must not touch the API
	archive.requests = 0
	ing2, err := NewIngester(config, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	stats, err := ing2.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if stats.SkippedFresh != 1 || stats.Downloaded != 0 {
		t.Errorf("stats = %+v, want 1 fresh skip", stats)
	}
	if archive.requests != 0 {
		t.Errorf("fresh skip still issued %d requests", archive.requests)
	}
}

func TestIngesterNotFoundChannel(t *testing.T) {
	archive := &fakeArchive{statusOverride: http.StatusNotFound}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, _ := newTestIngester(t, server.URL, "ghosttown")
	stats, err := ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// 404 is a successful no-op: the channel counts as processed, writes
	// nothing, and never reaches the dead-letter queue
	if stats.Downloaded != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if _, exists := fileModTime(ing.layout.ConsolidatedPath("ghosttown", ContentPosts)); exists {
		t.Error("404 channel produced an artifact")
	}
	if ing.dlq.Load("ghosttown") != nil {
		t.Error("404 channel landed in the dead-letter queue")
	}
	// One request total: the posts 404 short-circuits replies
	if archive.requests != 1 {
		t.Errorf("archive saw %d requests, want 1", archive.requests)
	}
}

func TestIngesterFailureGoesToDeadLetter(t *testing.T) {
	archive := &fakeArchive{statusOverride: http.StatusInternalServerError}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, _ := newTestIngester(t, server.URL, "bendoregon")
	stats, err := ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if stats.Failed != 1 || stats.DLQWritten != 1 {
		t.Errorf("stats = %+v", stats)
	}
	entry := ing.dlq.Load("bendoregon")
	if entry == nil || entry.Attempts != 1 {
		t.Fatalf("dead-letter entry = %+v", entry)
	}
	// The lock file stays behind on failure, though the lock is released
	if _, exists := fileModTime(ing.layout.LockPath("bendoregon")); !exists {
		t.Error("lock file removed after a failed run")
	}
}

func TestIngesterCircuitBreaker(t *testing.T) {
	archive := &fakeArchive{statusOverride: http.StatusInternalServerError}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, _ := newTestIngester(t, server.URL, "c1", "c2", "c3", "c4", "c5")
	stats, err := ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !stats.BreakerTripped {
		t.Fatal("breaker did not trip after consecutive failures")
	}
	if stats.Failed != 3 {
		t.Errorf("Failed = %d, want 3 (breaker threshold)", stats.Failed)
	}
	if stats.SkippedBreaker != 2 {
		t.Errorf("SkippedBreaker = %d, want 2", stats.SkippedBreaker)
	}
	// 3 failed channels at 1 + 3 retries each; the skipped two issue nothing
	if archive.requests != 12 {
		t.Errorf("archive saw %d requests, want 12", archive.requests)
	}
}

func TestIngesterPromotesRepeatedFailures(t *testing.T) {
	archive := &fakeArchive{statusOverride: http.StatusInternalServerError}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, _ := newTestIngester(t, server.URL, "bendoregon")
	ing.dlq = NewDeadLetterQueue(ing.layout, ing.fs, 3, newTestLogger())

	var last *RunStats
	for i := 0; i < 3; i++ {
		stats, err := ing.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		last = stats
	}

	if last.DLQPromoted != 1 {
		t.Errorf("DLQPromoted = %d, want 1 on the final run", last.DLQPromoted)
	}
	if ing.dlq.Load("bendoregon") != nil {
		t.Error("transient dead-letter entry survived promotion")
	}
	ledger, err := os.ReadFile(ing.layout.PermanentLedgerPath("bendoregon"))
	if err != nil {
		t.Fatalf("no permanent ledger: %v", err)
	}
	if !strings.Contains(string(ledger), "bendoregon") {
		t.Errorf("ledger entry malformed: %q", ledger)
	}
}

func TestIngesterSkipsLockedChannel(t *testing.T) {
	newest := time.Now().Unix()
	archive := &fakeArchive{posts: makePosts("bendoregon", 5, newest)}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, _ := newTestIngester(t, server.URL, "bendoregon")

	// Another worker holds the channel lock
	handle, err := ing.locks.TryLock(ing.layout.LockPath("bendoregon"))
	if err != nil {
		t.Fatal(err)
	}
	defer handle.Release(true)

	stats, err := ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.SkippedLocked != 1 || stats.Downloaded != 0 {
		t.Errorf("stats = %+v, want 1 locked skip", stats)
	}
}

func TestIngesterRowCap(t *testing.T) {
	newest := time.Now().Unix()
	archive := &fakeArchive{posts: makePosts("bendoregon", 500, newest)}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, config := newTestIngester(t, server.URL, "bendoregon")
	config.RowCap = 60

	stats, err := ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// The cap is checked after whole pages, so the run stops at the first
	// page boundary at or past the cap
	if stats.PostsRows < 60 || stats.PostsRows > 60+int64(config.PageSize) {
		t.Errorf("PostsRows = %d, want about 60", stats.PostsRows)
	}
	rows := readConsolidatedPosts(t, ing, "bendoregon")
	if int64(len(rows)) != stats.PostsRows {
		t.Errorf("consolidated %d rows, stats say %d", len(rows), stats.PostsRows)
	}
}

func TestIngesterDropsInvalidRows(t *testing.T) {
	newest := time.Now().Unix()
	posts := makePosts("bendoregon", 10, newest)
	// An id-less record fails validation and must not poison the page
	posts[3].ID = ""
	archive := &fakeArchive{posts: posts}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, _ := newTestIngester(t, server.URL, "bendoregon")
	stats, err := ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if stats.RowsDropped != 1 {
		t.Errorf("RowsDropped = %d, want 1", stats.RowsDropped)
	}
	if stats.PostsRows != 9 {
		t.Errorf("PostsRows = %d, want 9", stats.PostsRows)
	}
}

func TestIngesterResumesFromCheckpoint(t *testing.T) {
	newest := time.Now().Unix()
	archive := &fakeArchive{
		posts:   makePosts("bendoregon", 100, newest),
		replies: makeReplies("bendoregon", 60, newest),
	}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, _ := newTestIngester(t, server.URL, "bendoregon")

	// Simulate a prior interrupted run: the newest 50 rows are already in a
	// flushed chunk with a matching cursor
	done := makePosts("bendoregon", 50, newest)
	writeEncodedChunk(t, ing.postsCodec, ing.layout.ChunkPath("bendoregon", ContentPosts, 1), done)
	frontier := done[len(done)-1].CreatedUTC
	err := ing.cursors.Save(&Cursor{
		Channel:     "bendoregon",
		ContentType: ContentPosts,
		Frontier:    frontier,
		Rows:        50,
		Chunks:      1,
		Pages:       2,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Replies resume too: both content types carry a checkpoint
	doneReplies := makeReplies("bendoregon", 30, newest)
	writeEncodedChunk(t, ing.repliesCodec, ing.layout.ChunkPath("bendoregon", ContentReplies, 1), doneReplies)
	err = ing.cursors.Save(&Cursor{
		Channel:     "bendoregon",
		ContentType: ContentReplies,
		Frontier:    doneReplies[len(doneReplies)-1].CreatedUTC,
		Rows:        30,
		Chunks:      1,
		Pages:       2,
	})
	if err != nil {
		t.Fatal(err)
	}

	stats, err := ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// One channel resumed, even though both content types had checkpoints
	if stats.Resumed != 1 {
		t.Errorf("Resumed = %d, want 1", stats.Resumed)
	}
	// Only the remaining 50 rows were downloaded this run
	if stats.PostsRows != 50 {
		t.Errorf("PostsRows = %d, want 50", stats.PostsRows)
	}
	if stats.RepliesRows != 30 {
		t.Errorf("RepliesRows = %d, want 30", stats.RepliesRows)
	}
	rows := readConsolidatedPosts(t, ing, "bendoregon")
	if len(rows) != 100 {
		t.Fatalf("consolidated %d rows, want 100", len(rows))
	}
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if seen[row.ID] {
			t.Fatalf("duplicate row %s after resume", row.ID)
		}
		seen[row.ID] = true
	}
}

func TestIngesterStaleRefreshExtendsHistory(t *testing.T) {
	newest := time.Now().Unix()
	archive := &fakeArchive{posts: makePosts("bendoregon", 80, newest)}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, config := newTestIngester(t, server.URL, "bendoregon")

	// A prior consolidated file covers the newest 30 rows and is stale
	prior := makePosts("bendoregon", 30, newest)
	writeEncodedChunk(t, ing.postsCodec, ing.layout.ConsolidatedPath("bendoregon", ContentPosts), prior)
	old := time.Now().Add(-2 * config.Staleness)
	if err := os.Chtimes(ing.layout.ConsolidatedPath("bendoregon", ContentPosts), old, old); err != nil {
		t.Fatal(err)
	}
	// Replies file is fresh so only posts refresh
	writeEncodedChunk(t, ing.repliesCodec, ing.layout.ConsolidatedPath("bendoregon", ContentReplies), nil)

	stats, err := ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Only rows older than the prior file's oldest row were fetched
	if stats.PostsRows != 50 {
		t.Errorf("PostsRows = %d, want 50", stats.PostsRows)
	}
	rows := readConsolidatedPosts(t, ing, "bendoregon")
	if len(rows) != 80 {
		t.Fatalf("consolidated %d rows, want 80", len(rows))
	}
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if seen[row.ID] {
			t.Fatalf("duplicate row %s after stale refresh", row.ID)
		}
		seen[row.ID] = true
	}
}

func TestIngesterRequestCapHaltsJob(t *testing.T) {
	newest := time.Now().Unix()
	archive := &fakeArchive{
		posts: append(makePosts("c1", 100, newest), makePosts("c2", 100, newest)...),
	}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, config := newTestIngester(t, server.URL, "c1", "c2")
	config.RequestCap = 3

	stats, err := ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !stats.RequestCapHit {
		t.Fatal("request cap was not reported")
	}
	if stats.Requests < 3 {
		t.Errorf("Requests = %d, want at least the cap", stats.Requests)
	}
	// A capped channel made real progress; it is neither fresh nor failed
	if stats.SkippedFresh != 0 {
		t.Errorf("SkippedFresh = %d, want 0 for a cap-stopped run", stats.SkippedFresh)
	}
	if stats.Failed != 0 {
		t.Errorf("Failed = %d, want 0", stats.Failed)
	}
	if stats.Downloaded != 1 {
		t.Errorf("Downloaded = %d, want 1", stats.Downloaded)
	}
	// The partial progress was merged before the halt
	rows := readConsolidatedPosts(t, ing, "c1")
	if len(rows) != 75 {
		t.Errorf("consolidated %d rows for the capped channel, want 75", len(rows))
	}
}

func TestIngesterDurationCapBeforeAnyFetch(t *testing.T) {
	newest := time.Now().Unix()
	archive := &fakeArchive{posts: makePosts("c1", 10, newest)}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, config := newTestIngester(t, server.URL, "c1")
	config.DurationCap = time.Nanosecond

	governor := NewResourceGovernor(config.RequestCap, config.DurationCap)
	time.Sleep(time.Millisecond)

	stats := &RunStats{}
	result := ing.processChannel(context.Background(), "c1", governor, stats)
	if !result.capped {
		t.Fatal("processChannel did not report the cap stop")
	}
	if result.worked || result.err != nil {
		t.Errorf("capped channel reported worked=%v err=%v before any fetch", result.worked, result.err)
	}
	if !stats.DurationCapHit {
		t.Error("duration cap was not reported")
	}
	if archive.requests != 0 {
		t.Errorf("capped channel still issued %d requests", archive.requests)
	}
}

func TestIngesterRunInfoRemoved(t *testing.T) {
	archive := &fakeArchive{statusOverride: http.StatusNotFound}
	server := httptest.NewServer(archive.handler())
	defer server.Close()

	ing, config := newTestIngester(t, server.URL, "bendoregon")
	if _, err := ing.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	infos, err := ListRunInfos(config.OutputDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("%d run info files left behind", len(infos))
	}
}
