package cmd

import (
	"fmt"
	"log/slog"
	"time"
)

// RunStats is the per-run accumulator and the sole error-reporting surface a
// completed run exposes to its caller. It is threaded explicitly through the
// orchestrator, never kept in a package-level singleton.
type RunStats struct {
	RunID string

	ChannelsChecked int
	Downloaded      int
	SkippedFresh    int
	SkippedLocked   int
	SkippedBreaker  int
	Failed          int
	Resumed         int

	PostsRows   int64
	RepliesRows int64
	RowsDropped int64

	Requests     int64
	BytesFetched int64

	FilesUploaded int
	BytesUploaded int64

	DLQWritten  int
	DLQPromoted int

	BreakerTripped bool
	RequestCapHit  bool
	DurationCapHit bool
	Cancelled      bool

	Elapsed time.Duration
}

// AddRows credits downloaded rows to the right content type counter.
func (s *RunStats) AddRows(contentType string, n int64) {
	switch contentType {
	case ContentPosts:
		s.PostsRows += n
	case ContentReplies:
		s.RepliesRows += n
	}
}

// printSummary logs the run summary.
func printSummary(logger *slog.Logger, stats *RunStats) {
	logger.Info("")
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Info(fmt.Sprintf("📈 Run %s summary", stats.RunID))
	logger.Info(fmt.Sprintf("📋 Channels checked: %d", stats.ChannelsChecked))
	logger.Info(fmt.Sprintf("✅ Downloaded: %d", stats.Downloaded))
	logger.Info(fmt.Sprintf("⏭️  Skipped fresh: %d, locked: %d", stats.SkippedFresh, stats.SkippedLocked))
	if stats.SkippedBreaker > 0 {
		logger.Info(fmt.Sprintf("🚫 Skipped by circuit breaker: %d", stats.SkippedBreaker))
	}
	if stats.Failed > 0 {
		logger.Info(fmt.Sprintf("❌ Failed: %d", stats.Failed))
	}
	if stats.Resumed > 0 {
		logger.Info(fmt.Sprintf("▶️  Resumed from checkpoint: %d", stats.Resumed))
	}
	logger.Info(fmt.Sprintf("📦 Rows: %d posts, %d replies (%d dropped)", stats.PostsRows, stats.RepliesRows, stats.RowsDropped))
	logger.Info(fmt.Sprintf("🌐 Requests: %d (%.2f MB fetched)", stats.Requests, float64(stats.BytesFetched)/(1024*1024)))
	if stats.FilesUploaded > 0 {
		logger.Info(fmt.Sprintf("☁️  Uploaded: %d files (%.2f MB)", stats.FilesUploaded, float64(stats.BytesUploaded)/(1024*1024)))
	}
	if stats.DLQWritten > 0 || stats.DLQPromoted > 0 {
		logger.Info(fmt.Sprintf("☠️  Dead letters: %d written, %d promoted", stats.DLQWritten, stats.DLQPromoted))
	}
	if stats.BreakerTripped {
		logger.Info("🚫 Circuit breaker tripped")
	}
	if stats.RequestCapHit {
		logger.Info("🛑 Request cap reached")
	}
	if stats.DurationCapHit {
		logger.Info("🛑 Duration cap reached")
	}
	if stats.Cancelled {
		logger.Info("⚠️  Run cancelled")
	}
	logger.Info(fmt.Sprintf("⏱️  Elapsed: %s", stats.Elapsed.Round(time.Millisecond)))
}
