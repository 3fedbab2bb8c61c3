package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/airframesio/channel-archiver/cmd/formatters"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

// Ingester is the orchestrator: it iterates channels, coordinates the lock,
// freshness, fetch, flush, checkpoint, and merge steps, and routes failures
// through the circuit breaker and dead-letter queue instead of aborting the
// run. Run returns an error only for setup problems; everything that happens
// per channel is reported through RunStats.
type Ingester struct {
	config  *Config
	logger  *slog.Logger
	layout  Layout
	fs      AtomicWriter
	locks   FileLock
	client  *ArchiveClient
	cursors *CheckpointStore
	dlq     *DeadLetterQueue
	mirror  *Uploader

	postsCodec   formatters.Codec[PrimaryRecord]
	repliesCodec formatters.Codec[SecondaryRecord]

	program *tea.Program // nil outside TUI mode
}

// NewIngester wires the pipeline components from the validated configuration.
func NewIngester(config *Config, logger *slog.Logger) (*Ingester, error) {
	postsCodec, err := formatters.NewCodec[PrimaryRecord](config.OutputFormat, config.Compression, config.CompressionLevel, &primaryCSVBinding)
	if err != nil {
		return nil, err
	}
	repliesCodec, err := formatters.NewCodec[SecondaryRecord](config.OutputFormat, config.Compression, config.CompressionLevel, &secondaryCSVBinding)
	if err != nil {
		return nil, err
	}

	layout := NewLayout(config.OutputDir, postsCodec.Extension())
	fs := NewDiskAtomicWriter()

	ing := &Ingester{
		config:       config,
		logger:       logger,
		layout:       layout,
		fs:           fs,
		locks:        NewFlockFileLock(),
		client:       NewArchiveClient(config, logger),
		cursors:      NewCheckpointStore(layout, fs, logger),
		dlq:          NewDeadLetterQueue(layout, fs, config.DLQAttempts, logger),
		postsCodec:   postsCodec,
		repliesCodec: repliesCodec,
	}

	if config.S3.Enabled() {
		mirror, err := NewUploader(config.S3, config.DryRun, logger)
		if err != nil {
			return nil, err
		}
		ing.mirror = mirror
	}

	return ing, nil
}

// SetProgram attaches the TUI program so the channel loop can publish
// progress updates.
func (ing *Ingester) SetProgram(program *tea.Program) {
	ing.program = program
}

func (ing *Ingester) send(msg tea.Msg) {
	if ing.program != nil {
		ing.program.Send(msg)
	}
}

// channelResult summarizes one channel's processing.
type channelResult struct {
	worked    bool // at least one content type completed (including zero rows)
	capped    bool // a resource cap stopped the channel partway
	cancelled bool
	err       error
}

// Run executes one ingestion job over the configured channels.
func (ing *Ingester) Run(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{RunID: uuid.NewString()}

	if err := ing.layout.EnsureDirs(); err != nil {
		return nil, err
	}

	probeArchiveAPI(ctx, ing.config.APIURL, ing.logger)

	info := &RunInfo{
		RunID:     stats.RunID,
		PID:       os.Getpid(),
		StartTime: time.Now(),
		Channels:  len(ing.config.Channels),
	}
	if err := WriteRunInfo(ing.layout.Dir(), info); err != nil {
		ing.logger.Warn(fmt.Sprintf("⚠️  Could not write run info: %v", err))
	}
	defer func() {
		_ = RemoveRunInfo(ing.layout.Dir())
	}()

	governor := NewResourceGovernor(ing.config.RequestCap, ing.config.DurationCap)
	consecutiveFailures := 0

	for i, channel := range ing.config.Channels {
		if ctx.Err() != nil {
			stats.Cancelled = true
			break
		}
		if stats.BreakerTripped {
			stats.SkippedBreaker++
			continue
		}
		switch governor.Check(stats.Requests) {
		case governorRequestCap:
			stats.RequestCapHit = true
		case governorDurationCap:
			stats.DurationCapHit = true
		}
		if stats.RequestCapHit || stats.DurationCapHit {
			break
		}

		stats.ChannelsChecked++
		ing.send(channelStartMsg{index: i, channel: channel})

		// Cheap unlocked pre-check: a fresh channel is skipped without ever
		// taking its lock. The authoritative check repeats inside the lock.
		if ing.channelFresh(channel) {
			ing.logger.Debug(fmt.Sprintf("⏭️  %s: consolidated files are fresh, skipping", channel))
			stats.SkippedFresh++
			ing.send(channelDoneMsg{index: i, channel: channel, outcome: "fresh"})
			continue
		}

		handle, err := ing.locks.TryLock(ing.layout.LockPath(channel))
		if errors.Is(err, ErrLockHeld) {
			ing.logger.Debug(fmt.Sprintf("🔒 %s: locked by another worker, skipping", channel))
			stats.SkippedLocked++
			ing.send(channelDoneMsg{index: i, channel: channel, outcome: "locked"})
			continue
		}
		if err != nil {
			ing.logger.Error(fmt.Sprintf("❌ %s: could not acquire lock: %v", channel, err))
			stats.Failed++
			continue
		}

		result := ing.processChannel(ctx, channel, governor, stats)

		switch {
		case result.cancelled:
			// Buffered progress was flushed and checkpointed already; the
			// lock file stays behind as a breadcrumb.
			stats.Cancelled = true
			_ = handle.Release(false)
			ing.send(channelDoneMsg{index: i, channel: channel, outcome: "cancelled"})

		case result.err != nil:
			ing.logger.Error(fmt.Sprintf("❌ %s: channel failed: %v", channel, result.err))
			stats.Failed++
			consecutiveFailures++

			promoted, dlqErr := ing.dlq.RecordFailure(channel, result.err.Error())
			if dlqErr != nil {
				ing.logger.Error(fmt.Sprintf("❌ %s: could not record dead letter: %v", channel, dlqErr))
			} else if promoted {
				stats.DLQPromoted++
			} else {
				stats.DLQWritten++
			}

			_ = handle.Release(false)

			if consecutiveFailures >= ing.config.BreakerThreshold {
				ing.logger.Warn(fmt.Sprintf("🚫 Circuit breaker tripped after %d consecutive failures", consecutiveFailures))
				stats.BreakerTripped = true
			}
			ing.send(channelDoneMsg{index: i, channel: channel, outcome: "failed"})

		case result.capped:
			// A resource cap is not a verdict on the channel. Whatever was
			// fetched is merged already, so the lock has nothing to protect.
			consecutiveFailures = 0
			if result.worked {
				stats.Downloaded++
				if err := ing.dlq.RecordSuccess(channel); err != nil {
					ing.logger.Warn(fmt.Sprintf("⚠️  %s: could not clear dead letter: %v", channel, err))
				}
			}
			_ = handle.Release(true)
			ing.send(channelDoneMsg{index: i, channel: channel, outcome: "capped"})

		default:
			consecutiveFailures = 0
			if err := ing.dlq.RecordSuccess(channel); err != nil {
				ing.logger.Warn(fmt.Sprintf("⚠️  %s: could not clear dead letter: %v", channel, err))
			}
			if result.worked {
				stats.Downloaded++
			} else {
				// Both content types turned out fresh inside the lock:
				// another worker refreshed the channel between our two checks
				stats.SkippedFresh++
			}
			_ = handle.Release(true)
			ing.send(channelDoneMsg{index: i, channel: channel, outcome: "done"})
		}

		info.CurrentChannel = channel
		info.ChannelsDone = i + 1
		info.Requests = stats.Requests
		_ = WriteRunInfo(ing.layout.Dir(), info)

		if stats.Cancelled {
			break
		}
	}

	stats.Elapsed = governor.Elapsed()
	return stats, nil
}

// channelFresh reports whether every content type's consolidated file is
// younger than the staleness threshold.
func (ing *Ingester) channelFresh(channel string) bool {
	for _, contentType := range ContentTypes {
		if !ing.contentFresh(channel, contentType) {
			return false
		}
	}
	return true
}

func (ing *Ingester) contentFresh(channel, contentType string) bool {
	modTime, exists := fileModTime(ing.layout.ConsolidatedPath(channel, contentType))
	return exists && time.Since(modTime) < ing.config.Staleness
}

// processChannel runs both content types under the channel lock. A 404 on
// either type short-circuits the rest: the channel does not exist upstream,
// and asking again for the other type would only repeat the answer.
func (ing *Ingester) processChannel(ctx context.Context, channel string, governor *ResourceGovernor, stats *RunStats) channelResult {
	var result channelResult
	resumedCounted := false

	for _, contentType := range ContentTypes {
		switch governor.Check(stats.Requests) {
		case governorRequestCap:
			stats.RequestCapHit = true
			result.capped = true
			return result
		case governorDurationCap:
			stats.DurationCapHit = true
			result.capped = true
			return result
		}

		var out contentOutcome
		var err error
		switch contentType {
		case ContentPosts:
			out, err = ingestContent(ing, ctx, governor, ing.postsCodec, ParsePrimary, channel, contentType, stats)
		case ContentReplies:
			out, err = ingestContent(ing, ctx, governor, ing.repliesCodec, ParseSecondary, channel, contentType, stats)
		default:
			err = fmt.Errorf("%w: %s", ErrUnknownContentType, contentType)
		}
		if err != nil {
			result.err = err
			return result
		}

		stats.AddRows(contentType, out.rows)
		// A channel resuming both content types is still one resumed channel
		if out.resumed && !resumedCounted {
			resumedCounted = true
			stats.Resumed++
		}

		switch {
		case out.cancelled:
			result.cancelled = true
			return result
		case out.notFound:
			ing.logger.Info(fmt.Sprintf("👻 %s: channel not found on the archive, marking processed", channel))
			result.worked = true
			return result
		case out.capped:
			result.capped = true
			if out.rows > 0 {
				result.worked = true
			}
			return result
		case out.fresh:
			// no work for this type
		default:
			result.worked = true
		}
	}

	return result
}

// contentOutcome summarizes one (channel, content type) run.
type contentOutcome struct {
	rows      int64 // rows downloaded by this run
	notFound  bool
	fresh     bool
	resumed   bool
	capped    bool
	cancelled bool
}

// ingestContent runs the page loop for one (channel, content type): fetch,
// validate, buffer, flush, checkpoint, and finally merge. It is generic over
// the record type so both content types share one pipeline.
//
//nolint:gocognit // the page loop is one state machine; splitting it obscures the states
func ingestContent[T Timestamped](
	ing *Ingester,
	ctx context.Context,
	governor *ResourceGovernor,
	codec formatters.Codec[T],
	parse func(json.RawMessage, string) (T, error),
	channel, contentType string,
	stats *RunStats,
) (contentOutcome, error) {
	var out contentOutcome
	config := ing.config

	// Authoritative freshness check, now under the lock
	if ing.contentFresh(channel, contentType) {
		out.fresh = true
		return out, nil
	}

	cursor, err := ing.cursors.Reconcile(channel, contentType)
	if err != nil {
		return out, err
	}

	consolidated := ing.layout.ConsolidatedPath(channel, contentType)
	_, priorExists := fileModTime(consolidated)

	// The upper bound walks backward: resume from the checkpoint frontier,
	// or extend a stale consolidated file past its oldest row, or start
	// unbounded on a first run.
	var before int64
	switch {
	case cursor != nil:
		before = cursor.Frontier
		out.resumed = true
		ing.logger.Info(fmt.Sprintf("▶️  %s/%s: resuming from checkpoint (frontier %d, %d rows, %d chunks)", channel, contentType, cursor.Frontier, cursor.Rows, cursor.Chunks))
	case priorExists:
		oldest, err := oldestTimestamp(codec, consolidated)
		if err != nil {
			return out, fmt.Errorf("failed to probe prior consolidated file: %w", err)
		}
		before = oldest
		ing.logger.Info(fmt.Sprintf("🔄 %s/%s: stale refresh, extending history past %d", channel, contentType, oldest))
	}

	after := config.AfterEpoch()
	writer := newChunkWriter(ing.layout, codec, ing.fs, ing.cursors, ing.logger, channel, contentType, config.ChunkSize, config.ChunkBytes, cursor)
	rowsAtStart := writer.Rows()

	var (
		exhausted  bool
		badRequest bool
	)

pages:
	for {
		if ctx.Err() != nil {
			out.cancelled = true
			break
		}
		switch governor.Check(stats.Requests) {
		case governorRequestCap:
			stats.RequestCapHit = true
			out.capped = true
			break pages
		case governorDurationCap:
			stats.DurationCapHit = true
			out.capped = true
			break pages
		}

		result := ing.client.FetchPage(ctx, channel, contentType, after, before, stats)
		switch result.Outcome {
		case OutcomeSuccess:
			var pageOldest int64
			for _, raw := range result.Items {
				record, err := parse(raw, channel)
				if err != nil {
					stats.RowsDropped++
					ing.logger.Debug(fmt.Sprintf("🗑️  %s/%s: dropping item: %v", channel, contentType, err))
					continue
				}
				writer.Append(record, int64(len(raw)))
				if created := record.CreatedAt(); pageOldest == 0 || created < pageOldest {
					pageOldest = created
				}
			}
			if err := writer.PageDone(); err != nil {
				return out, err
			}
			if pageOldest == 0 {
				// Every item on the page was invalid; the frontier cannot
				// advance, so treat this as the end of usable data
				exhausted = true
				break pages
			}
			before = pageOldest

			if config.RowCap > 0 && writer.Rows() >= config.RowCap {
				ing.logger.Debug(fmt.Sprintf("🧢 %s/%s: row cap %d reached", channel, contentType, config.RowCap))
				exhausted = true
				break pages
			}
			if err := ing.client.Politeness(ctx); err != nil {
				out.cancelled = true
				break pages
			}

		case OutcomeEmptyPage:
			exhausted = true
			break pages

		case OutcomeNotFound:
			out.notFound = true
			break pages

		case OutcomeBadRequest:
			ing.logger.Debug(fmt.Sprintf("⏭️  %s/%s: archive rejected the request, skipping content type", channel, contentType))
			badRequest = true
			break pages

		case OutcomePermanentFailure:
			if errors.Is(result.Err, context.Canceled) {
				out.cancelled = true
				break pages
			}
			// Preserve progress before reporting the channel failure upward
			if flushErr := writer.Flush(); flushErr != nil {
				return out, errors.Join(result.Err, flushErr)
			}
			out.rows = writer.Rows() - rowsAtStart
			return out, result.Err
		}
	}

	if err := writer.Flush(); err != nil {
		return out, err
	}
	out.rows = writer.Rows() - rowsAtStart

	// Cancellation keeps chunks and cursor for the next run to resume
	if out.cancelled {
		return out, nil
	}

	// Merge whenever there is anything to merge; an exhausted run with zero
	// rows and no prior file still gets a schema-only consolidated file so
	// the staleness skip applies. 404/400 leave no artifact behind for
	// channels the archive does not serve, except to fold in prior progress.
	hasChunks := writer.Chunks() > 0
	// Capped runs take this path too: their progress merges exactly when
	// chunks or a prior file exist.
	shouldMerge := hasChunks || priorExists
	if exhausted && !out.notFound && !badRequest {
		shouldMerge = true
	}

	if shouldMerge {
		if err := consolidate(ing.layout, codec, ing.fs, ing.cursors, ing.logger, channel, contentType); err != nil {
			return out, err
		}
		ing.mirrorConsolidated(channel, consolidated, stats)
	}

	return out, nil
}

// mirrorConsolidated uploads a consolidated file when the S3 mirror is
// configured. Never fails the channel.
func (ing *Ingester) mirrorConsolidated(channel, path string, stats *RunStats) {
	if ing.mirror == nil {
		return
	}
	ing.mirror.Mirror(channel, path, stats)
}
