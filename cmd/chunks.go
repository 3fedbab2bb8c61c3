package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/airframesio/channel-archiver/cmd/formatters"
)

// chunkWriter accumulates validated records for one (channel, content type)
// and flushes them to immutable chunk files, rewriting the cursor after every
// flush so data durability and resume state always advance together.
type chunkWriter[T Timestamped] struct {
	layout  Layout
	codec   formatters.Codec[T]
	fs      AtomicWriter
	cursors *CheckpointStore
	logger  *slog.Logger

	channel     string
	contentType string

	maxRows  int
	maxBytes int64

	rows     []T
	bufBytes int64
	cursor   Cursor
}

// newChunkWriter starts a writer, either fresh or resuming from an existing
// cursor.
func newChunkWriter[T Timestamped](layout Layout, codec formatters.Codec[T], fs AtomicWriter, cursors *CheckpointStore, logger *slog.Logger, channel, contentType string, maxRows int, maxBytes int64, resume *Cursor) *chunkWriter[T] {
	w := &chunkWriter[T]{
		layout:      layout,
		codec:       codec,
		fs:          fs,
		cursors:     cursors,
		logger:      logger,
		channel:     channel,
		contentType: contentType,
		maxRows:     maxRows,
		maxBytes:    maxBytes,
	}
	if resume != nil {
		w.cursor = *resume
	} else {
		w.cursor = Cursor{
			Channel:     channel,
			ContentType: contentType,
			StartedAt:   time.Now(),
		}
	}
	return w
}

// Append buffers one record. estBytes is the wire size of the record, the
// guard against unbounded memory growth when outsized records arrive before
// the row threshold is reached.
func (w *chunkWriter[T]) Append(record T, estBytes int64) {
	w.rows = append(w.rows, record)
	w.bufBytes += estBytes
	if created := record.CreatedAt(); w.cursor.Frontier == 0 || created < w.cursor.Frontier {
		w.cursor.Frontier = created
	}
}

// PageDone records one completed page and flushes if either threshold has
// been reached.
func (w *chunkWriter[T]) PageDone() error {
	w.cursor.Pages++
	if len(w.rows) >= w.maxRows || w.bufBytes >= w.maxBytes {
		return w.Flush()
	}
	return nil
}

// Flush writes the buffered rows as the next chunk file, then immediately
// rewrites the cursor. A crash between the two leaves more chunks on disk
// than the cursor records, which Reconcile treats as corruption on the next
// run rather than trusting stale counts.
func (w *chunkWriter[T]) Flush() error {
	if len(w.rows) == 0 {
		return nil
	}

	seq := w.cursor.Chunks + 1
	path := w.layout.ChunkPath(w.channel, w.contentType, seq)
	rows := w.rows

	err := w.fs.WriteAtomic(path, func(out io.Writer) error {
		return formatters.WriteAll(w.codec, out, rows)
	})
	if err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", seq, err)
	}

	w.cursor.Chunks = seq
	w.cursor.Rows += int64(len(rows))
	w.logger.Debug(fmt.Sprintf("💾 %s/%s: flushed chunk %05d (%d rows, frontier %d)", w.channel, w.contentType, seq, len(rows), w.cursor.Frontier))

	w.rows = nil
	w.bufBytes = 0

	if err := w.cursors.Save(&w.cursor); err != nil {
		return fmt.Errorf("failed to save cursor after chunk %d: %w", seq, err)
	}
	return nil
}

// Rows returns the cumulative flushed row count plus the buffered rows.
func (w *chunkWriter[T]) Rows() int64 {
	return w.cursor.Rows + int64(len(w.rows))
}

// Frontier returns the oldest creation timestamp observed so far, 0 when no
// record has been seen.
func (w *chunkWriter[T]) Frontier() int64 {
	return w.cursor.Frontier
}

// Chunks returns the number of chunk files flushed so far.
func (w *chunkWriter[T]) Chunks() int {
	return w.cursor.Chunks
}
