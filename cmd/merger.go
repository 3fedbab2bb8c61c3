package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/airframesio/channel-archiver/cmd/formatters"
)

// mergeBatchRows bounds how many rows a merge or frontier probe holds in
// memory at once. The merge seed is the whole prior consolidated file and
// grows across refreshes, so it is never read whole.
const mergeBatchRows = 512

// consolidate runs once a (channel, content type) finishes for any reason:
// data exhausted, row cap reached, or a resource cap hit mid-stream. It
// streams every chunk file, in filename order, into one new consolidated
// file, then deletes the inputs and finally the cursor. Failure at any step
// leaves chunks and cursor intact for the next run to retry; durable state is
// never deleted before the new artifact is confirmed written.
func consolidate[T Timestamped](layout Layout, codec formatters.Codec[T], fs AtomicWriter, cursors *CheckpointStore, logger *slog.Logger, channel, contentType string) error {
	consolidated := layout.ConsolidatedPath(channel, contentType)

	// On a stale refresh the prior consolidated file joins the merge at the
	// reserved sequence 0, ahead of every chunk from this run.
	if _, exists := fileModTime(consolidated); exists {
		seed := layout.MergeSeedPath(channel, contentType)
		if err := os.Rename(consolidated, seed); err != nil {
			return fmt.Errorf("failed to stage prior consolidated file for merge: %w", err)
		}
	}

	chunks, err := layout.ChunkFiles(channel, contentType)
	if err != nil {
		return fmt.Errorf("failed to list chunk files: %w", err)
	}

	var merged int64
	err = fs.WriteAtomic(consolidated, func(out io.Writer) error {
		writer, err := codec.NewWriter(out)
		if err != nil {
			return err
		}
		for _, chunk := range chunks {
			copied, err := copyRows(codec, chunk, writer)
			if err != nil {
				return err
			}
			merged += copied
		}
		return writer.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to write consolidated file: %w", err)
	}

	for _, chunk := range chunks {
		if err := os.Remove(chunk); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove merged chunk %s: %w", chunk, err)
		}
	}

	// Cursor goes last: its presence means unmerged chunks exist, and that
	// stops being true only once the consolidated file is in place and the
	// chunks are gone.
	if err := cursors.Delete(channel, contentType); err != nil {
		return fmt.Errorf("failed to delete cursor after merge: %w", err)
	}

	logger.Debug(fmt.Sprintf("🧩 %s/%s: consolidated %d chunks into %s (%d rows)", channel, contentType, len(chunks), consolidated, merged))
	return nil
}

// copyRows streams one input file into writer in bounded batches
func copyRows[T any](codec formatters.Codec[T], path string, writer formatters.RowWriter[T]) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open chunk %s: %w", path, err)
	}
	defer f.Close()

	rows, err := codec.OpenRows(f)
	if err != nil {
		return 0, fmt.Errorf("failed to read chunk %s: %w", path, err)
	}
	defer rows.Close()

	var copied int64
	for {
		batch, err := rows.ReadBatch(mergeBatchRows)
		if len(batch) > 0 {
			if werr := writer.Write(batch); werr != nil {
				return copied, fmt.Errorf("failed to merge chunk %s: %w", path, werr)
			}
			copied += int64(len(batch))
		}
		if errors.Is(err, io.EOF) {
			return copied, nil
		}
		if err != nil {
			return copied, fmt.Errorf("failed to read chunk %s: %w", path, err)
		}
	}
}

// oldestTimestamp probes the consolidated file for the oldest creation
// timestamp it holds. A stale refresh seeds its upper bound from this value
// so the new run extends the historical window further into the past.
func oldestTimestamp[T Timestamped](codec formatters.Codec[T], path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open consolidated file: %w", err)
	}
	defer f.Close()

	rows, err := codec.OpenRows(f)
	if err != nil {
		return 0, fmt.Errorf("failed to read consolidated file: %w", err)
	}
	defer rows.Close()

	var oldest int64
	for {
		batch, err := rows.ReadBatch(mergeBatchRows)
		for _, row := range batch {
			if created := row.CreatedAt(); oldest == 0 || created < oldest {
				oldest = created
			}
		}
		if errors.Is(err, io.EOF) {
			return oldest, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read consolidated file: %w", err)
		}
	}
}
