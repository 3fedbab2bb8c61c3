package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Cursor is the persisted resume state for one (channel, content type). It is
// rewritten atomically after every chunk flush and deleted only after a
// successful merge, so a cursor on disk always means unmerged chunks exist.
type Cursor struct {
	Channel     string    `json:"channel"`
	ContentType string    `json:"content_type"`
	Frontier    int64     `json:"frontier"` // oldest creation timestamp reached so far
	Rows        int64     `json:"rows"`
	Chunks      int       `json:"chunks"`
	Pages       int       `json:"pages"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CheckpointStore persists cursors and reconciles checkpoint/chunk state at
// the start of a channel run.
type CheckpointStore struct {
	layout Layout
	fs     AtomicWriter
	logger *slog.Logger
}

// NewCheckpointStore creates a CheckpointStore.
func NewCheckpointStore(layout Layout, fs AtomicWriter, logger *slog.Logger) *CheckpointStore {
	return &CheckpointStore{layout: layout, fs: fs, logger: logger}
}

// Load reads the cursor for a (channel, content type). A missing or corrupt
// cursor file loads as nil; corruption is resolved by Reconcile, not here.
func (s *CheckpointStore) Load(channel, contentType string) *Cursor {
	data, err := os.ReadFile(s.layout.CursorPath(channel, contentType))
	if err != nil {
		return nil
	}

	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil
	}
	if cursor.Channel != channel || cursor.ContentType != contentType {
		// Cursor file renamed or copied between channels; never trust it
		return nil
	}
	return &cursor
}

// Save atomically rewrites the cursor.
func (s *CheckpointStore) Save(cursor *Cursor) error {
	cursor.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(cursor, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}

	path := s.layout.CursorPath(cursor.Channel, cursor.ContentType)
	return s.fs.WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Delete removes the cursor file. Called only after a successful merge.
func (s *CheckpointStore) Delete(channel, contentType string) error {
	err := os.Remove(s.layout.CursorPath(channel, contentType))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Reconcile inspects the on-disk state for a (channel, content type) before
// processing and enforces the invariant that a cursor exists iff run chunks
// exist, with their counts agreeing. Any mismatch is corruption: the
// inconsistent side is discarded and the run starts that pair fresh rather
// than guessing. Returns the cursor to resume from, or nil for a clean start.
func (s *CheckpointStore) Reconcile(channel, contentType string) (*Cursor, error) {
	cursor := s.Load(channel, contentType)
	runChunks, err := s.layout.RunChunkFiles(channel, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk files: %w", err)
	}

	consolidated := s.layout.ConsolidatedPath(channel, contentType)
	seed := s.layout.MergeSeedPath(channel, contentType)
	_, seedExists := fileModTime(seed)
	consolidatedMod, consolidatedExists := fileModTime(consolidated)

	// A consolidated file newer than the cursor means a merge completed but
	// its cleanup was interrupted: the chunk rows are already in the
	// consolidated file, so both leftover sides go.
	if cursor != nil && consolidatedExists && consolidatedMod.After(cursor.UpdatedAt) {
		s.logger.Warn(fmt.Sprintf("🧹 %s/%s: consolidated file is newer than cursor, clearing merge leftovers", channel, contentType))
		return nil, s.reset(channel, contentType, runChunks, seedExists)
	}

	// An orphan merge-seed chunk with nothing else around it is an
	// interrupted merge preparation: restore it to the consolidated name.
	if cursor == nil && len(runChunks) == 0 && seedExists {
		if !consolidatedExists {
			s.logger.Warn(fmt.Sprintf("🧹 %s/%s: restoring interrupted merge seed to consolidated file", channel, contentType))
			if err := os.Rename(seed, consolidated); err != nil {
				return nil, fmt.Errorf("failed to restore merge seed: %w", err)
			}
		} else {
			// Both present: the consolidated file is authoritative
			_ = os.Remove(seed)
		}
		return nil, nil
	}

	switch {
	case cursor == nil && len(runChunks) == 0:
		return nil, nil
	case cursor == nil && len(runChunks) > 0:
		s.logger.Warn(fmt.Sprintf("🧹 %s/%s: found %d chunk files without a cursor, resetting", channel, contentType, len(runChunks)))
		return nil, s.reset(channel, contentType, runChunks, seedExists)
	case cursor != nil && len(runChunks) == 0:
		s.logger.Warn(fmt.Sprintf("🧹 %s/%s: found a cursor without chunk files, resetting", channel, contentType))
		return nil, s.reset(channel, contentType, nil, seedExists)
	case len(runChunks) != cursor.Chunks:
		// Typically a crash between a chunk rename and the cursor rewrite
		s.logger.Warn(fmt.Sprintf("🧹 %s/%s: cursor records %d chunks but %d exist, resetting", channel, contentType, cursor.Chunks, len(runChunks)))
		return nil, s.reset(channel, contentType, runChunks, seedExists)
	}

	return cursor, nil
}

// reset clears all transient state for a (channel, content type).
func (s *CheckpointStore) reset(channel, contentType string, runChunks []string, seedExists bool) error {
	for _, path := range runChunks {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove chunk %s: %w", path, err)
		}
	}
	if seedExists {
		if err := os.Remove(s.layout.MergeSeedPath(channel, contentType)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove merge seed: %w", err)
		}
	}
	return s.Delete(channel, contentType)
}
