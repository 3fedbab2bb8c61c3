package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// DeadLetterEntry is one channel's failure bookkeeping. The transient file
// holds at most one entry; past the attempt ceiling the entry moves to the
// append-only permanent ledger and leaves the transient file.
type DeadLetterEntry struct {
	Channel      string    `json:"channel"`
	Reason       string    `json:"reason"`
	Attempts     int       `json:"attempts"`
	FirstFailure time.Time `json:"first_failure"`
	LastFailure  time.Time `json:"last_failure"`
}

// DeadLetterQueue is the durable, operator-inspectable failure record for
// channels. Entries are created on first failure, incremented on repeats,
// removed on success, and promoted to the permanent ledger at the ceiling.
type DeadLetterQueue struct {
	layout      Layout
	fs          AtomicWriter
	maxAttempts int
	logger      *slog.Logger
}

// NewDeadLetterQueue creates a DeadLetterQueue.
func NewDeadLetterQueue(layout Layout, fs AtomicWriter, maxAttempts int, logger *slog.Logger) *DeadLetterQueue {
	return &DeadLetterQueue{layout: layout, fs: fs, maxAttempts: maxAttempts, logger: logger}
}

// Load reads a channel's transient entry. Missing or corrupt files load as
// nil; the file will be rewritten whole on the next failure anyway.
func (q *DeadLetterQueue) Load(channel string) *DeadLetterEntry {
	entries := readEntries(q.layout.DeadLetterPath(channel))
	if len(entries) == 0 {
		return nil
	}
	// Tolerate stray extra lines by keeping the most recent
	return &entries[len(entries)-1]
}

// readEntries parses a JSON-lines file tolerantly, skipping undecodable lines.
func readEntries(path string) []DeadLetterEntry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []DeadLetterEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry DeadLetterEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// RecordFailure notes one channel failure: locate or create the entry, bump
// its attempt count, atomically rewrite the transient file, and promote to
// the permanent ledger once attempts reach the ceiling. Returns whether the
// entry was promoted.
func (q *DeadLetterQueue) RecordFailure(channel, reason string) (promoted bool, err error) {
	now := time.Now()
	entry := q.Load(channel)
	if entry == nil {
		entry = &DeadLetterEntry{
			Channel:      channel,
			FirstFailure: now,
		}
	}
	entry.Reason = reason
	entry.Attempts++
	entry.LastFailure = now

	if entry.Attempts >= q.maxAttempts {
		if err := q.promote(entry); err != nil {
			return false, err
		}
		if err := q.remove(channel); err != nil {
			return false, err
		}
		q.logger.Warn(fmt.Sprintf("☠️  %s: promoted to permanent dead-letter ledger after %d attempts", channel, entry.Attempts))
		return true, nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}
	err = q.fs.WriteAtomic(q.layout.DeadLetterPath(channel), func(w io.Writer) error {
		if _, err := w.Write(data); err != nil {
			return err
		}
		_, err := w.Write([]byte{'\n'})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to write dead-letter entry: %w", err)
	}
	return false, nil
}

// promote appends the entry to the channel's permanent ledger.
func (q *DeadLetterQueue) promote(entry *DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal permanent ledger entry: %w", err)
	}

	f, err := os.OpenFile(q.layout.PermanentLedgerPath(entry.Channel), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open permanent ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to permanent ledger: %w", err)
	}
	return nil
}

// RecordSuccess clears a channel's transient entry after a successful run.
func (q *DeadLetterQueue) RecordSuccess(channel string) error {
	return q.remove(channel)
}

func (q *DeadLetterQueue) remove(channel string) error {
	err := os.Remove(q.layout.DeadLetterPath(channel))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
