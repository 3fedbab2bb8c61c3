package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Chunk sequence 0 is reserved: during a stale-refresh merge the prior
// consolidated file is renamed into the chunk set at sequence 0 so it sorts
// ahead of every chunk produced by the current run.
const mergeSeedSeq = 0

// Layout builds every on-disk path the pipeline touches. All artifacts for a
// (channel, content type) share the channel_{type} stem so a directory
// listing groups naturally.
type Layout struct {
	dir string
	ext string // data file extension including format and compression, e.g. ".parquet", ".jsonl.zst"
}

// NewLayout creates a Layout rooted at the output directory with the given
// data file extension.
func NewLayout(dir, ext string) Layout {
	return Layout{dir: dir, ext: ext}
}

// Dir returns the output directory.
func (l Layout) Dir() string { return l.dir }

// Extension returns the data file extension.
func (l Layout) Extension() string { return l.ext }

func (l Layout) stem(channel, contentType string) string {
	return fmt.Sprintf("%s_%s", channel, contentType)
}

// ConsolidatedPath returns the final merged output path for one
// (channel, content type).
func (l Layout) ConsolidatedPath(channel, contentType string) string {
	return filepath.Join(l.dir, l.stem(channel, contentType)+l.ext)
}

// ChunkPath returns the transient chunk path for the given sequence number.
func (l Layout) ChunkPath(channel, contentType string, seq int) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s.chunk_%05d%s", l.stem(channel, contentType), seq, l.ext))
}

// CursorPath returns the checkpoint path for one (channel, content type).
func (l Layout) CursorPath(channel, contentType string) string {
	return filepath.Join(l.dir, l.stem(channel, contentType)+".cursor.json")
}

// LockPath returns the advisory lock path for a channel. One lock covers
// both content types.
func (l Layout) LockPath(channel string) string {
	return filepath.Join(l.dir, channel+".lock")
}

// DeadLetterDir returns the dead-letter directory.
func (l Layout) DeadLetterDir() string {
	return filepath.Join(l.dir, "dead_letter")
}

// DeadLetterPath returns the transient dead-letter path for a channel.
func (l Layout) DeadLetterPath(channel string) string {
	return filepath.Join(l.DeadLetterDir(), channel+".jsonl")
}

// PermanentLedgerPath returns the permanent failure ledger path for a channel.
func (l Layout) PermanentLedgerPath(channel string) string {
	return filepath.Join(l.DeadLetterDir(), channel+"_permanent.jsonl")
}

// chunkSeqPattern extracts the zero-padded sequence from a chunk filename.
var chunkSeqPattern = regexp.MustCompile(`\.chunk_(\d{5})`)

// chunkSeq parses the sequence number out of a chunk path. Returns -1 when
// the name does not carry one.
func chunkSeq(path string) int {
	m := chunkSeqPattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return -1
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return seq
}

// ChunkFiles lists every chunk file for a (channel, content type), sorted by
// sequence. The merge-seed chunk (sequence 0) sorts first when present.
func (l Layout) ChunkFiles(channel, contentType string) ([]string, error) {
	pattern := filepath.Join(l.dir, l.stem(channel, contentType)+".chunk_*"+l.ext)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// RunChunkFiles lists only the chunks produced by pagination (sequence >= 1),
// sorted by sequence. These are the files the checkpoint's chunk count must
// agree with.
func (l Layout) RunChunkFiles(channel, contentType string) ([]string, error) {
	all, err := l.ChunkFiles(channel, contentType)
	if err != nil {
		return nil, err
	}
	chunks := all[:0:0]
	for _, path := range all {
		if chunkSeq(path) >= 1 {
			chunks = append(chunks, path)
		}
	}
	return chunks, nil
}

// MergeSeedPath returns the reserved sequence-0 chunk path used to fold a
// prior consolidated file into a stale-refresh merge.
func (l Layout) MergeSeedPath(channel, contentType string) string {
	return l.ChunkPath(channel, contentType, mergeSeedSeq)
}

// EnsureDirs creates the output and dead-letter directories.
func (l Layout) EnsureDirs() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.MkdirAll(l.DeadLetterDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	return nil
}
