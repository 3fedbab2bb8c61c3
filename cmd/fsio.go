package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Static errors for filesystem coordination
var (
	ErrLockHeld     = errors.New("channel lock is held by another worker")
	ErrLockUnstable = errors.New("channel lock file kept changing underneath")
)

// AtomicWriter writes a durable artifact so readers never observe a partial
// file: the content goes to a temp file in the same directory, then a rename
// makes it visible in one step.
type AtomicWriter interface {
	// WriteAtomic writes to path via temp-file-then-rename. The write
	// callback streams content into the temp file; any error discards it.
	WriteAtomic(path string, write func(w io.Writer) error) error
}

// FileLock acquires per-channel advisory locks. Acquisition is strictly
// non-blocking: contention is a skip, never a wait.
type FileLock interface {
	// TryLock acquires an exclusive lock on path without blocking,
	// returning ErrLockHeld when another process holds it.
	TryLock(path string) (LockHandle, error)
}

// LockHandle is one held lock.
type LockHandle interface {
	// Release drops the lock. When removeFile is true the lock file is
	// removed as well; a failed channel leaves its lock file in place as
	// an operator breadcrumb while still releasing the advisory lock.
	Release(removeFile bool) error
}

// diskAtomicWriter is the real-filesystem AtomicWriter.
type diskAtomicWriter struct{}

// NewDiskAtomicWriter returns an AtomicWriter backed by the real filesystem.
func NewDiskAtomicWriter() AtomicWriter {
	return diskAtomicWriter{}
}

func (diskAtomicWriter) WriteAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}

// flockFileLock is the real-filesystem FileLock, using flock(2). The lock is
// advisory and exclusive; the kernel releases it if the holder dies, so a
// crashed worker never wedges a channel.
type flockFileLock struct{}

// NewFlockFileLock returns a FileLock backed by flock(2).
func NewFlockFileLock() FileLock {
	return flockFileLock{}
}

// lockRetryLimit bounds re-acquisition attempts when the lock file is
// unlinked between our open and flock.
const lockRetryLimit = 5

func (flockFileLock) TryLock(path string) (LockHandle, error) {
	for attempt := 0; attempt < lockRetryLimit; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file: %w", err)
		}

		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, syscall.EWOULDBLOCK) {
				return nil, fmt.Errorf("%w: %s", ErrLockHeld, path)
			}
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		// The previous holder may have removed the path after we opened it
		// but before our flock landed. A lock on that orphaned inode excludes
		// nobody: the next worker creates a fresh file at the same path and
		// locks it independently. Only a lock on the file the path currently
		// names counts; otherwise drop it and take the fresh file.
		if lockFileCurrent(f, path) {
			return &flockHandle{file: f, path: path}, nil
		}
		f.Close()
	}
	return nil, fmt.Errorf("%w: %s", ErrLockUnstable, path)
}

// lockFileCurrent reports whether f still is the file that path names.
func lockFileCurrent(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	named, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, named)
}

type flockHandle struct {
	file *os.File
	path string
}

func (h *flockHandle) Release(removeFile bool) error {
	if h.file == nil {
		return nil
	}
	// Remove before dropping the lock so no other worker can grab the
	// file in between and have it deleted out from under them.
	if removeFile {
		_ = os.Remove(h.path)
	}
	err := syscall.Flock(int(h.file.Fd()), syscall.LOCK_UN)
	closeErr := h.file.Close()
	h.file = nil
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return closeErr
}

// fileModTime returns the modification time of path and whether it exists.
func fileModTime(path string) (modTime time.Time, exists bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
