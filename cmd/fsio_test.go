package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	fs := NewDiskAtomicWriter()
	path := filepath.Join(dir, "out.txt")

	err := fs.WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write([]byte("hello"))
		return err
	})
	if err != nil {
		t.Fatalf("WriteAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want hello", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1 (no temp leftovers)", len(entries))
	}
}

func TestWriteAtomicFailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	fs := NewDiskAtomicWriter()
	path := filepath.Join(dir, "out.txt")

	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	writeErr := fmt.Errorf("boom")
	err := fs.WriteAtomic(path, func(io.Writer) error { return writeErr })
	if !errors.Is(err, writeErr) {
		t.Fatalf("WriteAtomic() error = %v, want wrapped boom", err)
	}

	// The prior file must be untouched and no temp file left behind
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Errorf("prior content was replaced: %q", data)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1", len(entries))
	}
}

func TestFileLockExclusivity(t *testing.T) {
	dir := t.TempDir()
	locks := NewFlockFileLock()
	path := filepath.Join(dir, "bend.lock")

	handle, err := locks.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}

	if _, err := locks.TryLock(path); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second TryLock() error = %v, want ErrLockHeld", err)
	}

	// Releasing without removal keeps the file but frees the lock
	if err := handle.Release(false); err != nil {
		t.Fatalf("Release(false) error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file removed on Release(false): %v", err)
	}

	handle, err = locks.TryLock(path)
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	if err := handle.Release(true); err != nil {
		t.Fatalf("Release(true) error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file still present after Release(true)")
	}
}

func TestTryLockRejectsUnlinkedLockFile(t *testing.T) {
	dir := t.TempDir()
	locks := NewFlockFileLock()
	path := filepath.Join(dir, "bend.lock")

	holder, err := locks.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock() error = %v", err)
	}

	// A second worker opens the lock file while the first still holds it,
	// then the first releases with removal. The second worker's flock now
	// lands on an unlinked inode that excludes nobody.
	stale, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer stale.Close()

	if err := holder.Release(true); err != nil {
		t.Fatalf("Release(true) error = %v", err)
	}
	if err := syscall.Flock(int(stale.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		t.Fatalf("flock on the orphaned inode failed: %v", err)
	}

	// The identity check is what forces TryLock to discard that acquisition
	// and retry on the file the path currently names.
	if lockFileCurrent(stale, path) {
		t.Fatal("orphaned lock inode passed the identity check")
	}

	// A third worker creates a fresh file at the same path; its lock is the
	// only valid one and must exclude the next contender.
	fresh, err := locks.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock() after removal error = %v", err)
	}
	if _, err := locks.TryLock(path); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("contending TryLock() error = %v, want ErrLockHeld", err)
	}
	if err := fresh.Release(true); err != nil {
		t.Fatal(err)
	}
}

func TestTryLockSurvivesBreadcrumbFile(t *testing.T) {
	dir := t.TempDir()
	locks := NewFlockFileLock()
	path := filepath.Join(dir, "bend.lock")

	// Release(false) leaves the file behind; reacquiring it must lock the
	// very file the path names, not a replacement.
	holder, err := locks.TryLock(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := holder.Release(false); err != nil {
		t.Fatal(err)
	}

	again, err := locks.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock() on breadcrumb error = %v", err)
	}
	if !lockFileCurrent(again.(*flockHandle).file, path) {
		t.Error("held lock is not on the file the path names")
	}
	if err := again.Release(true); err != nil {
		t.Fatal(err)
	}
}

func TestFileModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	if _, exists := fileModTime(path); exists {
		t.Error("fileModTime reported a missing file as present")
	}

	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, exists := fileModTime(path); !exists {
		t.Error("fileModTime missed an existing file")
	}
}
