package cmd

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunInfoLifecycle(t *testing.T) {
	dir := t.TempDir()

	info := &RunInfo{
		RunID:     "run-1234",
		PID:       os.Getpid(),
		StartTime: time.Now(),
		Channels:  3,
	}
	if err := WriteRunInfo(dir, info); err != nil {
		t.Fatal(err)
	}

	infos, err := ListRunInfos(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("ListRunInfos() returned %d entries, want 1", len(infos))
	}
	got := infos[0]
	if got.RunID != "run-1234" || got.PID != os.Getpid() || got.Channels != 3 {
		t.Errorf("ListRunInfos() = %+v", got)
	}
	if got.LastUpdate.IsZero() {
		t.Error("WriteRunInfo() did not stamp LastUpdate")
	}

	// Rewriting in place updates rather than duplicates
	info.CurrentChannel = "bendoregon"
	info.ChannelsDone = 2
	if err := WriteRunInfo(dir, info); err != nil {
		t.Fatal(err)
	}
	infos, err = ListRunInfos(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].CurrentChannel != "bendoregon" || infos[0].ChannelsDone != 2 {
		t.Errorf("after rewrite ListRunInfos() = %+v", infos)
	}

	if err := RemoveRunInfo(dir); err != nil {
		t.Fatal(err)
	}
	infos, err = ListRunInfos(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("%d run info files after removal", len(infos))
	}

	// Removing again is a no-op
	if err := RemoveRunInfo(dir); err != nil {
		t.Errorf("second RemoveRunInfo() error = %v", err)
	}
}

func TestListRunInfosSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()

	if err := WriteRunInfo(dir, &RunInfo{RunID: "ok", PID: os.Getpid()}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".run_99999999.json"), []byte("{garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	infos, err := ListRunInfos(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].RunID != "ok" {
		t.Errorf("ListRunInfos() = %+v, want only the valid entry", infos)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("IsProcessRunning() = false for the current process")
	}
	if IsProcessRunning(math.MaxInt32) {
		t.Error("IsProcessRunning() = true for an implausible pid")
	}
}
