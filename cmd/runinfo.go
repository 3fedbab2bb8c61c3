package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// RunInfo is the live breadcrumb one worker process leaves in the output
// directory while it runs. Other workers and operators can list these files
// to see what is touching the directory and whether the owning process is
// still alive.
type RunInfo struct {
	RunID          string    `json:"run_id"`
	PID            int       `json:"pid"`
	StartTime      time.Time `json:"start_time"`
	Channels       int       `json:"channels"`
	CurrentChannel string    `json:"current_channel,omitempty"`
	ChannelsDone   int       `json:"channels_done"`
	Requests       int64     `json:"requests"`
	LastUpdate     time.Time `json:"last_update"`
}

// runInfoPath returns this process's run-info path in the output directory.
func runInfoPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf(".run_%d.json", os.Getpid()))
}

// WriteRunInfo writes or rewrites this process's run-info file.
func WriteRunInfo(dir string, info *RunInfo) error {
	info.LastUpdate = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}

	return os.WriteFile(runInfoPath(dir), data, 0o600)
}

// RemoveRunInfo removes this process's run-info file.
func RemoveRunInfo(dir string) error {
	err := os.Remove(runInfoPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListRunInfos reads every run-info file in the output directory.
func ListRunInfos(dir string) ([]RunInfo, error) {
	matches, err := filepath.Glob(filepath.Join(dir, ".run_*.json"))
	if err != nil {
		return nil, err
	}

	var infos []RunInfo
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var info RunInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// IsProcessRunning checks if a process with given PID is running
// Works on both Unix and Windows systems
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix systems, we can send signal 0 to check if process exists
	// On Windows, FindProcess always succeeds, so we need to try to send a signal
	err = process.Signal(syscall.Signal(0))

	// Both systems return an error if the process doesn't exist
	return err == nil
}
