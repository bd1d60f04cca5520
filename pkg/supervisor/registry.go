package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/brewva/gateway/pkg/logger"
)

// RegistryEntry is one row of the crash-safe pool snapshot (spec.md §4.2.5,
// §6.4 "children.json").
type RegistryEntry struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

func writeRegistry(path string, entries []RegistryEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readRegistry(path string) ([]RegistryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []RegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// Readers tolerate partial writes by re-parsing or retrying
		// (spec.md §5); a corrupt registry is treated as empty rather than
		// fatal, since it only gates orphan cleanup, not correctness.
		logger.Warnf("registry %s: failed to parse, treating as empty: %v", path, err)
		return nil, nil
	}
	return entries, nil
}

func pidIsLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// cleanupOrphans reads the previous registry snapshot; any pid that is
// alive and is not this process is terminated, then the registry is
// rewritten from the empty live set (spec.md §4.2.5).
func cleanupOrphans(path string) error {
	entries, err := readRegistry(path)
	if err != nil {
		return err
	}
	self := os.Getpid()
	for _, e := range entries {
		if e.PID == self || !pidIsLive(e.PID) {
			continue
		}
		logger.Warnf("terminating orphaned worker pid=%d session=%s", e.PID, e.SessionID)
		proc, err := os.FindProcess(e.PID)
		if err != nil {
			continue
		}
		_ = proc.Signal(syscall.SIGTERM)
		// Orphaned pids are not children of this (restarted) process, so
		// os.Process.Wait would fail with ECHILD; poll liveness instead.
		deadline := time.Now().Add(3 * time.Second)
		for pidIsLive(e.PID) && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		if pidIsLive(e.PID) {
			_ = proc.Kill()
		}
	}
	return writeRegistry(path, nil)
}
