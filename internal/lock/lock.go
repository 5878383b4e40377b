// Package lock guards a snapkeep base directory against concurrent
// processes with a pid file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrLocked = errors.New("base directory is locked")

type Holder struct {
	Pid       int    `yaml:"pid"`
	Command   string `yaml:"command"`
	StartedAt string `yaml:"started_at"`
}

// Inspect returns the current holder, or nil when the lock is free or stale.
func Inspect(path string) (*Holder, error) {
	h, err := readLock(path)
	if err != nil || h == nil {
		return nil, err
	}
	if !isProcessAlive(h.Pid) {
		return nil, nil
	}
	return h, nil
}

func readLock(path string) (*Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var h Holder
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("corrupt lock file %s: %w", path, err)
	}
	return &h, nil
}

func writeLock(path string, h *Holder) error {
	data, err := yaml.Marshal(h)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}

// Acquire takes the lock for command, reclaiming it from a dead holder. The
// returned release function is idempotent.
func Acquire(lockPath, command string) (func() error, error) {
	existing, err := readLock(lockPath)
	if err != nil {
		return nil, err
	}
	if existing != nil && isProcessAlive(existing.Pid) {
		return nil, fmt.Errorf("%w: pid %d is running %q since %s",
			ErrLocked, existing.Pid, existing.Command, existing.StartedAt)
	}

	h := &Holder{
		Pid:       os.Getpid(),
		Command:   command,
		StartedAt: time.Now().Format(time.RFC3339),
	}
	if err := writeLock(lockPath, h); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	release := func() error {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return release, nil
}
