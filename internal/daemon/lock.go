package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"
)

// ErrAlreadyRunning means another live daemon holds the project lock.
var ErrAlreadyRunning = errors.New("daemon already running for this project")

// ErrProjectNotInitialized means the specs directory does not exist.
var ErrProjectNotInitialized = errors.New("project not initialized")

// lockContents is what the lock file records.
type lockContents struct {
	PID       int    `json:"pid"`
	StartedAt string `json:"startedAt"`
}

// acquireLock takes the project lock with O_CREAT|O_EXCL semantics. A
// stale lock (dead pid) is removed and acquisition retried once.
func acquireLock(path string) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			contents := lockContents{PID: os.Getpid(), StartedAt: time.Now().UTC().Format(time.RFC3339)}
			data, _ := json.Marshal(contents)
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock file: %w", err)
		}
		pid, readErr := readLockPID(path)
		if readErr == nil && pidAlive(pid) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		// Stale or unreadable lock: remove and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove stale lock: %w", rmErr)
		}
	}
	return ErrAlreadyRunning
}

func releaseLock(path string) {
	pid, err := readLockPID(path)
	if err == nil && pid == os.Getpid() {
		_ = os.Remove(path)
	}
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var contents lockContents
	if err := json.Unmarshal(data, &contents); err != nil {
		// Legacy format: bare pid.
		pid, convErr := strconv.Atoi(string(data))
		if convErr != nil {
			return 0, err
		}
		return pid, nil
	}
	return contents.PID, nil
}

// pidAlive probes liveness without sending a deliverable signal. Signal 0
// performs permission and existence checks only.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
