package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// StateFileName persists daemon bookkeeping that survives restarts:
// verify-attempt counters and consecutive worktree failures. Plan files
// stay authoritative for task status.
const StateFileName = ".daemon_state.json"

type daemonState struct {
	VerifyAttempts   map[string]int `json:"verifyAttempts"`
	WorktreeFailures map[string]int `json:"worktreeFailures"`
}

func newDaemonState() *daemonState {
	return &daemonState{
		VerifyAttempts:   make(map[string]int),
		WorktreeFailures: make(map[string]int),
	}
}

func loadState(privateDir string) (*daemonState, error) {
	path := filepath.Join(privateDir, StateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newDaemonState(), nil
		}
		return nil, fmt.Errorf("read daemon state: %w", err)
	}
	st := newDaemonState()
	if err := json.Unmarshal(data, st); err != nil {
		// Corrupted state is recoverable: start fresh.
		return newDaemonState(), nil
	}
	if st.VerifyAttempts == nil {
		st.VerifyAttempts = make(map[string]int)
	}
	if st.WorktreeFailures == nil {
		st.WorktreeFailures = make(map[string]int)
	}
	return st, nil
}

func (st *daemonState) save(privateDir string) error {
	path := filepath.Join(privateDir, StateFileName)
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + "." + uuid.NewString()[:8] + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write daemon state temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace daemon state: %w", err)
	}
	return nil
}
