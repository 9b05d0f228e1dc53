// Package worktree manages per-task isolated git worktrees under the
// project's private directory. A task never touches the main checkout:
// it works on branch auto/{specId} in its own worktree, and the merge
// stage folds the branch back under a daemon-wide mutex.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// BranchPrefix names task branches.
const BranchPrefix = "auto/"

// Manager creates, validates, and removes worktrees for one project.
type Manager struct {
	log        *slog.Logger
	mainRepo   string
	worktrees  string // {privateDir}/worktrees/tasks
	baseBranch string

	// mergeMu serializes merge-back across every task in the daemon.
	mergeMu sync.Mutex
}

// New builds a manager rooted at the main repository.
func New(log *slog.Logger, mainRepo, worktreesDir, baseBranch string) *Manager {
	return &Manager{
		log:        log.With("component", "worktree"),
		mainRepo:   mainRepo,
		worktrees:  worktreesDir,
		baseBranch: baseBranch,
	}
}

// Path returns the worktree path convention for a task.
func (m *Manager) Path(specID string) string {
	return filepath.Join(m.worktrees, specID)
}

// Branch returns the task branch name.
func Branch(specID string) string {
	return BranchPrefix + specID
}

// Acquire returns a valid worktree path for the task, reusing an existing
// valid one and recreating an invalid one.
func (m *Manager) Acquire(ctx context.Context, specID string) (string, error) {
	path := m.Path(specID)
	if _, err := os.Stat(path); err == nil {
		valid, reason := m.Validate(ctx, path)
		if valid && m.onExpectedBranch(ctx, path, specID) {
			m.log.Debug("reusing worktree", "spec_id", specID, "path", path)
			return path, nil
		}
		m.log.Warn("invalid worktree, recreating", "spec_id", specID, "reason", reason)
		if err := m.forceRemove(ctx, path, specID); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("worktree parent: %w", err)
	}
	if out, err := m.git(ctx, m.mainRepo, "worktree", "add", "--detach", path, m.baseBranch); err != nil {
		return "", fmt.Errorf("worktree add: %w: %s", err, out)
	}
	branch := Branch(specID)
	// Reset any stale branch left by a previous run, then check it out.
	_, _ = m.git(ctx, m.mainRepo, "branch", "-D", branch)
	if out, err := m.git(ctx, path, "checkout", "-b", branch); err != nil {
		return "", fmt.Errorf("worktree branch: %w: %s", err, out)
	}
	m.log.Info("worktree created", "spec_id", specID, "path", path, "branch", branch)
	return path, nil
}

// Validate applies the three-part validity check. All three must hold.
func (m *Manager) Validate(ctx context.Context, path string) (bool, string) {
	gitFile := filepath.Join(path, ".git")
	info, err := os.Lstat(gitFile)
	if err != nil {
		return false, ".git missing"
	}
	if !info.Mode().IsRegular() {
		return false, ".git is not a regular file"
	}
	data, err := os.ReadFile(gitFile)
	if err != nil {
		return false, ".git unreadable"
	}
	gitdir := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(data)), "gitdir:"))
	registry := filepath.Join(m.mainRepo, ".git", "worktrees")
	abs := gitdir
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(path, gitdir)
	}
	resolved, err := filepath.Abs(abs)
	if err != nil || !strings.HasPrefix(resolved, registry+string(filepath.Separator)) {
		return false, ".git does not resolve into the main repo registry"
	}
	out, err := m.git(ctx, m.mainRepo, "worktree", "list", "--porcelain")
	if err != nil {
		return false, "git worktree list failed"
	}
	absPath, _ := filepath.Abs(path)
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") && strings.TrimPrefix(line, "worktree ") == absPath {
			return true, ""
		}
	}
	return false, "not registered in git worktree list"
}

func (m *Manager) onExpectedBranch(ctx context.Context, path, specID string) bool {
	out, err := m.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	return err == nil && strings.TrimSpace(out) == Branch(specID)
}

// MergeBack folds the task branch into the base branch from the main
// repository. Merges are serialized across the daemon. A conflict leaves
// the merge aborted and returns ErrMergeConflict.
func (m *Manager) MergeBack(ctx context.Context, specID string) error {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	branch := Branch(specID)
	if out, err := m.git(ctx, m.mainRepo, "checkout", m.baseBranch); err != nil {
		return fmt.Errorf("checkout %s: %w: %s", m.baseBranch, err, out)
	}
	out, err := m.git(ctx, m.mainRepo, "merge", "--no-ff", branch, "-m", "Merge "+branch)
	if err != nil {
		_, _ = m.git(ctx, m.mainRepo, "merge", "--abort")
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "conflict") {
			return &ConflictError{SpecID: specID, Output: out}
		}
		return fmt.Errorf("merge %s: %w: %s", branch, err, out)
	}
	m.log.Info("merged", "spec_id", specID, "branch", branch)
	return nil
}

// ConflictError reports a merge conflict; the pipeline escalates it.
type ConflictError struct {
	SpecID string
	Output string
}

func (e *ConflictError) Error() string {
	return "merge conflict on " + Branch(e.SpecID)
}

// Destroy removes the worktree and best-effort deletes the branch. Busy
// removals are retried with backoff up to 30 seconds; persistent failure
// is logged, not fatal.
func (m *Manager) Destroy(ctx context.Context, specID string) error {
	path := m.Path(specID)
	delay := time.Second
	deadline := time.Now().Add(30 * time.Second)
	for {
		out, err := m.git(ctx, m.mainRepo, "worktree", "remove", path)
		if err == nil {
			break
		}
		if !strings.Contains(out, "busy") && !strings.Contains(out, "locked") {
			// Not a transient condition; force it.
			if out2, err2 := m.git(ctx, m.mainRepo, "worktree", "remove", "--force", path); err2 != nil {
				m.log.Warn("worktree remove failed", "spec_id", specID, "output", out2)
				return nil
			}
			break
		}
		if time.Now().After(deadline) {
			m.log.Warn("worktree busy past deadline", "spec_id", specID)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	_, _ = m.git(ctx, m.mainRepo, "branch", "-D", Branch(specID))
	_, _ = m.git(ctx, m.mainRepo, "worktree", "prune")
	m.log.Info("worktree removed", "spec_id", specID)
	return nil
}

func (m *Manager) forceRemove(ctx context.Context, path, specID string) error {
	if out, err := m.git(ctx, m.mainRepo, "worktree", "remove", "--force", path); err != nil {
		// Registry may not know the path at all; fall back to rm.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("worktree remove: %s: %w", out, rmErr)
		}
		_, _ = m.git(ctx, m.mainRepo, "worktree", "prune")
	}
	return nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
