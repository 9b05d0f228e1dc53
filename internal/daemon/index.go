package daemon

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/plan"
)

var specIDRe = regexp.MustCompile(`^\d{3}-[a-z0-9-]+$|^verify-`)

// requiredSpecFiles must all exist alongside the plan before a spec dir
// is admitted; the spec-creation pipeline writes them.
var requiredSpecFiles = []string{"spec.md", "requirements.json", "context.json"}

// taskEntry is the in-memory view of one spec dir.
type taskEntry struct {
	SpecID string
	Dir    string
	Plan   *plan.Plan
	CTime  time.Time
}

// taskIndex holds the parsed plan of every spec dir. The watcher and the
// periodic rescan both feed it; admission reads it.
type taskIndex struct {
	log      *slog.Logger
	specsDir string

	mu          sync.RWMutex
	tasks       map[string]*taskEntry
	quarantined map[string]string
}

func newTaskIndex(log *slog.Logger, specsDir string) *taskIndex {
	return &taskIndex{
		log:         log,
		specsDir:    specsDir,
		tasks:       make(map[string]*taskEntry),
		quarantined: make(map[string]string),
	}
}

// Rescan rebuilds the index from disk. A spec dir missing a required
// file is not admitted; a schema-invalid plan is quarantined.
func (ix *taskIndex) Rescan() error {
	entries, err := os.ReadDir(ix.specsDir)
	if err != nil {
		return err
	}
	fresh := make(map[string]*taskEntry, len(entries))
	quarantined := make(map[string]string)
	for _, e := range entries {
		if !e.IsDir() || !specIDRe.MatchString(e.Name()) {
			continue
		}
		entry, diag := ix.loadOne(e.Name())
		if diag != "" {
			quarantined[e.Name()] = diag
		}
		if entry != nil {
			fresh[e.Name()] = entry
		}
	}
	ix.mu.Lock()
	ix.tasks = fresh
	ix.quarantined = quarantined
	ix.mu.Unlock()
	return nil
}

// Refresh re-parses a single spec dir, removing it if it vanished.
func (ix *taskIndex) Refresh(specID string) {
	entry, diag := ix.loadOne(specID)
	ix.mu.Lock()
	if entry == nil {
		delete(ix.tasks, specID)
	} else {
		ix.tasks[specID] = entry
	}
	if diag == "" {
		delete(ix.quarantined, specID)
	} else {
		ix.quarantined[specID] = diag
	}
	ix.mu.Unlock()
}

// loadOne parses one spec dir. The second return value is a quarantine
// diagnostic: non-empty means the plan is schema-invalid and was moved
// to needs_attention for a human.
func (ix *taskIndex) loadOne(specID string) (*taskEntry, string) {
	dir := filepath.Join(ix.specsDir, specID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, ""
	}
	p, err := plan.Load(dir)
	if err != nil {
		var se *plan.SchemaError
		if errors.As(err, &se) {
			ix.log.Error("schema-invalid plan, quarantining", "spec_id", specID, "error", err)
			if qErr := plan.Quarantine(dir, err); qErr != nil {
				ix.log.Warn("quarantine failed", "spec_id", specID, "error", qErr)
			}
			return nil, err.Error()
		}
		ix.log.Warn("unreadable plan", "spec_id", specID, "error", err)
		return nil, ""
	}
	if p.Status == "needs_attention" {
		return nil, "previously quarantined, needs a human"
	}
	for _, name := range requiredSpecFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			ix.log.Warn("spec dir incomplete, not admitted", "spec_id", specID, "missing", name)
			return nil, ""
		}
	}
	ctime := info.ModTime()
	if p.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
			ctime = t
		}
	}
	return &taskEntry{SpecID: specID, Dir: dir, Plan: p, CTime: ctime}, ""
}

// Quarantined returns the needs_attention tasks and their diagnostics.
func (ix *taskIndex) Quarantined() map[string]string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]string, len(ix.quarantined))
	for k, v := range ix.quarantined {
		out[k] = v
	}
	return out
}

// Get returns a copy of the entry pointer, nil if unknown.
func (ix *taskIndex) Get(specID string) *taskEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tasks[specID]
}

// All returns a stable-order snapshot of every entry.
func (ix *taskIndex) All() []*taskEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*taskEntry, 0, len(ix.tasks))
	for _, t := range ix.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpecID < out[j].SpecID })
	return out
}

// admissionFilter are the parameters for Eligible.
type admissionFilter struct {
	MaxRecovery   int
	MaxChildDepth int
}

// Eligible selects queued tasks whose dependencies are satisfied, within
// recovery caps, sorted by priority then creation time then spec id.
func (ix *taskIndex) Eligible(f admissionFilter) []*taskEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*taskEntry
	for _, t := range ix.tasks {
		if !t.Plan.IsQueued() {
			continue
		}
		if t.Plan.RecoveryCount >= f.MaxRecovery {
			continue
		}
		if plan.PlanModeKinds[t.Plan.Kind] && ix.depthLocked(t, f.MaxChildDepth) {
			continue
		}
		if !ix.depsSatisfiedLocked(t) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Plan.Priority != b.Plan.Priority {
			return a.Plan.Priority < b.Plan.Priority
		}
		if !a.CTime.Equal(b.CTime) {
			return a.CTime.Before(b.CTime)
		}
		return a.SpecID < b.SpecID
	})
	return out
}

func (ix *taskIndex) depsSatisfiedLocked(t *taskEntry) bool {
	for _, dep := range t.Plan.DependsOn {
		depTask, ok := ix.tasks[dep]
		if !ok || !depTask.Plan.IsCompleted() {
			return false
		}
	}
	return true
}

// depthLocked walks the parent chain; design/architecture kinds may not
// exist at or beyond maxChildDepth.
func (ix *taskIndex) depthLocked(t *taskEntry, maxDepth int) bool {
	depth := 0
	current := t
	for current.Plan.ParentTask != "" && depth <= maxDepth {
		depth++
		parent, ok := ix.tasks[current.Plan.ParentTask]
		if !ok {
			break
		}
		current = parent
	}
	return depth >= maxDepth
}
