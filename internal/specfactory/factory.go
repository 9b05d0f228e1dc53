// Package specfactory creates child task specs in a batch, as requested
// by a design task's agent. Batch entries reference each other by 1-based
// index; the factory allocates real spec ids first and rewrites the
// references second, so any ordering inside the batch works.
package specfactory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-foreman/internal/plan"
)

// StringList accepts a JSON list or a comma-separated string. Agents are
// inconsistent about which they emit.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("expected list or comma-separated string")
	}
	*s = nil
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			*s = append(*s, trimmed)
		}
	}
	return nil
}

// ChildSpec is one entry of a creation batch.
type ChildSpec struct {
	Task               string     `json:"task"`
	Priority           int        `json:"priority"`
	Kind               string     `json:"kind"`
	DependsOn          StringList `json:"dependsOn"`
	FilesToModify      StringList `json:"filesToModify"`
	AcceptanceCriteria StringList `json:"acceptanceCriteria"`
}

// Factory writes child specs into the project's specs directory.
type Factory struct {
	Log      *slog.Logger
	SpecsDir string
}

// Created reports one written child spec.
type Created struct {
	SpecID  string
	SpecDir string
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)
var idRe = regexp.MustCompile(`^(\d{3})-`)

// CreateBatch validates the batch, allocates spec ids, resolves batch
// indices to real ids, writes the plan files, and records the children on
// the parent plan. The specs directory mtime is touched so the watcher
// fires even on filesystems that miss subdirectory events.
func (f *Factory) CreateBatch(parentID string, batch []ChildSpec) ([]Created, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	for i, c := range batch {
		if strings.TrimSpace(c.Task) == "" {
			return nil, fmt.Errorf("batch entry %d has no task", i+1)
		}
		if c.Priority < 0 || c.Priority > 3 {
			return nil, fmt.Errorf("batch entry %d priority %d out of range", i+1, c.Priority)
		}
	}
	if err := checkCycles(batch); err != nil {
		return nil, err
	}

	// Pass 1: allocate ids by monotonic counter.
	next, err := f.nextCounter()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = fmt.Sprintf("%03d-%s", next+i, slugify(c.Task))
	}

	// Pass 2: rewrite batch indices to real ids.
	now := time.Now().UTC().Format(time.RFC3339)
	created := make([]Created, 0, len(batch))
	for i, c := range batch {
		deps, err := resolveDeps(c.DependsOn, ids)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i+1, err)
		}
		dir := filepath.Join(f.SpecsDir, ids[i])
		if err := f.writeSpec(dir, parentID, c, deps, now); err != nil {
			return nil, err
		}
		created = append(created, Created{SpecID: ids[i], SpecDir: dir})
	}

	if err := f.recordChildren(parentID, ids); err != nil {
		f.Log.Warn("parent plan update failed", "parent", parentID, "error", err)
	}
	f.touchSpecsDir()
	f.Log.Info("batch created", "parent", parentID, "count", len(created))
	return created, nil
}

func (f *Factory) writeSpec(dir, parentID string, c ChildSpec, deps []string, now string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("spec dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "spec.md"), []byte(renderSpecMD(c)), 0o644); err != nil {
		return err
	}
	reqs, _ := json.MarshalIndent(map[string]any{
		"task":               c.Task,
		"acceptanceCriteria": c.AcceptanceCriteria,
		"filesToModify":      c.FilesToModify,
	}, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "requirements.json"), reqs, 0o644); err != nil {
		return err
	}
	ctxDoc, _ := json.MarshalIndent(map[string]any{"parentTask": parentID}, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "context.json"), ctxDoc, 0o644); err != nil {
		return err
	}

	p := &plan.Plan{
		Kind:       c.Kind,
		Priority:   c.Priority,
		DependsOn:  deps,
		ParentTask: parentID,
		CreatedAt:  now,
	}
	p.SetStatus("queue", "")
	return plan.Save(dir, p)
}

func renderSpecMD(c ChildSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Task)
	if len(c.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance criteria\n\n")
		for _, ac := range c.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", ac)
		}
	}
	if len(c.FilesToModify) > 0 {
		b.WriteString("\n## Files\n\n")
		for _, fp := range c.FilesToModify {
			fmt.Fprintf(&b, "- %s\n", fp)
		}
	}
	return b.String()
}

// resolveDeps maps 1-based batch indices to allocated ids; anything that
// is not an in-range integer passes through as a literal spec id.
func resolveDeps(deps StringList, ids []string) ([]string, error) {
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if n, err := strconv.Atoi(dep); err == nil {
			if n < 1 || n > len(ids) {
				return nil, fmt.Errorf("dependency index %d out of batch range 1..%d", n, len(ids))
			}
			out = append(out, ids[n-1])
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

// checkCycles rejects a batch whose index references form a cycle.
func checkCycles(batch []ChildSpec) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(batch))
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, dep := range batch[i].DependsOn {
			n, err := strconv.Atoi(dep)
			if err != nil || n < 1 || n > len(batch) {
				continue
			}
			j := n - 1
			if color[j] == gray {
				return fmt.Errorf("dependency cycle through batch entries %d and %d", i+1, j+1)
			}
			if color[j] == white {
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := range batch {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// nextCounter scans existing spec dirs for the highest NNN prefix.
func (f *Factory) nextCounter() (int, error) {
	entries, err := os.ReadDir(f.SpecsDir)
	if err != nil {
		return 0, fmt.Errorf("specs dir: %w", err)
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if m := idRe.FindStringSubmatch(e.Name()); m != nil {
			n, _ := strconv.Atoi(m[1])
			if n > max {
				max = n
			}
		}
	}
	return max + 1, nil
}

// recordChildren appends the new ids to the parent plan's childSpecs.
func (f *Factory) recordChildren(parentID string, ids []string) error {
	if parentID == "" {
		return nil
	}
	parentDir := filepath.Join(f.SpecsDir, parentID)
	p, err := plan.Load(parentDir)
	if err != nil {
		return err
	}
	var children []string
	if raw, ok := p.Extra["childSpecs"]; ok {
		_ = json.Unmarshal(raw, &children)
	}
	children = append(children, ids...)
	raw, err := json.Marshal(children)
	if err != nil {
		return err
	}
	if p.Extra == nil {
		p.Extra = map[string]json.RawMessage{}
	}
	p.Extra["childSpecs"] = raw
	return plan.Save(parentDir, p)
}

func (f *Factory) touchSpecsDir() {
	now := time.Now()
	_ = os.Chtimes(f.SpecsDir, now, now)
}

func slugify(task string) string {
	s := strings.ToLower(strings.TrimSpace(task))
	s = slugRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		s = "task"
	}
	return s
}

// RepairDependencies fixes dangling dependsOn references across every
// plan in the specs directory. Matching runs in three tiers: exact id,
// then counter prefix, then slug. Unmatched references are dropped so a
// renamed spec cannot wedge its dependents forever.
func RepairDependencies(log *slog.Logger, specsDir string) (int, error) {
	entries, err := os.ReadDir(specsDir)
	if err != nil {
		return 0, fmt.Errorf("specs dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && idRe.MatchString(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	repaired := 0
	for _, id := range ids {
		dir := filepath.Join(specsDir, id)
		p, err := plan.Load(dir)
		if err != nil {
			log.Warn("repair skipping unparseable plan", "spec_id", id, "error", err)
			continue
		}
		changed := false
		fixed := make([]string, 0, len(p.DependsOn))
		for _, dep := range p.DependsOn {
			if known[dep] {
				fixed = append(fixed, dep)
				continue
			}
			match := fuzzyMatch(dep, ids)
			if match != "" {
				log.Info("repaired dependency", "spec_id", id, "from", dep, "to", match)
				fixed = append(fixed, match)
			} else {
				log.Warn("dropped dangling dependency", "spec_id", id, "dep", dep)
			}
			changed = true
		}
		if changed {
			p.DependsOn = fixed
			if err := plan.Save(dir, p); err != nil {
				return repaired, fmt.Errorf("save %s: %w", id, err)
			}
			repaired++
		}
	}
	return repaired, nil
}

// fuzzyMatch resolves a dangling reference: tier 2 matches the NNN
// counter prefix, tier 3 matches the slug portion.
func fuzzyMatch(dep string, ids []string) string {
	if m := idRe.FindStringSubmatch(dep); m != nil {
		for _, id := range ids {
			if strings.HasPrefix(id, m[1]+"-") {
				return id
			}
		}
	}
	slug := dep
	if m := idRe.FindStringSubmatch(dep); m != nil {
		slug = dep[len(m[0]):]
	}
	if slug != "" {
		for _, id := range ids {
			if strings.HasSuffix(id, "-"+slug) || strings.Contains(id, slug) {
				return id
			}
		}
	}
	return ""
}
