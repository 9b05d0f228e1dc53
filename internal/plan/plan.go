// Package plan implements the Plan Store: the per-task persisted document
// (implementation_plan.json), its schema validation, the status twin
// derivation, and atomic on-disk writes.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// FileName is the plan document inside a spec directory.
const FileName = "implementation_plan.json"

// Task kinds.
const (
	KindImpl         = "impl"
	KindFrontend     = "frontend"
	KindBackend      = "backend"
	KindDatabase     = "database"
	KindAPI          = "api"
	KindTest         = "test"
	KindIntegration  = "integration"
	KindDocs         = "docs"
	KindDesign       = "design"
	KindArchitecture = "architecture"
	KindResearch     = "research"
	KindReview       = "review"
	KindPlanning     = "planning"
	KindVerify       = "verify"
	KindErrorCheck   = "error_check"
	KindMCTS         = "mcts"
)

// Status sets. Queue statuses trigger admission; completed statuses
// satisfy dependencies; error statuses never auto-start.
var (
	QueueStatuses     = map[string]bool{"queue": true, "backlog": true, "queued": true}
	RunningStatuses   = map[string]bool{"in_progress": true, "ai_review": true, "qa_fixing": true, "human_review": true}
	CompletedStatuses = map[string]bool{"done": true, "completed": true, "merged": true, "pr_created": true}
	ErrorStatuses     = map[string]bool{"error": true, "failed": true, "stuck": true}
)

// PlanModeKinds are read-only exploration kinds that never carry phases.
var PlanModeKinds = map[string]bool{
	KindDesign:       true,
	KindArchitecture: true,
	KindPlanning:     true,
	KindResearch:     true,
	KindReview:       true,
}

// ImplementationKinds are kinds whose successful completion triggers
// auto-verify.
var ImplementationKinds = map[string]bool{
	KindImpl:     true,
	KindFrontend: true,
	KindBackend:  true,
	KindDatabase: true,
	KindAPI:      true,
}

// Subtask statuses.
const (
	SubtaskPending    = "pending"
	SubtaskInProgress = "in_progress"
	SubtaskCompleted  = "completed"
)

// QA signoff statuses.
const (
	SignoffApproved       = "approved"
	SignoffRejected       = "rejected"
	SignoffNeedsAttention = "needs_attention"
)

// Subtask is one unit inside a phase.
type Subtask struct {
	ID            string   `json:"id"`
	Description   string   `json:"description"`
	Status        string   `json:"status"`
	FilesToCreate []string `json:"filesToCreate,omitempty"`
	FilesToModify []string `json:"filesToModify,omitempty"`
}

// Phase groups subtasks.
type Phase struct {
	Name     string    `json:"name"`
	Subtasks []Subtask `json:"subtasks"`
}

// QASignoff records the QA loop's verdict.
type QASignoff struct {
	Status     string   `json:"status"`
	Issues     []string `json:"issues,omitempty"`
	ReportFile string   `json:"reportFile,omitempty"`
}

// TaskError is one surfaced failure on an errored plan.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// MaxErrorMessageLen is the schema cap on errors[].message.
const MaxErrorMessageLen = 200

// AppendError records a surfaced failure. The diagnostic is clipped to
// the schema cap so the annotation can never make the plan unwritable.
func (p *Plan) AppendError(kind, message string) {
	if len(message) > MaxErrorMessageLen {
		message = message[:MaxErrorMessageLen]
	}
	p.Errors = append(p.Errors, TaskError{Kind: kind, Message: message})
}

// Plan is the per-task document. Unknown fields survive a read/write
// round trip via Extra.
type Plan struct {
	Status         string      `json:"-"`
	XStateState    string      `json:"-"`
	ExecutionPhase string      `json:"-"`
	Kind           string      `json:"-"`
	Priority       int         `json:"-"`
	DependsOn      []string    `json:"-"`
	ParentTask     string      `json:"-"`
	WorktreePath   string      `json:"-"`
	RecoveryCount  int         `json:"-"`
	CreatedAt      string      `json:"-"`
	Phases         []Phase     `json:"-"`
	QASignoff      *QASignoff  `json:"-"`
	Errors         []TaskError `json:"-"`

	// Extra preserves fields this version does not model.
	Extra map[string]json.RawMessage `json:"-"`
}

// statusToXState is the fixed derivation from coarse status to the finer
// UI-facing label, keyed by (status, executionPhase).
func statusToXState(status, executionPhase string) string {
	switch status {
	case "queue", "backlog", "queued":
		return "backlog"
	case "in_progress":
		if executionPhase == "planning" {
			return "planning"
		}
		return "coding"
	case "ai_review":
		return "qa_review"
	case "qa_fixing":
		return "qa_fixing"
	case "human_review":
		if executionPhase == "planning" {
			return "plan_review"
		}
		return "human_review"
	case "done", "completed":
		return "done"
	case "error", "failed":
		return "error"
	}
	return status
}

// SetStatus writes both halves of the status twin. The xstateState is
// always derived, never set independently.
func (p *Plan) SetStatus(status, executionPhase string) {
	p.Status = status
	if executionPhase != "" {
		p.ExecutionPhase = executionPhase
	}
	p.XStateState = statusToXState(status, p.ExecutionPhase)
}

// IsQueued reports whether the plan is eligible for admission consideration.
func (p *Plan) IsQueued() bool { return QueueStatuses[p.Status] }

// IsCompleted reports whether the plan satisfies dependents.
func (p *Plan) IsCompleted() bool { return CompletedStatuses[p.Status] }

// SkipQA reads the optional skipQA flag. It lives in Extra: the schema
// does not model it and spec tooling sets it freely.
func (p *Plan) SkipQA() bool {
	raw, ok := p.Extra["skipQA"]
	if !ok {
		return false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v
}

// knownKeys are the fields the struct models; everything else goes to Extra.
var knownKeys = map[string]bool{
	"status": true, "xstateState": true, "executionPhase": true,
	"kind": true, "priority": true, "dependsOn": true, "parentTask": true,
	"worktreePath": true, "recoveryCount": true, "createdAt": true,
	"phases": true, "qaSignoff": true, "errors": true,
}

// UnmarshalJSON decodes known fields and stashes the rest.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	get := func(key string, dst any) error {
		if v, ok := raw[key]; ok {
			return json.Unmarshal(v, dst)
		}
		return nil
	}
	if err := get("status", &p.Status); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if err := get("xstateState", &p.XStateState); err != nil {
		return fmt.Errorf("xstateState: %w", err)
	}
	if err := get("executionPhase", &p.ExecutionPhase); err != nil {
		return fmt.Errorf("executionPhase: %w", err)
	}
	if err := get("kind", &p.Kind); err != nil {
		return fmt.Errorf("kind: %w", err)
	}
	if err := get("priority", &p.Priority); err != nil {
		return fmt.Errorf("priority: %w", err)
	}
	if err := get("dependsOn", &p.DependsOn); err != nil {
		return fmt.Errorf("dependsOn: %w", err)
	}
	if err := get("parentTask", &p.ParentTask); err != nil {
		return fmt.Errorf("parentTask: %w", err)
	}
	if err := get("worktreePath", &p.WorktreePath); err != nil {
		return fmt.Errorf("worktreePath: %w", err)
	}
	if err := get("recoveryCount", &p.RecoveryCount); err != nil {
		return fmt.Errorf("recoveryCount: %w", err)
	}
	if err := get("createdAt", &p.CreatedAt); err != nil {
		return fmt.Errorf("createdAt: %w", err)
	}
	if err := get("phases", &p.Phases); err != nil {
		return fmt.Errorf("phases: %w", err)
	}
	if err := get("qaSignoff", &p.QASignoff); err != nil {
		return fmt.Errorf("qaSignoff: %w", err)
	}
	if err := get("errors", &p.Errors); err != nil {
		return fmt.Errorf("errors: %w", err)
	}
	for k, v := range raw {
		if !knownKeys[k] {
			if p.Extra == nil {
				p.Extra = make(map[string]json.RawMessage)
			}
			p.Extra[k] = v
		}
	}
	return nil
}

// MarshalJSON writes known fields in a fixed order, then Extra keys
// sorted, so writes are byte-stable across round trips.
func (p *Plan) MarshalJSON() ([]byte, error) {
	type kv struct {
		key string
		val any
	}
	ordered := []kv{
		{"status", p.Status},
		{"xstateState", p.XStateState},
		{"executionPhase", p.ExecutionPhase},
		{"kind", p.Kind},
		{"priority", p.Priority},
		{"dependsOn", p.dependsOnOrEmpty()},
	}
	if p.ParentTask != "" {
		ordered = append(ordered, kv{"parentTask", p.ParentTask})
	}
	if p.WorktreePath != "" {
		ordered = append(ordered, kv{"worktreePath", p.WorktreePath})
	}
	if p.RecoveryCount != 0 {
		ordered = append(ordered, kv{"recoveryCount", p.RecoveryCount})
	}
	if p.CreatedAt != "" {
		ordered = append(ordered, kv{"createdAt", p.CreatedAt})
	}
	if p.Phases != nil {
		ordered = append(ordered, kv{"phases", p.Phases})
	}
	if p.QASignoff != nil {
		ordered = append(ordered, kv{"qaSignoff", p.QASignoff})
	}
	if len(p.Errors) > 0 {
		ordered = append(ordered, kv{"errors", p.Errors})
	}

	extraKeys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)

	buf := []byte{'{'}
	first := true
	appendField := func(key string, raw []byte) {
		if !first {
			buf = append(buf, ',')
		}
		first = false
		kb, _ := json.Marshal(key)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, raw...)
	}
	for _, f := range ordered {
		vb, err := json.Marshal(f.val)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", f.key, err)
		}
		appendField(f.key, vb)
	}
	for _, k := range extraKeys {
		appendField(k, p.Extra[k])
	}
	buf = append(buf, '}')
	return buf, nil
}

func (p *Plan) dependsOnOrEmpty() []string {
	if p.DependsOn == nil {
		return []string{}
	}
	return p.DependsOn
}

// SchemaError marks an unreadable or schema-invalid plan. The daemon
// quarantines the task instead of overwriting the file.
type SchemaError struct {
	Path string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("plan schema error at %s: %v", e.Path, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Load reads and validates the plan in specDir.
func Load(specDir string) (*Plan, error) {
	path := filepath.Join(specDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	if err := ValidateBytes(data); err != nil {
		return nil, &SchemaError{Path: path, Err: err}
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &SchemaError{Path: path, Err: err}
	}
	return &p, nil
}

// Quarantine moves a schema-invalid plan to needs_attention with a
// diagnostic, writing around the schema check: the invalid field that
// caused the quarantine is preserved for the human to inspect. A file
// that is not even parseable JSON is left untouched.
func Quarantine(specDir string, diag error) error {
	path := filepath.Join(specDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unparseable plan left untouched: %w", err)
	}
	if status, ok := raw["status"]; ok && string(status) == `"needs_attention"` {
		return nil // already quarantined
	}
	msg := diag.Error()
	if len(msg) > MaxErrorMessageLen {
		msg = msg[:MaxErrorMessageLen]
	}
	set := func(key string, v any) {
		b, _ := json.Marshal(v)
		raw[key] = b
	}
	set("status", "needs_attention")
	set("xstateState", "needs_attention")
	set("quarantineReason", msg)

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal quarantined plan: %w", err)
	}
	tmp := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp plan: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace plan: %w", err)
	}
	return nil
}

// Save validates the plan and writes it atomically: marshal, schema-check,
// write to a unique temp file, rename over the target. Rename is retried
// with bounded backoff for platforms that cannot replace open files.
func Save(specDir string, p *Plan) error {
	if PlanModeKinds[p.Kind] && len(p.Phases) > 0 {
		return fmt.Errorf("plan kind %q must not carry phases", p.Kind)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := ValidateBytes(data); err != nil {
		return fmt.Errorf("refusing to write schema-invalid plan: %w", err)
	}

	path := filepath.Join(specDir, FileName)
	tmp := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp plan: %w", err)
	}

	var renameErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		renameErr = os.Rename(tmp, path)
		if renameErr == nil {
			return nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	_ = os.Remove(tmp)
	return fmt.Errorf("replace plan: %w", renameErr)
}
