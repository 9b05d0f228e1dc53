// Package validate implements the validator set. Each validator answers
// two questions: is it selectable for this project's capabilities, and
// what does a run produce. Orchestration (build-first, parallel fan-out)
// lives in the QA loop.
package validate

import (
	"context"
	"log/slog"
	"time"
)

// Capabilities are the project's detected feature flags.
type Capabilities struct {
	WebFrontend bool `json:"webFrontend"`
	Flutter     bool `json:"flutter"`
	Electron    bool `json:"electron"`
	Tauri       bool `json:"tauri"`
	HasDatabase bool `json:"hasDatabase"`
	HasAPI      bool `json:"hasApi"`
}

// Severity grades a failed validator.
type Severity string

const (
	SeverityBlocker Severity = "blocker"
	SeverityMajor   Severity = "major"
	SeverityMinor   Severity = "minor"
)

// Result is one validator's outcome. A transport or setup failure sets
// Skipped with a reason; Passed=false is reserved for the validator's
// central assertion failing.
type Result struct {
	Name       string         `json:"name"`
	Passed     bool           `json:"passed"`
	Skipped    bool           `json:"skipped"`
	SkipReason string         `json:"skipReason,omitempty"`
	Severity   Severity       `json:"severity,omitempty"`
	Summary    string         `json:"summary"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

// RunContext carries what a validator needs for one run.
type RunContext struct {
	WorkingDir string
	SpecDir    string
	Log        *slog.Logger
	Headless   bool
}

// Validator is the common capability every validator implements.
type Validator interface {
	Name() string
	Selectable(caps Capabilities) bool
	Run(ctx context.Context, rc *RunContext) Result
}

// skipped builds a skip result.
func skipped(name, reason string, started time.Time) Result {
	return Result{
		Name:       name,
		Skipped:    true,
		SkipReason: reason,
		Summary:    "skipped: " + reason,
		DurationMs: time.Since(started).Milliseconds(),
	}
}

// Select returns the validators applicable to the capability set. The
// build validator is always first.
func Select(all []Validator, caps Capabilities) []Validator {
	out := make([]Validator, 0, len(all))
	for _, v := range all {
		if v.Selectable(caps) {
			out = append(out, v)
		}
	}
	return out
}

// DefaultSet is the built-in validator lineup.
func DefaultSet() []Validator {
	return []Validator{
		&BuildValidator{},
		&BrowserValidator{},
		&APIValidator{},
		&DBValidator{},
	}
}
