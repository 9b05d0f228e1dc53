// Package qa iterates review and fix until the implementation is accepted
// or the iteration cap is hit. The loop owns validator orchestration:
// build runs first and short-circuits, runtime validators fan out in
// parallel, and the reviewer sees all the evidence.
package qa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/events"
	"github.com/basket/go-foreman/internal/plan"
	"github.com/basket/go-foreman/internal/validate"
)

// FixRequestFileName lists the issues the fixer must address.
const FixRequestFileName = "QA_FIX_REQUEST.md"

// Verdict is the reviewer's structured output.
type Verdict struct {
	Approved bool     `json:"approved"`
	Severity string   `json:"severity,omitempty"`
	Issues   []string `json:"issues,omitempty"`
}

// Reviewer judges the implementation against the validator evidence.
type Reviewer interface {
	Review(ctx context.Context, evidence string) (*Verdict, error)
}

// Fixer addresses the issues in the fix-request file and commits.
type Fixer interface {
	Fix(ctx context.Context, fixRequestPath string) error
}

// Outcome summarizes a finished loop.
type Outcome struct {
	Signoff    plan.QASignoff
	Iterations int
	Results    []validate.Result
}

// Loop runs the review/fix cycle for one task. Bus is optional; when set
// the loop publishes qa.iteration, qa.approved and qa.rejected events
// tagged with SpecID.
type Loop struct {
	Log           *slog.Logger
	Validators    []validate.Validator
	Reviewer      Reviewer
	Fixer         Fixer
	MaxIterations int
	Bus           *bus.Bus
	SpecID        string
}

func (l *Loop) publish(topic string, iteration int, issues []string) {
	if l.Bus == nil {
		return
	}
	l.Bus.Publish(topic, bus.QAEvent{SpecID: l.SpecID, Iteration: iteration, Issues: issues})
}

// Run executes up to MaxIterations review/fix cycles. Caps select the
// validators; rc points at the worktree and spec dir.
func (l *Loop) Run(ctx context.Context, rc *validate.RunContext, caps validate.Capabilities, log *events.Log) (*Outcome, error) {
	if l.MaxIterations <= 0 {
		l.MaxIterations = 3
	}
	selected := validate.Select(l.Validators, caps)

	var results []validate.Result
	var issueHistory []string
	var lastFixRequest []byte
	lastFingerprint := ""

	for iteration := 1; iteration <= l.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.Log.Info("qa iteration", "iteration", iteration)
		_, _ = log.Append(events.KindTaskEvent, map[string]any{"event": "QA_ITERATION", "iteration": iteration})
		l.publish(bus.TopicQAIteration, iteration, nil)

		fingerprint := artifactFingerprint(rc.WorkingDir)
		rerunValidators := iteration == 1 || fingerprint == "" || fingerprint != lastFingerprint
		lastFingerprint = fingerprint

		if rerunValidators {
			buildFailed := false
			results = results[:0]
			for _, v := range selected {
				if v.Name() != "build" {
					continue
				}
				r := v.Run(ctx, rc)
				results = append(results, r)
				if !r.Passed && !r.Skipped {
					buildFailed = true
				}
			}
			if buildFailed {
				// Build broke: skip runtime validators this iteration.
				fixReq := renderFixRequest(iteration, results, []string{"build must pass before runtime validation"})
				done, outcome := l.fixOrStop(ctx, rc, log, iteration, fixReq, &lastFixRequest, results, &issueHistory)
				if done {
					return outcome, nil
				}
				continue
			}
			results = append(results, l.runParallel(ctx, rc, selected)...)
		}

		if _, err := validate.WriteReport(rc.SpecDir, iteration, results); err != nil {
			l.Log.Warn("qa report write failed", "error", err)
		}

		verdict, err := l.Reviewer.Review(ctx, validate.RenderReport(iteration, results))
		if err != nil {
			return nil, fmt.Errorf("qa reviewer: %w", err)
		}
		if verdict.Approved {
			_, _ = log.Append(events.KindQAPassed, map[string]any{"iteration": iteration})
			l.publish(bus.TopicQAApproved, iteration, nil)
			return &Outcome{
				Signoff:    plan.QASignoff{Status: plan.SignoffApproved, ReportFile: validate.ReportFileName},
				Iterations: iteration,
				Results:    results,
			}, nil
		}
		issueHistory = append(issueHistory, verdict.Issues...)
		_, _ = log.Append(events.KindQAFailed, map[string]any{"iteration": iteration, "issues": verdict.Issues})
		l.publish(bus.TopicQARejected, iteration, verdict.Issues)

		fixReq := renderFixRequest(iteration, results, verdict.Issues)
		done, outcome := l.fixOrStop(ctx, rc, log, iteration, fixReq, &lastFixRequest, results, &issueHistory)
		if done {
			return outcome, nil
		}
	}

	return &Outcome{
		Signoff: plan.QASignoff{
			Status:     plan.SignoffNeedsAttention,
			Issues:     issueHistory,
			ReportFile: validate.ReportFileName,
		},
		Iterations: l.MaxIterations,
		Results:    results,
	}, nil
}

// fixOrStop writes the fix request and runs the fixer, or terminates the
// loop when two consecutive requests are byte-identical (non-progressing).
func (l *Loop) fixOrStop(ctx context.Context, rc *validate.RunContext, log *events.Log, iteration int, fixReq string, last *[]byte, results []validate.Result, history *[]string) (bool, *Outcome) {
	if *last != nil && string(*last) == fixReq {
		l.Log.Warn("qa loop not progressing, stopping", "iteration", iteration)
		return true, &Outcome{
			Signoff: plan.QASignoff{
				Status:     plan.SignoffNeedsAttention,
				Issues:     append(*history, "fix requests identical across iterations"),
				ReportFile: validate.ReportFileName,
			},
			Iterations: iteration,
			Results:    results,
		}
	}
	req := []byte(fixReq)
	*last = req

	path := filepath.Join(rc.SpecDir, FixRequestFileName)
	if err := os.WriteFile(path, req, 0o644); err != nil {
		l.Log.Error("fix request write failed", "error", err)
		return false, nil
	}
	if err := l.Fixer.Fix(ctx, path); err != nil {
		l.Log.Error("qa fixer failed", "error", err)
	}
	return false, nil
}

// runParallel fans the non-build validators out concurrently.
func (l *Loop) runParallel(ctx context.Context, rc *validate.RunContext, selected []validate.Validator) []validate.Result {
	var runtime []validate.Validator
	for _, v := range selected {
		if v.Name() != "build" {
			runtime = append(runtime, v)
		}
	}
	results := make([]validate.Result, len(runtime))
	var wg sync.WaitGroup
	for i, v := range runtime {
		wg.Add(1)
		go func(i int, v validate.Validator) {
			defer wg.Done()
			results[i] = v.Run(ctx, rc)
		}(i, v)
	}
	wg.Wait()
	return results
}

// renderFixRequest formats the issues for the fixer. Stable formatting
// matters: the non-progress check compares bytes.
func renderFixRequest(iteration int, results []validate.Result, issues []string) string {
	var b strings.Builder
	b.WriteString("# QA Fix Request\n\n")
	b.WriteString("## Issues\n\n")
	for i, issue := range issues {
		fmt.Fprintf(&b, "%d. %s\n", i+1, issue)
	}
	b.WriteString("\n## Validator outcomes\n\n")
	for _, r := range results {
		status := "passed"
		if r.Skipped {
			status = "skipped"
		} else if !r.Passed {
			status = "failed"
		}
		fmt.Fprintf(&b, "- %s: %s — %s\n", r.Name, status, r.Summary)
	}
	return b.String()
}

// artifactFingerprint identifies the worktree content. The fixer commits
// its changes, so HEAD moves when artifacts changed; a non-repo falls
// back to an empty fingerprint which always re-runs.
func artifactFingerprint(dir string) string {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(out)
	return hex.EncodeToString(sum[:])
}
