// Package pipeline runs a DAG of stages for one task. Stages declare
// dependencies and the engine executes them in topological waves; stages
// in the same wave and parallel group run concurrently. Transient stage
// failures retry with backoff, persistent failures propagate.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/events"
	"github.com/basket/go-foreman/internal/plan"
	"github.com/basket/go-foreman/internal/session"
)

// Result is one stage action's structured outcome.
type Result struct {
	OK     bool
	Detail map[string]any
}

// StageContext is what an action sees: the task's directories, plan,
// event log, and the resolved model settings.
type StageContext struct {
	SpecID     string
	WorkingDir string
	SpecDir    string
	Plan       *plan.Plan
	Events     *events.Log
	Model      string
	Thinking   int
	Log        *slog.Logger
}

// Action executes one stage. Cancellation is cooperative: actions observe
// ctx at every suspension boundary.
type Action func(ctx context.Context, sc *StageContext) (*Result, error)

// RetrySpec bounds per-stage transient retries.
type RetrySpec struct {
	Max     int
	Backoff time.Duration
}

// Stage is one node of the pipeline DAG.
type Stage struct {
	Name          string
	DependsOn     []string
	Condition     func(sc *StageContext) bool
	ParallelGroup string
	Retry         RetrySpec
	Action        Action
}

// Engine executes one pipeline for one task. RunID tags every stage
// event of this execution so bus consumers can correlate them.
type Engine struct {
	Log   *slog.Logger
	Bus   *bus.Bus
	RunID string
}

// StageError reports which stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Run executes the stages in dependency order. The first failing stage
// aborts the pipeline; skipped stages satisfy their dependents.
func (e *Engine) Run(ctx context.Context, sc *StageContext, stages []Stage) error {
	waves, err := topoWaves(stages)
	if err != nil {
		return err
	}
	for _, wave := range waves {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runWave(ctx, sc, wave); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runWave(ctx context.Context, sc *StageContext, wave []Stage) error {
	if len(wave) == 1 {
		return e.runStage(ctx, sc, wave[0])
	}
	// Group concurrency: stages sharing a parallelGroup run together,
	// ungrouped stages run sequentially after them.
	var grouped, sequential []Stage
	for _, s := range wave {
		if s.ParallelGroup != "" {
			grouped = append(grouped, s)
		} else {
			sequential = append(sequential, s)
		}
	}
	var wg sync.WaitGroup
	errs := make([]error, len(grouped))
	for i, s := range grouped {
		wg.Add(1)
		go func(i int, s Stage) {
			defer wg.Done()
			errs[i] = e.runStage(ctx, sc, s)
		}(i, s)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	for _, s := range sequential {
		if err := e.runStage(ctx, sc, s); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runStage(ctx context.Context, sc *StageContext, s Stage) error {
	if s.Condition != nil && !s.Condition(sc) {
		e.Log.Debug("stage skipped", "stage", s.Name, "spec_id", sc.SpecID)
		return nil
	}
	e.publish(bus.TopicStageStarted, sc.SpecID, s.Name, 0, nil)
	_, _ = sc.Events.Append(events.KindStageStarted, map[string]any{"stage": s.Name})

	attempt := 0
	delay := s.Retry.Backoff
	if delay <= 0 {
		delay = 2 * time.Second
	}
	for {
		attempt++
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := s.Action(ctx, sc)
		if err == nil && result != nil && result.OK {
			e.publish(bus.TopicStageCompleted, sc.SpecID, s.Name, attempt, nil)
			_, _ = sc.Events.Append(events.KindStageCompleted, map[string]any{"stage": s.Name, "attempt": attempt})
			return nil
		}
		if err == nil {
			err = fmt.Errorf("stage reported failure")
			if result != nil && result.Detail != nil {
				if msg, ok := result.Detail["message"].(string); ok {
					err = fmt.Errorf("%s", msg)
				}
			}
		}
		if session.IsTransient(err) && attempt <= s.Retry.Max {
			e.Log.Warn("stage retrying", "stage", s.Name, "attempt", attempt, "error", err)
			e.publish(bus.TopicStageRetrying, sc.SpecID, s.Name, attempt, err)
			_, _ = sc.Events.Append(events.KindStageRetried, map[string]any{"stage": s.Name, "attempt": attempt, "error": err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}
		e.publish(bus.TopicStageFailed, sc.SpecID, s.Name, attempt, err)
		_, _ = sc.Events.Append(events.KindStageFailed, map[string]any{"stage": s.Name, "attempt": attempt, "error": err.Error()})
		return &StageError{Stage: s.Name, Err: err}
	}
}

func (e *Engine) publish(topic, specID, stage string, attempt int, err error) {
	if e.Bus == nil {
		return
	}
	ev := bus.StageEvent{RunID: e.RunID, SpecID: specID, Stage: stage, Attempt: attempt}
	if err != nil {
		ev.Error = err.Error()
	}
	e.Bus.Publish(topic, ev)
}

// topoWaves orders stages into execution waves with Kahn's algorithm.
// Unknown dependencies and cycles are build errors.
func topoWaves(stages []Stage) ([][]Stage, error) {
	byName := make(map[string]Stage, len(stages))
	indegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string)
	for _, s := range stages {
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.Name)
		}
		byName[s.Name] = s
		indegree[s.Name] = 0
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.Name, dep)
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}
	var waves [][]Stage
	remaining := len(stages)
	for remaining > 0 {
		var wave []Stage
		for _, s := range stages {
			if deg, ok := indegree[s.Name]; ok && deg == 0 {
				wave = append(wave, s)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("pipeline has a dependency cycle")
		}
		for _, s := range wave {
			delete(indegree, s.Name)
			for _, dep := range dependents[s.Name] {
				indegree[dep]--
			}
			remaining--
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
