package persistence

import (
	"context"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	run := TaskRun{RunID: "r1", SpecID: "001-add-login", Kind: "impl", Pipeline: "default", PID: 1234}
	if err := s.BeginRun(ctx, run); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := s.FinishRun(ctx, "r1", "human_review"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	// Finishing twice must fail: the run is no longer running.
	if err := s.FinishRun(ctx, "r1", "done"); err == nil {
		t.Fatal("double finish accepted")
	}

	runs, err := s.RunsForSpec(ctx, "001-add-login", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Outcome != "human_review" || runs[0].CompletedAt == nil {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRecordStageAndValidator(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.BeginRun(ctx, TaskRun{RunID: "r1", SpecID: "001-x", Kind: "impl", Pipeline: "default"}); err != nil {
		t.Fatal(err)
	}

	stages := []StageResult{
		{RunID: "r1", Stage: "build", Attempt: 1, OK: false, Error: "overloaded", DurationMs: 900},
		{RunID: "r1", Stage: "build", Attempt: 2, OK: true, DurationMs: 30000},
		{RunID: "r1", Stage: "qa", Attempt: 1, OK: true, DurationMs: 60000},
	}
	for _, st := range stages {
		if err := s.RecordStage(ctx, st); err != nil {
			t.Fatalf("RecordStage: %v", err)
		}
	}
	got, err := s.StagesForRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("stages = %d", len(got))
	}
	if got[0].Error != "overloaded" || got[0].OK {
		t.Fatalf("first stage = %+v", got[0])
	}
	if got[1].Attempt != 2 || !got[1].OK || got[1].Error != "" {
		t.Fatalf("second stage = %+v", got[1])
	}

	if err := s.RecordValidator(ctx, ValidatorRecord{RunID: "r1", Iteration: 1, Name: "build", Passed: true, Summary: "2 commands passed", DurationMs: 28000}); err != nil {
		t.Fatalf("RecordValidator: %v", err)
	}
	if err := s.RecordQAIteration(ctx, QAIteration{RunID: "r1", Iteration: 1, Verdict: "approved"}); err != nil {
		t.Fatalf("RecordQAIteration: %v", err)
	}
}

func TestRecordQAIteration_RejectsUnknownVerdict(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.BeginRun(ctx, TaskRun{RunID: "r1", SpecID: "001-x", Kind: "impl", Pipeline: "default"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordQAIteration(ctx, QAIteration{RunID: "r1", Iteration: 1, Verdict: "maybe"}); err == nil {
		t.Fatal("unknown verdict accepted")
	}
}

func TestCompletedCount(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seed := []struct {
		id, outcome string
	}{
		{"r1", "done"},
		{"r2", "human_review"},
		{"r3", "error"},
	}
	for _, e := range seed {
		if err := s.BeginRun(ctx, TaskRun{RunID: e.id, SpecID: "001-" + e.id, Kind: "impl", Pipeline: "default"}); err != nil {
			t.Fatal(err)
		}
		if err := s.FinishRun(ctx, e.id, e.outcome); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.CompletedCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("completed = %d", n)
	}
}

func TestOpen_ReopensExistingSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.BeginRun(context.Background(), TaskRun{RunID: "r1", SpecID: "001-x", Kind: "impl", Pipeline: "default"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	runs, err := s2.RunsForSpec(context.Background(), "001-x", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs lost on reopen: %d", len(runs))
	}
}
