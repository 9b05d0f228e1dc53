package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func queuedPlan(kind string) *Plan {
	p := &Plan{Kind: kind, Priority: 2, DependsOn: []string{}}
	p.SetStatus("queue", "")
	return p
}

func TestStatusTwin_Derivation(t *testing.T) {
	cases := []struct {
		status, phase, want string
	}{
		{"queue", "", "backlog"},
		{"backlog", "", "backlog"},
		{"queued", "", "backlog"},
		{"in_progress", "planning", "planning"},
		{"in_progress", "coding", "coding"},
		{"ai_review", "qa", "qa_review"},
		{"qa_fixing", "qa", "qa_fixing"},
		{"human_review", "planning", "plan_review"},
		{"human_review", "coding", "human_review"},
		{"done", "", "done"},
		{"completed", "", "done"},
		{"error", "", "error"},
		{"failed", "", "error"},
	}
	for _, c := range cases {
		p := &Plan{Kind: KindImpl, ExecutionPhase: c.phase}
		p.SetStatus(c.status, c.phase)
		if p.XStateState != c.want {
			t.Fatalf("status %q phase %q: xstate = %q, want %q", c.status, c.phase, p.XStateState, c.want)
		}
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := queuedPlan(KindImpl)
	p.Phases = []Phase{{Name: "build", Subtasks: []Subtask{
		{ID: "1", Description: "add login form", Status: SubtaskPending, FilesToCreate: []string{"login.tsx"}},
	}}}
	if err := Save(dir, p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != "queue" || got.XStateState != "backlog" || got.Kind != KindImpl {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Phases) != 1 || got.Phases[0].Subtasks[0].ID != "1" {
		t.Fatalf("phases lost: %+v", got.Phases)
	}
}

func TestSave_ByteStableRewrite(t *testing.T) {
	dir := t.TempDir()
	p := queuedPlan(KindBackend)
	p.QASignoff = &QASignoff{Status: SignoffApproved}
	if err := Save(dir, p); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(dir, got); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("write not byte-stable:\n%s\nvs\n%s", first, second)
	}
}

func TestUnknownFields_SurviveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	raw := `{
  "status": "queue",
  "xstateState": "backlog",
  "executionPhase": "",
  "kind": "impl",
  "priority": 2,
  "dependsOn": [],
  "uiHints": {"color": "teal"},
  "legacyField": 42
}`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Save(dir, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, FileName))
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out["uiHints"]; !ok {
		t.Fatal("uiHints dropped")
	}
	if out["legacyField"] != float64(42) {
		t.Fatalf("legacyField = %v", out["legacyField"])
	}
}

func TestLoad_SchemaError(t *testing.T) {
	dir := t.TempDir()
	// priority out of range
	raw := `{"status":"queue","xstateState":"backlog","executionPhase":"","kind":"impl","priority":9,"dependsOn":[]}`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected schema error")
	}
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T", err)
	}
	// The daemon must not overwrite a file it cannot parse: the original
	// bytes must be untouched after the failed load.
	data, _ := os.ReadFile(filepath.Join(dir, FileName))
	if string(data) != raw {
		t.Fatal("plan file mutated by failed load")
	}
}

func TestSave_RejectsPhasesOnDesign(t *testing.T) {
	dir := t.TempDir()
	p := queuedPlan(KindDesign)
	p.Phases = []Phase{{Name: "build"}}
	if err := Save(dir, p); err == nil {
		t.Fatal("design plan with phases must be rejected")
	}
}

func TestSave_RejectsInvalidBeforeReplace(t *testing.T) {
	dir := t.TempDir()
	good := queuedPlan(KindImpl)
	if err := Save(dir, good); err != nil {
		t.Fatal(err)
	}
	pre, _ := os.ReadFile(filepath.Join(dir, FileName))

	bad := queuedPlan(KindImpl)
	bad.Status = "" // schema requires non-empty
	bad.XStateState = ""
	if err := Save(dir, bad); err == nil {
		t.Fatal("expected schema rejection")
	}
	post, _ := os.ReadFile(filepath.Join(dir, FileName))
	if !bytes.Equal(pre, post) {
		t.Fatal("invalid write clobbered the plan")
	}
}

func TestReaderSeesPreOrPostImage(t *testing.T) {
	// Atomicity: while Save runs, a reader never observes a partial file.
	// The rename-based write means any read of the target path parses.
	dir := t.TempDir()
	p := queuedPlan(KindImpl)
	if err := Save(dir, p); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			p.SetStatus("in_progress", "coding")
			if err := Save(dir, p); err != nil {
				t.Errorf("Save: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 50; i++ {
		if _, err := Load(dir); err != nil {
			t.Fatalf("reader saw invalid image: %v", err)
		}
	}
	<-done
}

func TestAppendError_ClipsDiagnostic(t *testing.T) {
	dir := t.TempDir()
	p := queuedPlan(KindImpl)
	p.SetStatus("error", "")

	long := strings.Repeat("merge conflict in src/app.ts ", 20)
	if len(long) <= MaxErrorMessageLen {
		t.Fatalf("test diagnostic too short: %d", len(long))
	}
	p.AppendError("merge_conflict", long)
	p.AppendError("pipeline", "short")

	if err := Save(dir, p); err != nil {
		t.Fatalf("Save after AppendError: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Errors) != 2 {
		t.Fatalf("errors = %+v", got.Errors)
	}
	if len(got.Errors[0].Message) != MaxErrorMessageLen {
		t.Fatalf("message len = %d, want %d", len(got.Errors[0].Message), MaxErrorMessageLen)
	}
	if got.Errors[1].Message != "short" {
		t.Fatalf("short message mangled: %q", got.Errors[1].Message)
	}
}

func TestQuarantine_MovesToNeedsAttention(t *testing.T) {
	dir := t.TempDir()
	// priority as a string: parseable JSON, invalid against the schema.
	raw := `{"status":"queue","xstateState":"backlog","executionPhase":"","kind":"impl","priority":"high","dependsOn":[]}`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	_, loadErr := Load(dir)
	if loadErr == nil {
		t.Fatal("expected schema error")
	}
	if err := Quarantine(dir, loadErr); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("quarantined plan not parseable: %v", err)
	}
	if got["status"] != "needs_attention" || got["xstateState"] != "needs_attention" {
		t.Fatalf("status twin = %v / %v", got["status"], got["xstateState"])
	}
	if got["quarantineReason"] == "" || got["quarantineReason"] == nil {
		t.Fatal("diagnostic missing")
	}
	// The offending field is preserved for inspection.
	if got["priority"] != "high" {
		t.Fatalf("priority = %v", got["priority"])
	}

	// Idempotent: a second pass leaves the file alone.
	if err := Quarantine(dir, loadErr); err != nil {
		t.Fatalf("second Quarantine: %v", err)
	}
}

func TestQuarantine_LeavesUnparseableAlone(t *testing.T) {
	dir := t.TempDir()
	raw := `{"status": "queue", truncated`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Quarantine(dir, errors.New("bad json")); err == nil {
		t.Fatal("unparseable file must not be rewritten")
	}
	data, _ := os.ReadFile(filepath.Join(dir, FileName))
	if string(data) != raw {
		t.Fatal("unparseable plan mutated")
	}
}
