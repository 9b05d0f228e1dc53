package qa

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/events"
	"github.com/basket/go-foreman/internal/plan"
	"github.com/basket/go-foreman/internal/validate"
)

type fakeValidator struct {
	name    string
	results []validate.Result
	calls   int
}

func (f *fakeValidator) Name() string                          { return f.name }
func (f *fakeValidator) Selectable(validate.Capabilities) bool { return true }
func (f *fakeValidator) Run(context.Context, *validate.RunContext) validate.Result {
	r := f.results[min(f.calls, len(f.results)-1)]
	f.calls++
	return r
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type scriptedReviewer struct {
	verdicts []*Verdict
	calls    int
}

func (s *scriptedReviewer) Review(context.Context, string) (*Verdict, error) {
	v := s.verdicts[min(s.calls, len(s.verdicts)-1)]
	s.calls++
	return v, nil
}

type recordingFixer struct {
	calls    int
	requests []string
	onFix    func()
}

func (r *recordingFixer) Fix(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	r.requests = append(r.requests, string(data))
	r.calls++
	if r.onFix != nil {
		r.onFix()
	}
	return nil
}

func newLoopEnv(t *testing.T) (*validate.RunContext, *events.Log) {
	t.Helper()
	rc := &validate.RunContext{
		WorkingDir: t.TempDir(),
		SpecDir:    t.TempDir(),
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	log, err := events.Open(rc.SpecDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })
	return rc, log
}

func passing(name string) validate.Result {
	return validate.Result{Name: name, Passed: true, Summary: name + " ok"}
}

func TestLoop_ApprovedFirstIteration(t *testing.T) {
	rc, log := newLoopEnv(t)
	l := &Loop{
		Log:           rc.Log,
		Validators:    []validate.Validator{&fakeValidator{name: "build", results: []validate.Result{passing("build")}}},
		Reviewer:      &scriptedReviewer{verdicts: []*Verdict{{Approved: true}}},
		Fixer:         &recordingFixer{},
		MaxIterations: 3,
	}
	out, err := l.Run(context.Background(), rc, validate.Capabilities{}, log)
	if err != nil {
		t.Fatal(err)
	}
	if out.Signoff.Status != plan.SignoffApproved || out.Iterations != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if _, err := os.Stat(filepath.Join(rc.SpecDir, validate.ReportFileName)); err != nil {
		t.Fatal("qa report missing")
	}
}

func TestLoop_BuildFailureShortCircuits(t *testing.T) {
	rc, log := newLoopEnv(t)
	build := &fakeValidator{name: "build", results: []validate.Result{
		{Name: "build", Passed: false, Severity: validate.SeverityBlocker, Summary: "compile error"},
		passing("build"),
	}}
	runtime := &fakeValidator{name: "browser", results: []validate.Result{passing("browser")}}
	fixer := &recordingFixer{}
	l := &Loop{
		Log:           rc.Log,
		Validators:    []validate.Validator{build, runtime},
		Reviewer:      &scriptedReviewer{verdicts: []*Verdict{{Approved: true}}},
		Fixer:         fixer,
		MaxIterations: 3,
	}
	out, err := l.Run(context.Background(), rc, validate.Capabilities{WebFrontend: true}, log)
	if err != nil {
		t.Fatal(err)
	}
	if out.Signoff.Status != plan.SignoffApproved {
		t.Fatalf("signoff = %s", out.Signoff.Status)
	}
	// Iteration 1 must not have reached the browser validator.
	if runtime.calls != 1 {
		t.Fatalf("runtime validator ran %d times, want 1 (second iteration only)", runtime.calls)
	}
	if fixer.calls != 1 {
		t.Fatalf("fixer calls = %d", fixer.calls)
	}
}

func TestLoop_RejectedThenFixedThenApproved(t *testing.T) {
	rc, log := newLoopEnv(t)
	fixer := &recordingFixer{}
	l := &Loop{
		Log:        rc.Log,
		Validators: []validate.Validator{&fakeValidator{name: "build", results: []validate.Result{passing("build")}}},
		Reviewer: &scriptedReviewer{verdicts: []*Verdict{
			{Approved: false, Issues: []string{"login form has no validation"}},
			{Approved: true},
		}},
		Fixer:         fixer,
		MaxIterations: 3,
	}
	out, err := l.Run(context.Background(), rc, validate.Capabilities{}, log)
	if err != nil {
		t.Fatal(err)
	}
	if out.Signoff.Status != plan.SignoffApproved || out.Iterations != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(fixer.requests) != 1 || fixer.requests[0] == "" {
		t.Fatal("fix request not written")
	}
}

func TestLoop_CapExceededNeedsAttention(t *testing.T) {
	rc, log := newLoopEnv(t)
	// Distinct issues each round so the non-progress check never trips.
	l := &Loop{
		Log:        rc.Log,
		Validators: []validate.Validator{&fakeValidator{name: "build", results: []validate.Result{passing("build")}}},
		Reviewer: &scriptedReviewer{verdicts: []*Verdict{
			{Approved: false, Issues: []string{"issue one"}},
			{Approved: false, Issues: []string{"issue two"}},
			{Approved: false, Issues: []string{"issue three"}},
		}},
		Fixer:         &recordingFixer{},
		MaxIterations: 3,
	}
	out, err := l.Run(context.Background(), rc, validate.Capabilities{}, log)
	if err != nil {
		t.Fatal(err)
	}
	if out.Signoff.Status != plan.SignoffNeedsAttention {
		t.Fatalf("signoff = %s", out.Signoff.Status)
	}
	if len(out.Signoff.Issues) != 3 {
		t.Fatalf("issue history = %v", out.Signoff.Issues)
	}
}

func TestLoop_IdenticalFixRequestsStopEarly(t *testing.T) {
	rc, log := newLoopEnv(t)
	fixer := &recordingFixer{}
	l := &Loop{
		Log:        rc.Log,
		Validators: []validate.Validator{&fakeValidator{name: "build", results: []validate.Result{passing("build")}}},
		Reviewer: &scriptedReviewer{verdicts: []*Verdict{
			{Approved: false, Issues: []string{"same issue"}},
		}},
		Fixer:         fixer,
		MaxIterations: 5,
	}
	out, err := l.Run(context.Background(), rc, validate.Capabilities{}, log)
	if err != nil {
		t.Fatal(err)
	}
	if out.Signoff.Status != plan.SignoffNeedsAttention {
		t.Fatalf("signoff = %s", out.Signoff.Status)
	}
	if out.Iterations >= 5 {
		t.Fatalf("loop ran to cap (%d) instead of stopping on identical requests", out.Iterations)
	}
	if fixer.calls != 1 {
		t.Fatalf("fixer calls = %d, want 1", fixer.calls)
	}
}

func TestLoop_PublishesQAEvents(t *testing.T) {
	rc, log := newLoopEnv(t)
	b := bus.New()
	sub := b.Subscribe("qa.")
	defer b.Unsubscribe(sub)

	l := &Loop{
		Log:        rc.Log,
		Validators: []validate.Validator{&fakeValidator{name: "build", results: []validate.Result{passing("build")}}},
		Reviewer: &scriptedReviewer{verdicts: []*Verdict{
			{Approved: false, Issues: []string{"missing empty-state copy"}},
			{Approved: true},
		}},
		Fixer:         &recordingFixer{},
		MaxIterations: 3,
		Bus:           b,
		SpecID:        "001-login",
	}
	if _, err := l.Run(context.Background(), rc, validate.Capabilities{}, log); err != nil {
		t.Fatal(err)
	}

	var topics []string
	var rejected, approved bus.QAEvent
	for {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
			switch ev.Topic {
			case bus.TopicQARejected:
				rejected = ev.Payload.(bus.QAEvent)
			case bus.TopicQAApproved:
				approved = ev.Payload.(bus.QAEvent)
			}
			continue
		default:
		}
		break
	}
	want := []string{bus.TopicQAIteration, bus.TopicQARejected, bus.TopicQAIteration, bus.TopicQAApproved}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("topics = %v, want %v", topics, want)
		}
	}
	if rejected.SpecID != "001-login" || rejected.Iteration != 1 || len(rejected.Issues) != 1 {
		t.Fatalf("rejected event = %+v", rejected)
	}
	if approved.SpecID != "001-login" || approved.Iteration != 2 || approved.Issues != nil {
		t.Fatalf("approved event = %+v", approved)
	}
}

func TestLoop_SkippedValidatorDoesNotBlock(t *testing.T) {
	rc, log := newLoopEnv(t)
	skippedBrowser := &fakeValidator{name: "browser", results: []validate.Result{
		{Name: "browser", Skipped: true, SkipReason: "no headless browser available", Summary: "skipped"},
	}}
	l := &Loop{
		Log:           rc.Log,
		Validators:    []validate.Validator{&fakeValidator{name: "build", results: []validate.Result{passing("build")}}, skippedBrowser},
		Reviewer:      &scriptedReviewer{verdicts: []*Verdict{{Approved: true}}},
		Fixer:         &recordingFixer{},
		MaxIterations: 3,
	}
	out, err := l.Run(context.Background(), rc, validate.Capabilities{WebFrontend: true}, log)
	if err != nil {
		t.Fatal(err)
	}
	if out.Signoff.Status != plan.SignoffApproved {
		t.Fatalf("skip blocked the loop: %+v", out)
	}
}

func TestLoop_Cancellation(t *testing.T) {
	rc, log := newLoopEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := &Loop{
		Log:           rc.Log,
		Validators:    []validate.Validator{&fakeValidator{name: "build", results: []validate.Result{passing("build")}}},
		Reviewer:      &scriptedReviewer{verdicts: []*Verdict{{Approved: true}}},
		Fixer:         &recordingFixer{},
		MaxIterations: 3,
	}
	start := time.Now()
	if _, err := l.Run(ctx, rc, validate.Capabilities{}, log); err == nil {
		t.Fatal("cancelled run returned nil error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation not observed promptly")
	}
}
