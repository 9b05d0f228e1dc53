package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/policy"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		message   string
		status    int
		transient bool
	}{
		{"rate limit exceeded", 0, true},
		{"server overloaded", 529, true},
		{"internal error", 500, true},
		{"too many requests", 429, true},
		{"invalid api key", 401, false},
		{"bad request", 400, false},
		{"connection reset by peer", 0, true},
		{"model does not exist", 0, false},
	}
	for _, c := range cases {
		got := Classify(c.message, c.status)
		if got.Transient != c.transient {
			t.Fatalf("Classify(%q, %d).Transient = %v, want %v", c.message, c.status, got.Transient, c.transient)
		}
	}
}

func TestIsTransient_NonAgentError(t *testing.T) {
	if IsTransient(errors.New("plain")) {
		t.Fatal("plain error marked transient")
	}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return &AgentError{Message: "overloaded", Transient: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestRetry_CapExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return &AgentError{Message: "overloaded", Status: 529, Transient: true}
	})
	if err == nil {
		t.Fatal("expected error after cap")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// The cap-exceeded error is persistent: callers must not retry it again.
	if IsTransient(err) {
		t.Fatal("cap-exceeded error still transient")
	}
}

func TestRetry_PersistentFailsFast(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetry, func() error {
		calls++
		return &AgentError{Message: "invalid api key", Status: 401}
	})
	if err == nil || calls != 1 {
		t.Fatalf("persistent error retried: calls=%d err=%v", calls, err)
	}
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}, func() error {
		return &AgentError{Message: "overloaded", Transient: true}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestArtifactExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "implementation_plan.json")
	if ArtifactExists(path) {
		t.Fatal("missing file reported as artifact")
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if ArtifactExists(path) {
		t.Fatal("empty file reported as artifact")
	}
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !ArtifactExists(path) {
		t.Fatal("non-empty artifact not detected")
	}
}

func TestSubprocessSession_Stream(t *testing.T) {
	script := `#!/bin/sh
echo '{"type":"session_start"}'
echo '{"type":"text","text":"working"}'
echo '{"type":"tool_call","tool":"bash","input":{"command":"go test"}}'
echo '{"type":"tool_result","tool":"bash","output":"ok"}'
echo '{"type":"session_end","status":"success","tokens_in":10,"tokens_out":20,"tool_count":1}'
`
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	runner := &SubprocessRunner{Binary: bin}
	sess, err := runner.Open(context.Background(), Request{AgentKind: "coder", WorkingDir: dir, Model: "default"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	var types []EventType
	var end *EndSummary
	for {
		ev, err := sess.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev == nil {
			break
		}
		types = append(types, ev.Type)
		if ev.Type == EventSessionEnd {
			end = ev.End
		}
	}
	want := []EventType{EventSessionStart, EventAssistantText, EventToolCall, EventToolResult, EventSessionEnd}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
	if end == nil || end.Status != "success" || end.TokensOut != 20 || end.ToolCount != 1 {
		t.Fatalf("end = %+v", end)
	}
}

func TestSubprocessSession_ErrorEvent(t *testing.T) {
	script := `#!/bin/sh
echo '{"type":"session_start"}'
echo '{"type":"error","message":"rate limit exceeded","code":429}'
sleep 5
`
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	runner := &SubprocessRunner{Binary: bin}
	sess, err := runner.Open(context.Background(), Request{AgentKind: "coder", WorkingDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if _, err := sess.Next(context.Background()); err != nil {
		t.Fatalf("session_start: %v", err)
	}
	_, err = sess.Next(context.Background())
	if err == nil {
		t.Fatal("error event not surfaced")
	}
	if !IsTransient(err) {
		t.Fatalf("429 not transient: %v", err)
	}
}

func TestSubprocessSession_DeniedBashKillsSession(t *testing.T) {
	script := `#!/bin/sh
echo '{"type":"session_start"}'
echo '{"type":"tool_call","tool":"bash","input":{"command":"rm -rf node_modules"}}'
echo '{"type":"text","text":"never reached by the consumer"}'
sleep 5
`
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	runner := &SubprocessRunner{Binary: bin}
	sess, err := runner.Open(context.Background(), Request{
		AgentKind:  "qa_reviewer",
		WorkingDir: dir,
		Policy:     &policy.ExecPolicy{Level: policy.LevelReadonly},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if _, err := sess.Next(context.Background()); err != nil {
		t.Fatalf("session_start: %v", err)
	}
	_, err = sess.Next(context.Background())
	if err == nil {
		t.Fatal("denied command not surfaced")
	}
	if IsTransient(err) {
		t.Fatalf("policy denial must be persistent: %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "exec-policy") {
		t.Fatalf("denial does not name the layer: %q", got)
	}
	// The stream is dead after the kill.
	if ev, err := sess.Next(context.Background()); ev != nil || err != nil {
		t.Fatalf("stream continued after denial: ev=%+v err=%v", ev, err)
	}
}

func TestSubprocessSession_AllowedBashStreams(t *testing.T) {
	script := `#!/bin/sh
echo '{"type":"session_start"}'
echo '{"type":"tool_call","tool":"bash","input":{"command":"git status && grep -r TODO ."}}'
echo '{"type":"session_end","status":"success"}'
`
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	runner := &SubprocessRunner{Binary: bin}
	sess, err := runner.Open(context.Background(), Request{
		AgentKind:  "qa_reviewer",
		WorkingDir: dir,
		Policy:     &policy.ExecPolicy{Level: policy.LevelReadonly},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	var types []EventType
	for {
		ev, err := sess.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ev == nil {
			break
		}
		types = append(types, ev.Type)
	}
	want := []EventType{EventSessionStart, EventToolCall, EventSessionEnd}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
}
