package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/basket/go-foreman/internal/policy"
	"github.com/basket/go-foreman/internal/shared"
)

// SubprocessRunner drives an external agent CLI. The CLI prints one JSON
// event per stdout line; the runner parses lines into typed events. Any
// nonzero exit without a session_end line is reported as a session error.
type SubprocessRunner struct {
	// Binary is the agent CLI executable.
	Binary string
	// ExtraArgs are prepended to every invocation.
	ExtraArgs []string
}

// Open starts the CLI with the request encoded as flags and env.
func (r *SubprocessRunner) Open(ctx context.Context, req Request) (Session, error) {
	args := append([]string{}, r.ExtraArgs...)
	args = append(args,
		"--agent", string(req.AgentKind),
		"--model", req.Model,
		"--thinking", strconv.Itoa(req.Thinking),
		"--output-format", "jsonl",
	)
	for _, tool := range req.Tools {
		args = append(args, "--tool", tool)
	}
	if req.Policy != nil {
		args = append(args, "--security-level", string(req.Policy.Level))
		for _, c := range req.Policy.ProjectAllow {
			args = append(args, "--allow", c)
		}
		for _, c := range req.Policy.ExtraDeny {
			args = append(args, "--deny", c)
		}
	}
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), "SPEC_DIR="+req.SpecDir)
	if tid := shared.TraceID(ctx); tid != "-" {
		cmd.Env = append(cmd.Env, "FOREMAN_TRACE_ID="+tid)
	}
	if sid := shared.SpecID(ctx); sid != "" {
		cmd.Env = append(cmd.Env, "FOREMAN_SPEC_ID="+sid)
	}
	if rid := shared.RunID(ctx); rid != "" {
		cmd.Env = append(cmd.Env, "FOREMAN_RUN_ID="+rid)
	}
	cmd.Stdin = strings.NewReader(req.System + "\n\n" + req.Prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("session stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, &AgentError{Message: "spawn agent cli: " + err.Error(), Transient: true}
	}
	return &subprocessSession{cmd: cmd, scanner: bufio.NewScanner(stdout), policy: req.Policy}, nil
}

type subprocessSession struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	policy  *policy.ExecPolicy
	ended   bool
}

// wireEvent is the CLI's line format.
type wireEvent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Status    string         `json:"status,omitempty"`
	TokensIn  int64          `json:"tokens_in,omitempty"`
	TokensOut int64          `json:"tokens_out,omitempty"`
	ToolCount int            `json:"tool_count,omitempty"`
	Code      int            `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
}

func (s *subprocessSession) Next(ctx context.Context) (*Event, error) {
	if s.ended {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		var w wireEvent
		if err := json.Unmarshal([]byte(line), &w); err != nil {
			continue // partial or non-event line
		}
		ev, err := s.translate(&w)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
	// Stream closed without session_end: classify by exit.
	s.ended = true
	if err := s.cmd.Wait(); err != nil {
		return nil, ClassifyExec(err)
	}
	return &Event{Type: EventSessionEnd, End: &EndSummary{Status: "error"}}, nil
}

func (s *subprocessSession) translate(w *wireEvent) (*Event, error) {
	switch w.Type {
	case "session_start":
		return &Event{Type: EventSessionStart}, nil
	case "text":
		return &Event{Type: EventAssistantText, Text: w.Text}, nil
	case "tool_call":
		if err := s.authorize(w); err != nil {
			s.ended = true
			if s.cmd.Process != nil {
				_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
			}
			_ = s.cmd.Wait()
			return nil, err
		}
		return &Event{Type: EventToolCall, ToolName: w.Tool, ToolInput: w.Input}, nil
	case "tool_result":
		return &Event{Type: EventToolResult, ToolName: w.Tool, ToolOut: w.Output, ToolErr: w.IsError}, nil
	case "session_end":
		s.ended = true
		_ = s.cmd.Wait()
		return &Event{Type: EventSessionEnd, End: &EndSummary{
			Status:    w.Status,
			TokensIn:  w.TokensIn,
			TokensOut: w.TokensOut,
			ToolCount: w.ToolCount,
		}}, nil
	case "error":
		s.ended = true
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
		return nil, Classify(w.Message, w.Code)
	default:
		return nil, nil
	}
}

// authorize applies the exec policy to a bash dispatch. Non-bash tools
// pass: their capabilities were already narrowed by the tool list.
func (s *subprocessSession) authorize(w *wireEvent) error {
	if s.policy == nil || w.Tool != "bash" {
		return nil
	}
	command, _ := w.Input["command"].(string)
	d := s.policy.Evaluate(command)
	if d.Allowed {
		return nil
	}
	return &AgentError{Message: fmt.Sprintf("bash command rejected by %s: %s", d.Layer, d.Reason)}
}

func (s *subprocessSession) Close() error {
	if s.ended {
		return nil
	}
	s.ended = true
	if s.cmd.Process != nil {
		// Kill the whole process group so tool children die too.
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	}
	_ = s.cmd.Wait()
	return nil
}

// ClassifyExec maps a subprocess exit error to an AgentError.
func ClassifyExec(err error) *AgentError {
	return &AgentError{Message: "agent cli exited: " + err.Error(), Transient: true}
}

// transientMarkers are message substrings that mark a failure retryable.
var transientMarkers = []string{
	"rate limit", "rate_limit", "overloaded", "timeout",
	"connection reset", "connection refused", "temporarily unavailable",
	"ECONNRESET", "EOF",
}

// Classify builds a typed error from a message and optional status code.
// 429 and 5xx are transient; auth and request errors are persistent.
func Classify(message string, status int) *AgentError {
	transient := status == 429 || (status >= 500 && status < 600)
	if !transient {
		lower := strings.ToLower(message)
		for _, marker := range transientMarkers {
			if strings.Contains(lower, strings.ToLower(marker)) {
				transient = true
				break
			}
		}
	}
	return &AgentError{Message: message, Status: status, Transient: transient}
}

// ArtifactExists applies the file-existence-first rule: a session that
// ended with status=error may still have produced the expected artifact,
// and a non-empty artifact counts.
func ArtifactExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
