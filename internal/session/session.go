// Package session abstracts one agent conversation. The daemon core never
// talks to an LLM directly: it consumes a finite stream of typed events
// from a Session and reacts to them. The concrete transport is an external
// agent CLI driven as a subprocess.
package session

import (
	"context"

	"github.com/basket/go-foreman/internal/agent"
	"github.com/basket/go-foreman/internal/policy"
)

// EventType tags one session event.
type EventType string

const (
	EventSessionStart  EventType = "session_start"
	EventAssistantText EventType = "assistant_text"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventSessionEnd    EventType = "session_end"
)

// Event is one element of the session stream.
type Event struct {
	Type EventType

	// AssistantText
	Text string

	// ToolCall / ToolResult
	ToolName  string
	ToolInput map[string]any
	ToolOut   string
	ToolErr   bool

	// SessionEnd
	End *EndSummary
}

// EndSummary closes the stream.
type EndSummary struct {
	Status    string // "success", "error", "cancelled"
	TokensIn  int64
	TokensOut int64
	ToolCount int
}

// Request describes one agent turn.
type Request struct {
	AgentKind  agent.Kind
	WorkingDir string
	SpecDir    string
	Model      string
	Thinking   int
	Tools      []string
	Prompt     string
	System     string

	// Policy gates every bash tool call of this session. The level and
	// allowlist are forwarded to the agent CLI, and the session itself
	// re-evaluates every tool_call event: a denied command kills the
	// session with a persistent error.
	Policy *policy.ExecPolicy
}

// Session yields events until SessionEnd or cancellation. Next returns
// (nil, nil) only after the stream is exhausted.
type Session interface {
	Next(ctx context.Context) (*Event, error)
	Close() error
}

// Runner opens sessions. The daemon holds exactly one Runner.
type Runner interface {
	Open(ctx context.Context, req Request) (Session, error)
}

// AgentError is the typed failure of a session or a single turn.
type AgentError struct {
	Message   string
	Status    int // HTTP-ish status when known, 0 otherwise
	Transient bool
}

func (e *AgentError) Error() string { return e.Message }

// IsTransient reports whether err is an AgentError marked transient.
func IsTransient(err error) bool {
	ae, ok := err.(*AgentError)
	return ok && ae.Transient
}
