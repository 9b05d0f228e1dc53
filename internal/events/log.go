// Package events implements the per-task append-only event journal.
// Each task directory holds an events.jsonl file; one JSON object per
// line with a dense, strictly increasing sequence number.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/shared"
)

// Well-known event kinds.
const (
	KindAgentSessionStart = "AGENT_SESSION_START"
	KindAgentSessionEnd   = "AGENT_SESSION_END"
	KindSubtaskUpdated    = "SUBTASK_UPDATED"
	KindPhaseCompleted    = "PHASE_COMPLETED"
	KindQAPassed          = "QA_PASSED"
	KindQAFailed          = "QA_FAILED"
	KindTaskEvent         = "TASK_EVENT"
	KindStageStarted      = "STAGE_STARTED"
	KindStageCompleted    = "STAGE_COMPLETED"
	KindStageRetried      = "STAGE_RETRIED"
	KindStageFailed       = "STAGE_FAILED"
	KindErrorCaught       = "ERROR_CAUGHT"
)

// FileName is the journal file name inside a spec directory.
const FileName = "events.jsonl"

// Event is one journal record.
type Event struct {
	Sequence int64          `json:"sequence"`
	TS       string         `json:"ts"`
	Kind     string         `json:"kind"`
	Payload  map[string]any `json:"payload"`
}

// Log appends events for one task. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	next int64

	// onAppend, when set, is invoked after every successful append.
	// The daemon uses it as a heartbeat signal.
	onAppend func(Event)
}

// Open opens (or creates) the journal inside specDir and positions the
// sequence counter after the last complete record.
func Open(specDir string) (*Log, error) {
	path := filepath.Join(specDir, FileName)
	last, err := lastSequence(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Log{path: path, file: f, next: last + 1}, nil
}

// SetOnAppend registers a callback fired after each append.
func (l *Log) SetOnAppend(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = fn
}

// Append writes one event and returns it with its assigned sequence.
// Payload strings are redacted before hitting disk.
func (l *Log) Append(kind string, payload map[string]any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	clean := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			clean[k] = shared.Redact(s)
		} else {
			clean[k] = v
		}
	}

	ev := Event{
		Sequence: l.next,
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
		Kind:     kind,
		Payload:  clean,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	l.next++
	if l.onAppend != nil {
		l.onAppend(ev)
	}
	return ev, nil
}

// NextSequence returns the sequence the next append will receive.
func (l *Log) NextSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Read returns all events in specDir with Sequence > after.
// A truncated trailing line (crash mid-append) is tolerated and skipped.
func Read(specDir string, after int64) ([]Event, error) {
	path := filepath.Join(specDir, FileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			// Truncated or garbage trailing line.
			continue
		}
		if ev.Sequence > after {
			out = append(out, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return out, nil
}

// lastSequence scans the journal for the highest complete sequence.
func lastSequence(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var last int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Sequence > last {
			last = ev.Sequence
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan event log: %w", err)
	}
	return last, nil
}
