// Package status publishes the daemon's view of the world two ways: an
// atomically written JSON status file for any reader, and a loopback
// WebSocket that pushes a snapshot on connect and lightweight change
// hints afterwards. The daemon process is the only writer.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Port range for the WebSocket listener; first free wins.
const (
	PortMin = 18800
	PortMax = 18809
)

// RunningTask is one entry of the snapshot's runningTasks map.
type RunningTask struct {
	SpecDir        string `json:"specDir"`
	PID            int    `json:"pid"`
	Status         string `json:"status"`
	StartedAt      string `json:"startedAt"`
	LastUpdate     string `json:"lastUpdate"`
	IsRunning      bool   `json:"isRunning"`
	Kind           string `json:"kind"`
	CurrentSubtask string `json:"currentSubtask,omitempty"`
	Phase          string `json:"phase,omitempty"`
	Session        string `json:"session,omitempty"`
}

// QueuedTask is one entry of the snapshot's queue listing.
type QueuedTask struct {
	SpecID   string `json:"specId"`
	Priority int    `json:"priority"`
}

// AttentionTask is a quarantined task a human must look at.
type AttentionTask struct {
	SpecID string `json:"specId"`
	Reason string `json:"reason"`
}

// Stats summarizes the snapshot.
type Stats struct {
	Running   int `json:"running"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
}

// Snapshot is the published daemon state. runningTasks and queuedTasks
// are disjoint by construction.
type Snapshot struct {
	Running        bool                   `json:"running"`
	StartedAt      string                 `json:"startedAt"`
	RunningTasks   map[string]RunningTask `json:"runningTasks"`
	QueuedTasks    []QueuedTask           `json:"queuedTasks"`
	NeedsAttention []AttentionTask        `json:"needsAttention,omitempty"`
	Stats          Stats                  `json:"stats"`
	WSPort         *int                   `json:"wsPort"`
	Timestamp      string                 `json:"timestamp"`
}

// changeHint is the post-write broadcast; clients re-read the file.
type changeHint struct {
	Kind string `json:"kind"`
	TS   string `json:"ts"`
}

// Bridge owns the status file and the WebSocket listener.
type Bridge struct {
	log  *slog.Logger
	path string

	mu      sync.Mutex
	conns   map[*websocket.Conn]chan struct{}
	last    *Snapshot
	server  *http.Server
	wsPort  int
	stopped chan struct{}
}

// NewBridge creates a bridge writing to the given status file path.
func NewBridge(log *slog.Logger, path string) *Bridge {
	return &Bridge{
		log:     log.With("component", "status"),
		path:    path,
		conns:   make(map[*websocket.Conn]chan struct{}),
		stopped: make(chan struct{}),
	}
}

// WSPort reports the bound port, 0 before Start.
func (b *Bridge) WSPort() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wsPort
}

// Start binds the WebSocket listener on the first free loopback port in
// [PortMin, PortMax]. All ten ports busy is not fatal: the file remains.
func (b *Bridge) Start(ctx context.Context) error {
	var listener net.Listener
	var port int
	for p := PortMin; p <= PortMax; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			listener, port = l, p
			break
		}
	}
	if listener == nil {
		b.log.Warn("no free websocket port, file-only mode", "range", fmt.Sprintf("%d-%d", PortMin, PortMax))
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleWS)
	srv := &http.Server{Handler: mux}

	b.mu.Lock()
	b.server = srv
	b.wsPort = port
	b.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.log.Error("websocket server stopped", "error", err)
		}
	}()
	b.log.Info("status websocket listening", "port", port)
	return nil
}

// Stop shuts the listener and closes all connections.
func (b *Bridge) Stop(ctx context.Context) {
	close(b.stopped)
	b.mu.Lock()
	srv := b.server
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "daemon stopping")
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Loopback only; no origin restrictions needed.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	done := make(chan struct{})
	b.mu.Lock()
	b.conns[conn] = done
	snapshot := b.last
	b.mu.Unlock()

	ctx := r.Context()
	// Initial snapshot on connect, same shape as the file.
	if snapshot != nil {
		if err := wsjson.Write(ctx, conn, snapshot); err != nil {
			b.drop(conn)
			return
		}
	}
	// No request/response protocol: hold until the peer goes away.
	go func() {
		defer b.drop(conn)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-b.stopped:
	case <-ctx.Done():
	}
}

func (b *Bridge) drop(conn *websocket.Conn) {
	b.mu.Lock()
	if done, ok := b.conns[conn]; ok {
		delete(b.conns, conn)
		close(done)
	}
	b.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// Publish writes the snapshot to the file atomically, then broadcasts a
// change hint. The broadcast always fires after the file write.
func (b *Bridge) Publish(snapshot *Snapshot) error {
	now := time.Now().UTC().Format(time.RFC3339)
	snapshot.Timestamp = now
	b.mu.Lock()
	if b.wsPort != 0 {
		port := b.wsPort
		snapshot.WSPort = &port
	}
	b.mu.Unlock()
	sort.Slice(snapshot.QueuedTasks, func(i, j int) bool {
		a, c := snapshot.QueuedTasks[i], snapshot.QueuedTasks[j]
		if a.Priority != c.Priority {
			return a.Priority < c.Priority
		}
		return a.SpecID < c.SpecID
	})

	if err := b.writeFile(snapshot); err != nil {
		return err
	}

	b.mu.Lock()
	b.last = snapshot
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	hint := changeHint{Kind: "status_update", TS: now}
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := wsjson.Write(ctx, c, hint); err != nil {
			b.drop(c)
		}
		cancel()
	}
	return nil
}

// writeFile is temp-plus-rename: a reader never sees a partial snapshot.
func (b *Bridge) writeFile(snapshot *Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("status dir: %w", err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(b.path), uuid.NewString()[:8]))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ReadFile loads the published snapshot, for clients and the watch TUI.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse status file: %w", err)
	}
	return &s, nil
}
