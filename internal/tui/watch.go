// Package tui renders the live daemon dashboard for `foreman watch`.
// It reads the status file each tick and rides the websocket hint
// channel for immediate refreshes.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"

	"github.com/basket/go-foreman/internal/status"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	queueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	statusPath string
	snap       *status.Snapshot
	readErr    error
}

type tickMsg time.Time

// refreshMsg arrives on every websocket change hint.
type refreshMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.reload()
		return m, tickCmd()
	case refreshMsg:
		m.reload()
		return m, nil
	}
	return m, nil
}

func (m *model) reload() {
	snap, err := status.ReadFile(m.statusPath)
	if err != nil {
		m.readErr = err
		return
	}
	m.snap, m.readErr = snap, nil
}

func (m model) View() string {
	var out strings.Builder
	out.WriteString(titleStyle.Render("foreman") + "\n\n")

	if m.readErr != nil {
		out.WriteString(errStyle.Render(fmt.Sprintf("status unavailable: %v", m.readErr)) + "\n")
		out.WriteString(dimStyle.Render("is the daemon running in this project?") + "\n")
		return out.String()
	}
	if m.snap == nil {
		out.WriteString(dimStyle.Render("waiting for status...") + "\n")
		return out.String()
	}

	snap := m.snap
	state := "running"
	if !snap.Running {
		state = "stopped"
	}
	out.WriteString(headerStyle.Render(fmt.Sprintf("daemon %s · started %s · updated %s", state, snap.StartedAt, snap.Timestamp)) + "\n\n")

	out.WriteString(headerStyle.Render(fmt.Sprintf("── Running (%d) ──", snap.Stats.Running)) + "\n")
	if len(snap.RunningTasks) == 0 {
		out.WriteString(dimStyle.Render("  (idle)") + "\n")
	}
	ids := make([]string, 0, len(snap.RunningTasks))
	for id := range snap.RunningTasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rt := snap.RunningTasks[id]
		line := fmt.Sprintf("  ▶ %s [%s] %s pid %d", id, rt.Kind, rt.Status, rt.PID)
		if rt.CurrentSubtask != "" {
			line += " — " + rt.CurrentSubtask
		}
		out.WriteString(runStyle.Render(line) + "\n")
	}

	out.WriteString("\n" + headerStyle.Render(fmt.Sprintf("── Queued (%d) ──", snap.Stats.Queued)) + "\n")
	if len(snap.QueuedTasks) == 0 {
		out.WriteString(dimStyle.Render("  (empty)") + "\n")
	}
	for _, qt := range snap.QueuedTasks {
		out.WriteString(queueStyle.Render(fmt.Sprintf("  · %s (p%d)", qt.SpecID, qt.Priority)) + "\n")
	}

	out.WriteString("\n" + dimStyle.Render(fmt.Sprintf("completed: %d · press q to quit", snap.Stats.Completed)) + "\n")
	return out.String()
}

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, statusPath string) error {
	defer bestEffortResetTTY()

	m := model{statusPath: statusPath}
	m.reload()
	p := tea.NewProgram(m)

	wsCtx, cancelWS := context.WithCancel(ctx)
	defer cancelWS()
	go followHints(wsCtx, statusPath, func() { p.Send(refreshMsg{}) })

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// followHints keeps a websocket subscription to the daemon's change
// hints, reconnecting as the daemon comes and goes.
func followHints(ctx context.Context, statusPath string, onHint func()) {
	for {
		if ctx.Err() != nil {
			return
		}
		port := wsPortFromFile(statusPath)
		if port == 0 {
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}
		conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
		if err != nil {
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				break
			}
			onHint()
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func wsPortFromFile(statusPath string) int {
	snap, err := status.ReadFile(statusPath)
	if err != nil || snap.WSPort == nil {
		return 0
	}
	return *snap.WSPort
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
