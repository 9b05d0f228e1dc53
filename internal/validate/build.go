package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// IndexFileName is the project-index document produced by the analyzer.
// Validators never invent commands; this file is authoritative.
const IndexFileName = "project_index.json"

// ProjectIndex is the slice of the analyzer output the validators read.
type ProjectIndex struct {
	LintCommands  []string     `json:"lintCommands"`
	BuildCommands []string     `json:"buildCommands"`
	TestCommands  []string     `json:"testCommands"`
	DevServer     *DevServer   `json:"devServer,omitempty"`
	Migrations    *Migrations  `json:"migrations,omitempty"`
	OpenAPI       string       `json:"openapi,omitempty"`
	Capabilities  Capabilities `json:"capabilities"`
}

// DevServer describes how to start and reach the project's dev server.
type DevServer struct {
	Command string `json:"command"`
	Port    int    `json:"port"`
	URL     string `json:"url,omitempty"`
}

// Migrations describes how to apply schema migrations on a throwaway DB.
type Migrations struct {
	Command string `json:"command"`
	Dir     string `json:"dir,omitempty"`
}

// LoadIndex reads the project index from the private dir.
func LoadIndex(privateDir string) (*ProjectIndex, error) {
	data, err := os.ReadFile(filepath.Join(privateDir, IndexFileName))
	if err != nil {
		return nil, fmt.Errorf("project index: %w", err)
	}
	var idx ProjectIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse project index: %w", err)
	}
	return &idx, nil
}

// BuildValidator runs the index's lint, build, and test commands in
// sequence inside the worktree and reports the first failure.
type BuildValidator struct {
	Index *ProjectIndex
}

func (v *BuildValidator) Name() string { return "build" }

// Build applies to every project.
func (v *BuildValidator) Selectable(Capabilities) bool { return true }

func (v *BuildValidator) Run(ctx context.Context, rc *RunContext) Result {
	started := time.Now()
	if v.Index == nil {
		return skipped(v.Name(), "no project index", started)
	}
	var commands []string
	commands = append(commands, v.Index.LintCommands...)
	commands = append(commands, v.Index.BuildCommands...)
	commands = append(commands, v.Index.TestCommands...)
	if len(commands) == 0 {
		return skipped(v.Name(), "project index lists no commands", started)
	}
	for _, command := range commands {
		out, err := runShell(ctx, rc.WorkingDir, command)
		if err != nil {
			return Result{
				Name:     v.Name(),
				Passed:   false,
				Severity: SeverityBlocker,
				Summary:  fmt.Sprintf("command failed: %s", command),
				Evidence: map[string]any{
					"command": command,
					"output":  tail(out, 4000),
				},
				DurationMs: time.Since(started).Milliseconds(),
			}
		}
	}
	return Result{
		Name:       v.Name(),
		Passed:     true,
		Summary:    fmt.Sprintf("%d commands passed", len(commands)),
		Evidence:   map[string]any{"commands": commands},
		DurationMs: time.Since(started).Milliseconds(),
	}
}

func runShell(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// tail keeps the last n bytes of output, where the errors usually are.
func tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}
