package validate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// DBValidator applies the project's migrations to a throwaway schema and
// reports the first failing migration. Projects with a migration command
// get it run against a scratch database path; projects with a plain SQL
// migration directory get each file applied in order to an in-memory
// sqlite schema.
type DBValidator struct {
	Index *ProjectIndex
}

func (v *DBValidator) Name() string { return "db" }

func (v *DBValidator) Selectable(caps Capabilities) bool { return caps.HasDatabase }

func (v *DBValidator) Run(ctx context.Context, rc *RunContext) Result {
	started := time.Now()
	if v.Index == nil || v.Index.Migrations == nil {
		return skipped(v.Name(), "no migrations in project index", started)
	}
	m := v.Index.Migrations
	if m.Command != "" {
		return v.runCommand(ctx, rc, m, started)
	}
	if m.Dir != "" {
		return v.runSQLDir(ctx, rc, m, started)
	}
	return skipped(v.Name(), "migrations entry has neither command nor dir", started)
}

// runCommand executes the migration command with a scratch database.
func (v *DBValidator) runCommand(ctx context.Context, rc *RunContext, m *Migrations, started time.Time) Result {
	scratch := filepath.Join(os.TempDir(), fmt.Sprintf("foreman-migrate-%d.db", time.Now().UnixNano()))
	defer os.Remove(scratch)
	command := strings.ReplaceAll(m.Command, "{database}", scratch)
	out, err := runShell(ctx, rc.WorkingDir, command)
	if err != nil {
		return Result{
			Name:     v.Name(),
			Passed:   false,
			Severity: SeverityMajor,
			Summary:  "migration command failed",
			Evidence: map[string]any{
				"command": command,
				"output":  tail(out, 4000),
			},
			DurationMs: time.Since(started).Milliseconds(),
		}
	}
	return Result{
		Name:       v.Name(),
		Passed:     true,
		Summary:    "migrations applied cleanly",
		DurationMs: time.Since(started).Milliseconds(),
	}
}

// runSQLDir applies .sql files in lexical order to an in-memory schema.
func (v *DBValidator) runSQLDir(ctx context.Context, rc *RunContext, m *Migrations, started time.Time) Result {
	dir := m.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(rc.WorkingDir, dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return skipped(v.Name(), "migrations dir unreadable: "+err.Error(), started)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return skipped(v.Name(), "no .sql migrations found", started)
	}
	sort.Strings(files)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return skipped(v.Name(), "scratch schema: "+err.Error(), started)
	}
	defer db.Close()

	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return skipped(v.Name(), "migration unreadable: "+err.Error(), started)
		}
		if _, err := db.ExecContext(ctx, string(data)); err != nil {
			return Result{
				Name:     v.Name(),
				Passed:   false,
				Severity: SeverityMajor,
				Summary:  "first failing migration: " + name,
				Evidence: map[string]any{
					"migration": name,
					"error":     err.Error(),
				},
				DurationMs: time.Since(started).Milliseconds(),
			}
		}
	}
	return Result{
		Name:       v.Name(),
		Passed:     true,
		Summary:    fmt.Sprintf("%d migrations applied", len(files)),
		Evidence:   map[string]any{"migrations": files},
		DurationMs: time.Since(started).Milliseconds(),
	}
}
