package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrent != 1 {
		t.Fatalf("MaxConcurrent = %d, want 1", cfg.MaxConcurrent)
	}
	if cfg.MaxRecovery != 3 {
		t.Fatalf("MaxRecovery = %d, want 3", cfg.MaxRecovery)
	}
	if cfg.MaxChildDepth != 2 {
		t.Fatalf("MaxChildDepth = %d, want 2", cfg.MaxChildDepth)
	}
	if cfg.StuckTimeoutSec != 600 {
		t.Fatalf("StuckTimeoutSec = %d, want 600", cfg.StuckTimeoutSec)
	}
	if cfg.RescanIntervalSec != 60 {
		t.Fatalf("RescanIntervalSec = %d, want 60", cfg.RescanIntervalSec)
	}
}

func TestLoad_YAMLOverride(t *testing.T) {
	dir := t.TempDir()
	private := filepath.Join(dir, PrivateDirName)
	if err := os.MkdirAll(private, 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "max_concurrent: 3\nuse_worktrees: true\nlog_level: debug\n"
	if err := os.WriteFile(filepath.Join(private, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrent != 3 {
		t.Fatalf("MaxConcurrent = %d, want 3", cfg.MaxConcurrent)
	}
	if !cfg.UseWorktrees {
		t.Fatal("UseWorktrees not applied")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_CHILD_DEPTH", "4")
	t.Setenv("HEADLESS_BROWSER", "true")
	t.Setenv("MARIONETTE_DISABLED", "true")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxChildDepth != 4 {
		t.Fatalf("MaxChildDepth = %d, want 4", cfg.MaxChildDepth)
	}
	if !cfg.HeadlessBrowser || !cfg.MarionetteDisabled {
		t.Fatal("env toggles not applied")
	}
}

func TestApplyEnv_OutranksFlagOverride(t *testing.T) {
	t.Setenv("MAX_CHILD_DEPTH", "4")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// A CLI flag layered after Load must still lose to the environment.
	cfg.MaxChildDepth = 7
	cfg.ApplyEnv()
	if cfg.MaxChildDepth != 4 {
		t.Fatalf("MaxChildDepth = %d, want 4", cfg.MaxChildDepth)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	dir := t.TempDir()
	private := filepath.Join(dir, PrivateDirName)
	if err := os.MkdirAll(private, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(private, "config.yaml"), []byte("max_concurrent: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.MaxConcurrent = -1 },
		func(c *Config) { c.MaxRecovery = -1 },
		func(c *Config) { c.MaxChildDepth = -1 },
		func(c *Config) { c.StuckTimeoutSec = 0 },
		func(c *Config) { c.RescanIntervalSec = 0 },
	}
	for i, mutate := range cases {
		cfg := Default("/tmp/p")
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestPaths(t *testing.T) {
	cfg := Default("/proj")
	if got := cfg.SpecsDir(); got != filepath.Join("/proj", PrivateDirName, "specs") {
		t.Fatalf("SpecsDir = %s", got)
	}
	if got := cfg.StatusFilePath(); got != filepath.Join("/proj", PrivateDirName, "daemon_status.json") {
		t.Fatalf("StatusFilePath = %s", got)
	}
	cfg.StatusFile = "/custom/status.json"
	if got := cfg.StatusFilePath(); got != "/custom/status.json" {
		t.Fatalf("StatusFilePath override = %s", got)
	}
}
