// Package config holds the daemon configuration: defaults, the optional
// project-local config.yaml, and environment overrides. Precedence is
// defaults < config.yaml < CLI flags < environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultMaxConcurrent  = 1
	DefaultStuckTimeout   = 600 * time.Second
	DefaultRescanInterval = 60 * time.Second
	DefaultMaxRecovery    = 3
	DefaultMaxChildDepth  = 2
	DefaultMaxQAIters     = 3
	DefaultDrainGrace     = 30 * time.Second

	// PrivateDirName is the project-local directory all daemon state lives in.
	PrivateDirName = ".auto-claude"
)

// TelegramConfig configures the optional terminal-state notifier.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

// OTelConfig configures metrics export.
type OTelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Config is the resolved daemon configuration.
type Config struct {
	ProjectDir string `yaml:"-"`

	MaxConcurrent  int  `yaml:"max_concurrent"`
	UseWorktrees   bool `yaml:"use_worktrees"`
	MaxRecovery    int  `yaml:"max_recovery"`
	MaxChildDepth  int  `yaml:"max_child_depth"`
	MaxQAIters     int  `yaml:"max_qa_iterations"`
	MaxVerifyTries int  `yaml:"max_verify_attempts"`

	StuckTimeoutSec   int `yaml:"stuck_timeout_seconds"`
	RescanIntervalSec int `yaml:"rescan_interval_seconds"`
	DrainGraceSec     int `yaml:"drain_grace_seconds"`

	// StatusFile overrides the default status file path when non-empty.
	StatusFile string `yaml:"status_file"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// HeadlessBrowser forces the browser validator headless.
	HeadlessBrowser bool `yaml:"headless_browser"`
	// MarionetteDisabled disables the Flutter widget bridge.
	MarionetteDisabled bool `yaml:"marionette_disabled"`

	// BaseBranch is the branch worktrees detach from. Empty means the
	// repository's current HEAD branch.
	BaseBranch string `yaml:"base_branch"`

	Telegram TelegramConfig `yaml:"telegram"`
	OTel     OTelConfig     `yaml:"otel"`
}

// Default returns a Config with all defaults applied for the given project.
func Default(projectDir string) *Config {
	return &Config{
		ProjectDir:        projectDir,
		MaxConcurrent:     DefaultMaxConcurrent,
		MaxRecovery:       DefaultMaxRecovery,
		MaxChildDepth:     DefaultMaxChildDepth,
		MaxQAIters:        DefaultMaxQAIters,
		MaxVerifyTries:    3,
		StuckTimeoutSec:   int(DefaultStuckTimeout / time.Second),
		RescanIntervalSec: int(DefaultRescanInterval / time.Second),
		DrainGraceSec:     int(DefaultDrainGrace / time.Second),
		LogLevel:          "info",
	}
}

// Load reads the project's config.yaml (if present) on top of defaults,
// then applies environment overrides.
func Load(projectDir string) (*Config, error) {
	cfg := Default(projectDir)

	path := filepath.Join(projectDir, PrivateDirName, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.ProjectDir = projectDir

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies the documented environment overrides. Callers that
// layer CLI flags on top of a loaded config must call this again after:
// environment wins over everything, flags included.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MAX_CHILD_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MaxChildDepth = n
		}
	}
	if os.Getenv("HEADLESS_BROWSER") == "true" {
		c.HeadlessBrowser = true
	}
	if os.Getenv("MARIONETTE_DISABLED") == "true" {
		c.MarionetteDisabled = true
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.ProjectDir == "" {
		return fmt.Errorf("project dir is required")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be >= 0, got %d", c.MaxConcurrent)
	}
	if c.MaxRecovery < 0 {
		return fmt.Errorf("max_recovery must be >= 0, got %d", c.MaxRecovery)
	}
	if c.MaxChildDepth < 0 {
		return fmt.Errorf("max_child_depth must be >= 0, got %d", c.MaxChildDepth)
	}
	if c.StuckTimeoutSec <= 0 {
		return fmt.Errorf("stuck_timeout_seconds must be > 0, got %d", c.StuckTimeoutSec)
	}
	if c.RescanIntervalSec <= 0 {
		return fmt.Errorf("rescan_interval_seconds must be > 0, got %d", c.RescanIntervalSec)
	}
	return nil
}

// PrivateDir returns {project}/.auto-claude.
func (c *Config) PrivateDir() string {
	return filepath.Join(c.ProjectDir, PrivateDirName)
}

// SpecsDir returns the directory the daemon watches for task specs.
func (c *Config) SpecsDir() string {
	return filepath.Join(c.PrivateDir(), "specs")
}

// WorktreesDir returns the root of per-task isolated working copies.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.PrivateDir(), "worktrees", "tasks")
}

// StatusFilePath returns the resolved status file path.
func (c *Config) StatusFilePath() string {
	if c.StatusFile != "" {
		return c.StatusFile
	}
	return filepath.Join(c.PrivateDir(), "daemon_status.json")
}

// LockFilePath returns the daemon lock file path.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.PrivateDir(), "daemon.pid")
}

// HistoryDBPath returns the run-history sqlite database path.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.PrivateDir(), "history.db")
}

// StuckTimeout returns the stuck detection window.
func (c *Config) StuckTimeout() time.Duration {
	return time.Duration(c.StuckTimeoutSec) * time.Second
}

// RescanInterval returns the full-rescan period.
func (c *Config) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalSec) * time.Second
}

// DrainGrace returns how long Stop waits for running tasks before killing.
func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.DrainGraceSec) * time.Second
}
