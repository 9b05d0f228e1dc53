// Package policy implements per-agent command authorization. Every bash
// dispatch is evaluated through layered checks before it reaches the OS:
// exec-policy (security level), project allowlist, then the worktree
// mutation rules for git commands.
package policy

import (
	"fmt"
	"strings"
)

// SecurityLevel controls what an agent's bash tool may run.
type SecurityLevel string

const (
	LevelDeny      SecurityLevel = "deny"
	LevelReadonly  SecurityLevel = "readonly"
	LevelAllowlist SecurityLevel = "allowlist"
	LevelFull      SecurityLevel = "full"
)

// Decision is the structured outcome of an evaluation. A deny aborts the
// tool call; Layer and Reason flow back through the agent session.
type Decision struct {
	Allowed bool
	Layer   string // "exec-policy", "project-allowlist", "worktree-policy"
	Reason  string
}

// Deny builds a denial decision.
func deny(layer, format string, args ...any) Decision {
	return Decision{Allowed: false, Layer: layer, Reason: fmt.Sprintf(format, args...)}
}

func allow() Decision { return Decision{Allowed: true} }

// readOnlyCommands are always safe: they observe, never mutate.
var readOnlyCommands = map[string]bool{
	"cat": true, "ls": true, "grep": true, "rg": true, "find": true,
	"head": true, "tail": true, "wc": true, "jq": true, "diff": true,
	"file": true, "stat": true, "which": true, "pwd": true, "echo": true,
	"tree": true, "du": true, "sort": true, "uniq": true, "cut": true,
}

// readOnlyGitSubcommands is the git-read subset permitted at readonly level.
var readOnlyGitSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "branch": true,
	"blame": true, "rev-parse": true, "ls-files": true, "worktree": true,
}

// stackAllowlist maps detected project stacks to their tool commands.
var stackAllowlist = map[string][]string{
	"node":    {"npm", "npx", "yarn", "pnpm", "node", "tsc", "vite", "jest", "vitest", "eslint", "prettier"},
	"go":      {"go", "gofmt", "golangci-lint"},
	"rust":    {"cargo", "rustc", "rustfmt", "clippy"},
	"python":  {"python", "python3", "pip", "pip3", "pytest", "ruff", "uv", "mypy"},
	"flutter": {"flutter", "dart"},
}

// hardDeny lists commands no level may ever run.
var hardDeny = map[string]bool{
	"sudo": true, "su": true, "shutdown": true, "reboot": true, "halt": true,
	"poweroff": true, "mkfs": true, "dd": true,
}

// forbiddenGitSubcommands are the worktree mutation rules: operations that
// would advance or rewrite the main branch from inside a worktree.
var forbiddenGitSubcommands = map[string]bool{
	"merge": true, "push": true, "rebase": true,
}

// ExecPolicy is one agent's resolved command authorization.
type ExecPolicy struct {
	Level      SecurityLevel
	Stacks     []string // detected project stacks feeding the allowlist level
	ExtraAllow []string
	ExtraDeny  []string

	// InWorktree enables the git mutation rules.
	InWorktree bool
	// MainBranch is the branch checkout/reset must never target inside a
	// worktree.
	MainBranch string

	// ProjectAllow, when non-empty, is the project allowlist layer: commands
	// not in it are rejected even if the level permits them. Level full
	// defers entirely to this profile.
	ProjectAllow []string
}

// Evaluate runs all layers against a shell command line. The first
// rejecting layer wins.
func (p *ExecPolicy) Evaluate(command string) Decision {
	segments := splitSegments(command)
	if len(segments) == 0 {
		return deny("exec-policy", "empty command")
	}
	for _, seg := range segments {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		if d := p.evaluateOne(fields); !d.Allowed {
			return d
		}
	}
	return allow()
}

func (p *ExecPolicy) evaluateOne(fields []string) Decision {
	name := fields[0]

	if hardDeny[name] {
		return deny("exec-policy", "command %q is never permitted", name)
	}

	// Worktree mutation rules apply at every level, including full.
	if p.InWorktree && name == "git" {
		if d := p.checkGit(fields); !d.Allowed {
			return d
		}
	}

	for _, d := range p.ExtraDeny {
		if name == d {
			return deny("exec-policy", "command %q denied by agent profile", name)
		}
	}

	switch p.Level {
	case LevelDeny:
		return deny("exec-policy", "agent has no bash access")
	case LevelReadonly:
		if readOnlyCommands[name] {
			return allow()
		}
		if name == "git" && len(fields) > 1 && readOnlyGitSubcommands[fields[1]] {
			return allow()
		}
		return deny("exec-policy", "command %q not in read-only set", name)
	case LevelAllowlist:
		if p.inStackAllowlist(name) || p.inExtraAllow(name) || readOnlyCommands[name] || name == "git" {
			return p.checkProjectLayer(name)
		}
		return deny("exec-policy", "command %q not in stack allowlist", name)
	case LevelFull:
		return p.checkProjectLayer(name)
	}
	return deny("exec-policy", "unknown security level %q", p.Level)
}

// checkGit enforces the worktree mutation policy on one git invocation.
func (p *ExecPolicy) checkGit(fields []string) Decision {
	if len(fields) < 2 {
		return allow()
	}
	sub := fields[1]
	if forbiddenGitSubcommands[sub] {
		return deny("worktree-policy", "git %s is forbidden inside a worktree", sub)
	}
	if sub == "checkout" || sub == "switch" {
		for _, arg := range fields[2:] {
			if arg == p.MainBranch && p.MainBranch != "" {
				return deny("worktree-policy", "checkout of %s is forbidden inside a worktree", p.MainBranch)
			}
		}
	}
	if sub == "reset" {
		for _, arg := range fields[2:] {
			if arg == "--hard" {
				return deny("worktree-policy", "git reset --hard is forbidden inside a worktree")
			}
		}
	}
	return allow()
}

// checkProjectLayer applies the project allowlist hook (layer 2).
func (p *ExecPolicy) checkProjectLayer(name string) Decision {
	if len(p.ProjectAllow) == 0 {
		return allow()
	}
	for _, a := range p.ProjectAllow {
		if name == a {
			return allow()
		}
	}
	if readOnlyCommands[name] || name == "git" {
		return allow()
	}
	return deny("project-allowlist", "command %q not in project allowlist", name)
}

func (p *ExecPolicy) inStackAllowlist(name string) bool {
	for _, stack := range p.Stacks {
		for _, cmd := range stackAllowlist[stack] {
			if name == cmd {
				return true
			}
		}
	}
	return false
}

func (p *ExecPolicy) inExtraAllow(name string) bool {
	for _, a := range p.ExtraAllow {
		if name == a {
			return true
		}
	}
	return false
}

// splitSegments breaks a shell line on pipes and logical operators so
// every segment's head command is checked. Subshell and backtick
// injection vectors are not split; their operators remain in the segment
// and fail the lookup.
func splitSegments(command string) []string {
	replaced := command
	for _, op := range []string{"&&", "||", "|", ";"} {
		replaced = strings.ReplaceAll(replaced, op, "\x00")
	}
	parts := strings.Split(replaced, "\x00")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
