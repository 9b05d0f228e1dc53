// Package agent holds the Agent Registry: the single source of truth for
// each agent kind's prompt, tool profile, security level, and MCP bindings.
package agent

import (
	"fmt"
	"os"
	"sync"

	"github.com/basket/go-foreman/internal/policy"
	"gopkg.in/yaml.v3"
)

// Kind names an agent role.
type Kind string

const (
	KindPlanner       Kind = "planner"
	KindCoder         Kind = "coder"
	KindQAReviewer    Kind = "qa_reviewer"
	KindQAFixer       Kind = "qa_fixer"
	KindVerifier      Kind = "verifier"
	KindDecomposer    Kind = "decomposer"
	KindMergeResolver Kind = "merge_resolver"
	KindErrorChecker  Kind = "error_checker"
	KindMCTSSearcher  Kind = "mcts_searcher"
)

// ExecutionMode selects the session driving style.
type ExecutionMode string

const (
	ModePlan     ExecutionMode = "plan"
	ModeHeadless ExecutionMode = "headless"
	ModeStandard ExecutionMode = "standard"
)

// ToolProfile bundles frequently-combined toolsets.
type ToolProfile string

const (
	ProfileMinimal  ToolProfile = "MINIMAL"
	ProfileReadonly ToolProfile = "READONLY"
	ProfileCoding   ToolProfile = "CODING"
	ProfileQA       ToolProfile = "QA"
	ProfileFull     ToolProfile = "FULL"
)

// profileTools expands a profile into its tool names.
var profileTools = map[ToolProfile][]string{
	ProfileMinimal:  {"read_file"},
	ProfileReadonly: {"read_file", "grep", "list_dir"},
	ProfileCoding:   {"read_file", "write_file", "edit_file", "grep", "list_dir", "bash"},
	ProfileQA:       {"read_file", "grep", "list_dir", "bash"},
	ProfileFull:     {"read_file", "write_file", "edit_file", "grep", "list_dir", "bash", "spawn_child_specs"},
}

// Definition is everything the session layer needs to run one agent kind.
type Definition struct {
	Kind            Kind                 `yaml:"kind"`
	Tools           []string             `yaml:"tools"`
	MCPServers      []string             `yaml:"mcp_servers"`
	ExtraTools      []string             `yaml:"extra_tools"`
	ThinkingDefault string               `yaml:"thinking_default"`
	SecurityLevel   policy.SecurityLevel `yaml:"security_level"`
	ExtraAllow      []string             `yaml:"extra_allow"`
	ExtraDeny       []string             `yaml:"extra_deny"`
	SystemPrompt    string               `yaml:"system_prompt"`
	PromptTemplate  string               `yaml:"prompt_template"`
	ExecutionMode   ExecutionMode        `yaml:"execution_mode"`
	ToolProfile     ToolProfile          `yaml:"tool_profile"`
}

// AllTools returns the profile expansion plus extras.
func (d *Definition) AllTools() []string {
	tools := append([]string{}, profileTools[d.ToolProfile]...)
	tools = append(tools, d.Tools...)
	tools = append(tools, d.ExtraTools...)
	return tools
}

// Registry maps agent kinds to definitions. Built-ins are registered at
// construction; custom agents are merged in from project config with
// duplicate rejection.
type Registry struct {
	mu     sync.RWMutex
	agents map[Kind]*Definition
	custom map[Kind]bool
}

// NewRegistry creates a registry pre-populated with the built-in agents.
func NewRegistry() *Registry {
	r := &Registry{
		agents: make(map[Kind]*Definition),
		custom: make(map[Kind]bool),
	}
	for _, def := range builtins() {
		d := def
		r.agents[d.Kind] = &d
	}
	return r
}

func builtins() []Definition {
	return []Definition{
		{
			Kind:            KindPlanner,
			ToolProfile:     ProfileReadonly,
			SecurityLevel:   policy.LevelReadonly,
			ExecutionMode:   ModePlan,
			ThinkingDefault: "high",
			SystemPrompt:    "You plan implementation work. Read the spec and repository, then produce a phased implementation plan with concrete subtasks.",
		},
		{
			Kind:            KindCoder,
			ToolProfile:     ProfileCoding,
			SecurityLevel:   policy.LevelAllowlist,
			ExecutionMode:   ModeHeadless,
			ThinkingDefault: "medium",
			SystemPrompt:    "You implement the current subtask inside an isolated worktree. Commit with git add and git commit only.",
		},
		{
			Kind:            KindQAReviewer,
			ToolProfile:     ProfileQA,
			SecurityLevel:   policy.LevelReadonly,
			ExecutionMode:   ModeHeadless,
			ThinkingDefault: "high",
			SystemPrompt:    "You review an implementation against its spec using the validator evidence provided. Output approved or rejected with concrete issues.",
		},
		{
			Kind:            KindQAFixer,
			ToolProfile:     ProfileCoding,
			SecurityLevel:   policy.LevelAllowlist,
			ExecutionMode:   ModeHeadless,
			ThinkingDefault: "medium",
			SystemPrompt:    "You fix the issues listed in QA_FIX_REQUEST.md and commit the fixes.",
		},
		{
			Kind:            KindVerifier,
			ToolProfile:     ProfileQA,
			SecurityLevel:   policy.LevelAllowlist,
			ExecutionMode:   ModeHeadless,
			ThinkingDefault: "medium",
			SystemPrompt:    "You verify a completed task end to end: build, tests, runtime. Spawn error_check tasks for anything broken.",
			ExtraTools:      []string{"spawn_child_specs"},
		},
		{
			Kind:            KindDecomposer,
			ToolProfile:     ProfileReadonly,
			SecurityLevel:   policy.LevelReadonly,
			ExecutionMode:   ModePlan,
			ThinkingDefault: "high",
			SystemPrompt:    "You decompose a design task into a batch of child specs with batch-indexed dependencies.",
			ExtraTools:      []string{"spawn_child_specs"},
		},
		{
			Kind:            KindMergeResolver,
			ToolProfile:     ProfileCoding,
			SecurityLevel:   policy.LevelAllowlist,
			ExecutionMode:   ModeHeadless,
			ThinkingDefault: "medium",
			SystemPrompt:    "You resolve merge conflicts, preserving both sides' intent. Never discard changes silently.",
			ExtraDeny:       []string{"push"},
		},
		{
			Kind:            KindErrorChecker,
			ToolProfile:     ProfileCoding,
			SecurityLevel:   policy.LevelAllowlist,
			ExecutionMode:   ModeHeadless,
			ThinkingDefault: "medium",
			SystemPrompt:    "You fix the specific errors recorded by a failed verify run.",
		},
		{
			Kind:            KindMCTSSearcher,
			ToolProfile:     ProfileFull,
			SecurityLevel:   policy.LevelAllowlist,
			ExecutionMode:   ModeHeadless,
			ThinkingDefault: "high",
			SystemPrompt:    "You explore candidate implementations and score them; the best candidate is merged.",
		},
	}
}

// Get returns the definition for a kind.
func (r *Registry) Get(kind Kind) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[kind]
	if !ok {
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}
	return def, nil
}

// Kinds returns all registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.agents))
	for k := range r.agents {
		out = append(out, k)
	}
	return out
}

// IsCustom reports whether the kind came from project config.
func (r *Registry) IsCustom(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.custom[kind]
}

// customAgentsFile is the YAML document shape for project-local agents.
type customAgentsFile struct {
	Agents []Definition `yaml:"agents"`
}

// LoadCustom merges agent definitions from a project-local YAML file.
// Names colliding with built-ins are rejected; the file as a whole fails
// so a partial merge never happens.
func (r *Registry) LoadCustom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read custom agents: %w", err)
	}
	var f customAgentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse custom agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range f.Agents {
		if def.Kind == "" {
			return fmt.Errorf("custom agent with empty kind")
		}
		if _, exists := r.agents[def.Kind]; exists {
			return fmt.Errorf("custom agent %q collides with a built-in", def.Kind)
		}
	}
	for _, def := range f.Agents {
		d := def
		if d.ToolProfile == "" {
			d.ToolProfile = ProfileMinimal
		}
		if d.SecurityLevel == "" {
			d.SecurityLevel = policy.LevelReadonly
		}
		r.agents[d.Kind] = &d
		r.custom[d.Kind] = true
	}
	return nil
}

// ExecPolicyFor builds the layered exec policy for one agent running in
// the given worktree context.
func (r *Registry) ExecPolicyFor(kind Kind, stacks []string, inWorktree bool, mainBranch string, projectAllow []string) (*policy.ExecPolicy, error) {
	def, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return &policy.ExecPolicy{
		Level:        def.SecurityLevel,
		Stacks:       stacks,
		ExtraAllow:   def.ExtraAllow,
		ExtraDeny:    def.ExtraDeny,
		InWorktree:   inWorktree,
		MainBranch:   mainBranch,
		ProjectAllow: projectAllow,
	}, nil
}
