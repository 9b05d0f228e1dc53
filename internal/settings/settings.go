// Package settings resolves the model, thinking budget, and permission
// profile for one agent invocation. Values are layered: built-in defaults,
// then the project settings file, then per-phase overrides, then the
// task's own plan overrides. Later layers win field by field.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/go-foreman/internal/agent"
	"gopkg.in/yaml.v3"
)

// FileName is the project-local settings document under the private dir.
const FileName = "settings.yaml"

// Thinking budgets, ordered. An override may only name one of these.
var thinkingLevels = map[string]int{
	"none":   0,
	"low":    1,
	"medium": 2,
	"high":   3,
	"max":    4,
}

// Resolved is the outcome of a resolution for one agent turn.
type Resolved struct {
	Model        string
	Thinking     string
	ProjectAllow []string
	Stacks       []string
}

// Layer is one settings document. Zero fields mean "no opinion".
type Layer struct {
	Model        string              `yaml:"model"`
	Thinking     string              `yaml:"thinking"`
	ProjectAllow []string            `yaml:"project_allow"`
	Stacks       []string            `yaml:"stacks"`
	Phases       map[string]Override `yaml:"phases"`
	Agents       map[string]Override `yaml:"agents"`
}

// Override narrows a layer for one phase or one agent kind.
type Override struct {
	Model    string `yaml:"model"`
	Thinking string `yaml:"thinking"`
}

// Resolver owns the layer stack for one project.
type Resolver struct {
	defaults Layer
	project  Layer
}

// builtinDefaults is the bottom layer.
func builtinDefaults() Layer {
	return Layer{
		Model:    "default",
		Thinking: "medium",
	}
}

// NewResolver loads the project settings file if present and stacks it on
// the built-in defaults. A missing file is not an error.
func NewResolver(privateDir string) (*Resolver, error) {
	r := &Resolver{defaults: builtinDefaults()}
	path := filepath.Join(privateDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var layer Layer
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := validateLayer(&layer); err != nil {
		return nil, err
	}
	r.project = layer
	return r, nil
}

func validateLayer(l *Layer) error {
	check := func(where, thinking string) error {
		if thinking == "" {
			return nil
		}
		if _, ok := thinkingLevels[thinking]; !ok {
			return fmt.Errorf("settings: unknown thinking level %q in %s", thinking, where)
		}
		return nil
	}
	if err := check("top level", l.Thinking); err != nil {
		return err
	}
	for name, o := range l.Phases {
		if err := check("phase "+name, o.Thinking); err != nil {
			return err
		}
	}
	for name, o := range l.Agents {
		if err := check("agent "+name, o.Thinking); err != nil {
			return err
		}
	}
	return nil
}

// Resolve layers defaults, project settings, the agent's registry default,
// per-agent and per-phase overrides, and finally the plan's own override.
// planOverride comes from the task's plan document and wins outright.
func (r *Resolver) Resolve(def *agent.Definition, phase string, planOverride Override) Resolved {
	out := Resolved{
		Model:        r.defaults.Model,
		Thinking:     r.defaults.Thinking,
		ProjectAllow: r.project.ProjectAllow,
		Stacks:       r.project.Stacks,
	}
	if def != nil && def.ThinkingDefault != "" {
		out.Thinking = def.ThinkingDefault
	}
	apply := func(o Override) {
		if o.Model != "" {
			out.Model = o.Model
		}
		if o.Thinking != "" {
			out.Thinking = o.Thinking
		}
	}
	apply(Override{Model: r.project.Model, Thinking: r.project.Thinking})
	if def != nil {
		if o, ok := r.project.Agents[string(def.Kind)]; ok {
			apply(o)
		}
	}
	if o, ok := r.project.Phases[phase]; ok {
		apply(o)
	}
	apply(planOverride)
	return out
}

// ThinkingBudget maps a resolved thinking level to its numeric budget tier.
func ThinkingBudget(level string) int {
	if n, ok := thinkingLevels[level]; ok {
		return n
	}
	return thinkingLevels["medium"]
}
