package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-foreman/internal/policy"
)

func TestRegistry_Builtins(t *testing.T) {
	r := NewRegistry()
	for _, kind := range []Kind{KindPlanner, KindCoder, KindQAReviewer, KindQAFixer, KindVerifier, KindDecomposer, KindMergeResolver} {
		def, err := r.Get(kind)
		if err != nil {
			t.Fatalf("Get(%s): %v", kind, err)
		}
		if def.SecurityLevel == "" {
			t.Fatalf("%s has no security level", kind)
		}
	}
	if _, err := r.Get("nope"); err == nil {
		t.Fatal("unknown kind did not error")
	}
}

func TestRegistry_PlannerIsReadOnly(t *testing.T) {
	r := NewRegistry()
	def, _ := r.Get(KindPlanner)
	if def.SecurityLevel != policy.LevelReadonly {
		t.Fatalf("planner level = %s", def.SecurityLevel)
	}
	if def.ExecutionMode != ModePlan {
		t.Fatalf("planner mode = %s", def.ExecutionMode)
	}
}

func TestAllTools_ExpandsProfile(t *testing.T) {
	r := NewRegistry()
	def, _ := r.Get(KindCoder)
	tools := def.AllTools()
	var hasBash, hasWrite bool
	for _, tool := range tools {
		if tool == "bash" {
			hasBash = true
		}
		if tool == "write_file" {
			hasWrite = true
		}
	}
	if !hasBash || !hasWrite {
		t.Fatalf("coder tools incomplete: %v", tools)
	}
}

func TestLoadCustom_Merge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	doc := `agents:
  - kind: security_auditor
    tool_profile: READONLY
    security_level: readonly
    system_prompt: Audit the diff for security issues.
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	if err := r.LoadCustom(path); err != nil {
		t.Fatalf("LoadCustom: %v", err)
	}
	def, err := r.Get("security_auditor")
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsCustom("security_auditor") {
		t.Fatal("custom flag not set")
	}
	if def.SecurityLevel != policy.LevelReadonly {
		t.Fatalf("level = %s", def.SecurityLevel)
	}
}

func TestLoadCustom_RejectsBuiltinCollision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	doc := "agents:\n  - kind: coder\n    system_prompt: override\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	if err := r.LoadCustom(path); err == nil {
		t.Fatal("builtin collision not rejected")
	}
	// Built-in must be untouched.
	def, _ := r.Get(KindCoder)
	if def.SystemPrompt == "override" {
		t.Fatal("builtin overwritten despite rejection")
	}
}

func TestLoadCustom_MissingFileIsFine(t *testing.T) {
	r := NewRegistry()
	if err := r.LoadCustom(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("missing file errored: %v", err)
	}
}

func TestExecPolicyFor_WiresWorktreeRules(t *testing.T) {
	r := NewRegistry()
	pol, err := r.ExecPolicyFor(KindCoder, []string{"go"}, true, "main", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d := pol.Evaluate("git push origin main"); d.Allowed {
		t.Fatal("worktree rules not wired")
	}
	if d := pol.Evaluate("go test ./..."); !d.Allowed {
		t.Fatalf("stack command rejected: %s", d.Reason)
	}
}
