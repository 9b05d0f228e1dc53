package policy

import "testing"

func TestLevelDeny_BlocksEverything(t *testing.T) {
	p := &ExecPolicy{Level: LevelDeny}
	if d := p.Evaluate("ls"); d.Allowed {
		t.Fatal("deny level allowed ls")
	}
}

func TestLevelReadonly(t *testing.T) {
	p := &ExecPolicy{Level: LevelReadonly}
	allowed := []string{"cat foo.go", "ls -la", "grep -r TODO .", "git status", "git log --oneline", "jq .kind plan.json"}
	for _, cmd := range allowed {
		if d := p.Evaluate(cmd); !d.Allowed {
			t.Fatalf("readonly rejected %q: %s", cmd, d.Reason)
		}
	}
	denied := []string{"npm install", "rm -rf /", "git commit -m x", "curl http://x"}
	for _, cmd := range denied {
		if d := p.Evaluate(cmd); d.Allowed {
			t.Fatalf("readonly allowed %q", cmd)
		}
	}
}

func TestLevelAllowlist_Stacks(t *testing.T) {
	p := &ExecPolicy{Level: LevelAllowlist, Stacks: []string{"node", "go"}}
	for _, cmd := range []string{"npm run build", "go test ./...", "git add -A", "cat README.md"} {
		if d := p.Evaluate(cmd); !d.Allowed {
			t.Fatalf("allowlist rejected %q: %s", cmd, d.Reason)
		}
	}
	if d := p.Evaluate("cargo build"); d.Allowed {
		t.Fatal("cargo allowed without rust stack")
	}
}

func TestExtraAllowAndDeny(t *testing.T) {
	p := &ExecPolicy{Level: LevelAllowlist, Stacks: []string{"node"}, ExtraAllow: []string{"make"}, ExtraDeny: []string{"npx"}}
	if d := p.Evaluate("make build"); !d.Allowed {
		t.Fatalf("extraAllow ignored: %s", d.Reason)
	}
	if d := p.Evaluate("npx something"); d.Allowed {
		t.Fatal("extraDeny ignored")
	}
}

func TestWorktreeMutationPolicy(t *testing.T) {
	p := &ExecPolicy{Level: LevelFull, InWorktree: true, MainBranch: "main"}
	forbidden := []string{
		"git merge feature",
		"git push origin main",
		"git rebase main",
		"git checkout main",
		"git reset --hard HEAD~1",
	}
	for _, cmd := range forbidden {
		d := p.Evaluate(cmd)
		if d.Allowed {
			t.Fatalf("worktree policy allowed %q", cmd)
		}
		if d.Layer != "worktree-policy" {
			t.Fatalf("layer = %q for %q", d.Layer, cmd)
		}
	}
	allowed := []string{"git add -A", "git commit -m fix", "git status", "git diff", "git checkout -b auto/001-x"}
	for _, cmd := range allowed {
		if d := p.Evaluate(cmd); !d.Allowed {
			t.Fatalf("worktree policy rejected %q: %s", cmd, d.Reason)
		}
	}
}

func TestWorktreePolicy_AppliesAtFullLevel(t *testing.T) {
	// Level full defers to the project profile but still cannot merge.
	p := &ExecPolicy{Level: LevelFull, InWorktree: true, MainBranch: "main", ProjectAllow: []string{"git"}}
	if d := p.Evaluate("git merge other"); d.Allowed {
		t.Fatal("full level bypassed worktree policy")
	}
}

func TestHardDeny_EveryLevel(t *testing.T) {
	for _, level := range []SecurityLevel{LevelDeny, LevelReadonly, LevelAllowlist, LevelFull} {
		p := &ExecPolicy{Level: level}
		if d := p.Evaluate("sudo rm -rf /"); d.Allowed {
			t.Fatalf("level %s allowed sudo", level)
		}
	}
}

func TestPipelineSegments_AllChecked(t *testing.T) {
	p := &ExecPolicy{Level: LevelReadonly}
	if d := p.Evaluate("cat x | grep y"); !d.Allowed {
		t.Fatalf("piped read-only rejected: %s", d.Reason)
	}
	if d := p.Evaluate("cat x && rm y"); d.Allowed {
		t.Fatal("rm hidden behind && allowed")
	}
}

func TestProjectAllowlistLayer(t *testing.T) {
	p := &ExecPolicy{Level: LevelFull, ProjectAllow: []string{"npm"}}
	if d := p.Evaluate("npm test"); !d.Allowed {
		t.Fatalf("project allowlist rejected npm: %s", d.Reason)
	}
	d := p.Evaluate("cargo build")
	if d.Allowed {
		t.Fatal("command outside project allowlist allowed")
	}
	if d.Layer != "project-allowlist" {
		t.Fatalf("layer = %q", d.Layer)
	}
}
