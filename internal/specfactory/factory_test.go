package specfactory

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-foreman/internal/plan"
)

func testFactory(t *testing.T) *Factory {
	t.Helper()
	return &Factory{
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		SpecsDir: t.TempDir(),
	}
}

func seedParent(t *testing.T, f *Factory, id string) {
	t.Helper()
	dir := filepath.Join(f.SpecsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := &plan.Plan{Kind: plan.KindDesign, Priority: 1, DependsOn: []string{}}
	p.SetStatus("in_progress", "planning")
	if err := plan.Save(dir, p); err != nil {
		t.Fatal(err)
	}
}

func TestCreateBatch_TwoPassResolution(t *testing.T) {
	f := testFactory(t)
	seedParent(t, f, "001-build-app")

	batch := []ChildSpec{
		{Task: "Create user model", Priority: 1, Kind: "database"},
		{Task: "Create auth API", Priority: 1, Kind: "api", DependsOn: StringList{"1"}},
		{Task: "Create login page", Priority: 2, Kind: "frontend", DependsOn: StringList{"1", "2"}},
	}
	created, err := f.CreateBatch("001-build-app", batch)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created %d", len(created))
	}
	// Counter continues after the parent's 001.
	if !strings.HasPrefix(created[0].SpecID, "002-") {
		t.Fatalf("first id = %s", created[0].SpecID)
	}

	third, err := plan.Load(created[2].SpecDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(third.DependsOn) != 2 || third.DependsOn[0] != created[0].SpecID || third.DependsOn[1] != created[1].SpecID {
		t.Fatalf("resolved deps = %v", third.DependsOn)
	}
	if third.ParentTask != "001-build-app" || third.Status != "queue" {
		t.Fatalf("child plan = %+v", third)
	}

	// Required files exist.
	for _, name := range []string{"spec.md", "requirements.json", "context.json", plan.FileName} {
		if _, err := os.Stat(filepath.Join(created[0].SpecDir, name)); err != nil {
			t.Fatalf("missing %s", name)
		}
	}
}

func TestCreateBatch_ForwardReference(t *testing.T) {
	f := testFactory(t)
	// Entry 1 depends on entry 2: allocation-before-resolution makes it work.
	batch := []ChildSpec{
		{Task: "Integrate payment flow", Priority: 2, Kind: "impl", DependsOn: StringList{"2"}},
		{Task: "Add payment service", Priority: 1, Kind: "backend"},
	}
	created, err := f.CreateBatch("", batch)
	if err != nil {
		t.Fatal(err)
	}
	first, err := plan.Load(created[0].SpecDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.DependsOn) != 1 || first.DependsOn[0] != created[1].SpecID {
		t.Fatalf("forward reference unresolved: %v", first.DependsOn)
	}
}

func TestCreateBatch_RejectsCycle(t *testing.T) {
	f := testFactory(t)
	batch := []ChildSpec{
		{Task: "a", Priority: 1, Kind: "impl", DependsOn: StringList{"2"}},
		{Task: "b", Priority: 1, Kind: "impl", DependsOn: StringList{"1"}},
	}
	if _, err := f.CreateBatch("", batch); err == nil {
		t.Fatal("cycle accepted")
	}
	// Nothing written.
	entries, _ := os.ReadDir(f.SpecsDir)
	if len(entries) != 0 {
		t.Fatalf("partial batch written: %d entries", len(entries))
	}
}

func TestCreateBatch_RejectsOutOfRangeIndex(t *testing.T) {
	f := testFactory(t)
	batch := []ChildSpec{
		{Task: "a", Priority: 1, Kind: "impl", DependsOn: StringList{"7"}},
	}
	if _, err := f.CreateBatch("", batch); err == nil {
		t.Fatal("out-of-range index accepted")
	}
}

func TestCreateBatch_UpdatesParent(t *testing.T) {
	f := testFactory(t)
	seedParent(t, f, "001-root")
	created, err := f.CreateBatch("001-root", []ChildSpec{{Task: "child work", Priority: 2, Kind: "impl"}})
	if err != nil {
		t.Fatal(err)
	}
	parent, err := plan.Load(filepath.Join(f.SpecsDir, "001-root"))
	if err != nil {
		t.Fatal(err)
	}
	var children []string
	if err := json.Unmarshal(parent.Extra["childSpecs"], &children); err != nil {
		t.Fatalf("childSpecs: %v", err)
	}
	if len(children) != 1 || children[0] != created[0].SpecID {
		t.Fatalf("children = %v", children)
	}
}

func TestStringList_CommaNormalization(t *testing.T) {
	var c ChildSpec
	doc := `{"task":"x","kind":"impl","dependsOn":"1, 2 ,3","filesToModify":["a.go"]}`
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		t.Fatal(err)
	}
	if len(c.DependsOn) != 3 || c.DependsOn[1] != "2" {
		t.Fatalf("dependsOn = %v", c.DependsOn)
	}
	if len(c.FilesToModify) != 1 {
		t.Fatalf("filesToModify = %v", c.FilesToModify)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Create User Model":     "create-user-model",
		"  Fix: login (OAuth)!": "fix-login-oauth",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Fatalf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
	if got := slugify(strings.Repeat("very long task name ", 10)); len(got) > 40 {
		t.Fatalf("slug too long: %q", got)
	}
}

func TestRepairDependencies(t *testing.T) {
	f := testFactory(t)
	log := f.Log
	seedParent(t, f, "001-alpha")

	// 002 depends on a stale id whose counter prefix still exists.
	dir2 := filepath.Join(f.SpecsDir, "002-beta")
	if err := os.MkdirAll(dir2, 0o755); err != nil {
		t.Fatal(err)
	}
	p2 := &plan.Plan{Kind: plan.KindImpl, Priority: 2, DependsOn: []string{"001-renamed-task"}}
	p2.SetStatus("queue", "")
	if err := plan.Save(dir2, p2); err != nil {
		t.Fatal(err)
	}

	// 003 depends on a slug whose counter changed.
	dir3 := filepath.Join(f.SpecsDir, "003-gamma")
	if err := os.MkdirAll(dir3, 0o755); err != nil {
		t.Fatal(err)
	}
	p3 := &plan.Plan{Kind: plan.KindImpl, Priority: 2, DependsOn: []string{"009-beta", "totally-gone"}}
	p3.SetStatus("queue", "")
	if err := plan.Save(dir3, p3); err != nil {
		t.Fatal(err)
	}

	repaired, err := RepairDependencies(log, f.SpecsDir)
	if err != nil {
		t.Fatal(err)
	}
	if repaired != 2 {
		t.Fatalf("repaired = %d", repaired)
	}

	got2, _ := plan.Load(dir2)
	if len(got2.DependsOn) != 1 || got2.DependsOn[0] != "001-alpha" {
		t.Fatalf("002 deps = %v", got2.DependsOn)
	}
	got3, _ := plan.Load(dir3)
	if len(got3.DependsOn) != 1 || got3.DependsOn[0] != "002-beta" {
		t.Fatalf("003 deps = %v", got3.DependsOn)
	}
}
