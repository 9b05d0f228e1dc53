package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/plan"
)

func writeFileOrFatal(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func collectChanges(ch <-chan string, window time.Duration) map[string]int {
	got := make(map[string]int)
	deadline := time.After(window)
	for {
		select {
		case id := <-ch:
			got[id]++
		case <-deadline:
			return got
		}
	}
}

func TestWatcher_NewSpecDir(t *testing.T) {
	specsDir := t.TempDir()
	sw, err := newSpecsWatcher(testLogger(), specsDir)
	if err != nil {
		t.Fatal(err)
	}
	defer sw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	writeSpec(t, specsDir, "001-new", nil)

	got := collectChanges(sw.Changed, 2*time.Second)
	if got["001-new"] == 0 {
		t.Fatalf("no change delivered for new spec, got %v", got)
	}
}

func TestWatcher_CoalescesPlanWriteBurst(t *testing.T) {
	specsDir := t.TempDir()
	writeSpec(t, specsDir, "001-busy", nil)

	sw, err := newSpecsWatcher(testLogger(), specsDir)
	if err != nil {
		t.Fatal(err)
	}
	defer sw.Close()
	// Watch inside the pre-existing spec dir too.
	if err := sw.watcher.Add(specsDir + "/001-busy"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	// A burst of rewrites inside the stabilization window must collapse.
	entry := plan.Plan{Kind: plan.KindImpl}
	entry.SetStatus("queue", "")
	for i := 0; i < 10; i++ {
		if err := plan.Save(specsDir+"/001-busy", &entry); err != nil {
			t.Fatal(err)
		}
	}

	got := collectChanges(sw.Changed, 2*time.Second)
	if got["001-busy"] == 0 {
		t.Fatal("no change delivered")
	}
	if got["001-busy"] > 3 {
		t.Fatalf("burst not coalesced: %d deliveries", got["001-busy"])
	}
}

func TestWatcher_IgnoresHiddenFiles(t *testing.T) {
	specsDir := t.TempDir()
	sw, err := newSpecsWatcher(testLogger(), specsDir)
	if err != nil {
		t.Fatal(err)
	}
	defer sw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	writeFileOrFatal(t, specsDir+"/.daemon_state.json", "{}")

	if got := collectChanges(sw.Changed, 500*time.Millisecond); len(got) != 0 {
		t.Fatalf("hidden file produced changes: %v", got)
	}
}
