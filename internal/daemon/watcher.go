package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// stabilizationWindow collapses bursts of filesystem events: only the
// latest plan content matters, so changes coalesce by spec id.
const stabilizationWindow = 100 * time.Millisecond

// specsWatcher watches the specs directory for new spec dirs and plan
// file changes and delivers coalesced spec ids.
type specsWatcher struct {
	log      *slog.Logger
	specsDir string
	watcher  *fsnotify.Watcher

	// Changed receives one spec id per stabilized burst; empty string
	// means "something structural changed, rescan".
	Changed chan string
}

func newSpecsWatcher(log *slog.Logger, specsDir string) (*specsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(specsDir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &specsWatcher{
		log:      log.With("component", "watcher"),
		specsDir: specsDir,
		watcher:  w,
		Changed:  make(chan string, 64),
	}, nil
}

func (sw *specsWatcher) Close() error { return sw.watcher.Close() }

// Run pumps events until ctx is done. Spec subdirectories are added to
// the watch set as they appear so plan-file writes inside them fire.
func (sw *specsWatcher) Run(ctx context.Context) {
	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for specID := range pending {
			select {
			case sw.Changed <- specID:
			default:
				sw.log.Warn("change channel full, dropping", "spec_id", specID)
			}
		}
		pending = make(map[string]bool)
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			specID := sw.classify(ev)
			if specID == "" {
				continue
			}
			pending[specID] = true
			if timer == nil {
				timer = time.NewTimer(stabilizationWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(stabilizationWindow)
			}
			timerC = timer.C
		case <-timerC:
			flush()
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Warn("watch error", "error", err)
		}
	}
}

// classify maps a filesystem event to the affected spec id. Directory
// creations directly under specsDir start watching the new spec dir.
func (sw *specsWatcher) classify(ev fsnotify.Event) string {
	rel, err := filepath.Rel(sw.specsDir, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	specID := parts[0]
	if specID == "." || strings.HasPrefix(specID, ".") {
		return ""
	}
	if len(parts) == 1 {
		if ev.Has(fsnotify.Create) {
			// New spec dir: watch inside it for the plan file.
			if err := sw.watcher.Add(ev.Name); err == nil {
				return specID
			}
			return specID
		}
		return specID
	}
	// Inside a spec dir: only plan writes matter.
	if parts[len(parts)-1] == "implementation_plan.json" || strings.HasPrefix(parts[len(parts)-1], ".implementation_plan") {
		if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
			return specID
		}
	}
	return ""
}
