// Package daemon implements the task daemon: discovery, admission,
// supervision, stuck detection, recovery, and auto-verify. One daemon
// per project, enforced by a liveness-checked lock file.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/events"
	"github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/plan"
	"github.com/basket/go-foreman/internal/status"
	"github.com/basket/go-foreman/internal/worktree"
)

const (
	// killGrace is the SIGTERM-to-SIGKILL escalation window for stuck
	// and cancelled children alike.
	killGrace           = 30 * time.Second
	worktreeBackoff     = 60 * time.Second
	maxWorktreeFailures = 3
	admissionTickEvery  = time.Second
	statusPublishEvery  = 3 * time.Second
)

// Daemon supervises task execution for one project.
type Daemon struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics

	launcher Launcher
	bridge   *status.Bridge
	store    *persistence.Store
	trees    *worktree.Manager
	index    *taskIndex

	mu       sync.Mutex
	running  map[string]*runningTask
	backoffs map[string]time.Time
	state    *daemonState
	paused   bool
	stopped  bool

	startedAt time.Time
	exitC     chan string
	stopC     chan struct{}
	stopOnce  sync.Once
}

// runningTask is the daemon's view of one supervised child.
type runningTask struct {
	specID    string
	runID     string
	kind      string
	proc      TaskProcess
	startedAt time.Time

	mu         sync.Mutex
	lastStdout time.Time
	heartbeat  bool
	stuck      bool
	cancelled  bool
	termSentAt time.Time
}

func (rt *runningTask) onStdout(string) {
	rt.mu.Lock()
	rt.lastStdout = time.Now()
	rt.heartbeat = true
	rt.mu.Unlock()
}

func (rt *runningTask) sawHeartbeat() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.heartbeat
}

// New builds a daemon. The launcher is injectable so tests can run
// scripted children instead of the real binary.
func New(cfg *config.Config, log *slog.Logger, b *bus.Bus, metrics *otel.Metrics, launcher Launcher) *Daemon {
	return &Daemon{
		cfg:      cfg,
		log:      log.With("component", "daemon"),
		bus:      b,
		metrics:  metrics,
		launcher: launcher,
		running:  make(map[string]*runningTask),
		backoffs: make(map[string]time.Time),
		exitC:    make(chan string, 16),
		stopC:    make(chan struct{}),
	}
}

// Stop requests a graceful shutdown. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopC) })
}

// Run supervises until ctx is cancelled or Stop is called, then drains.
func (d *Daemon) Run(ctx context.Context) error {
	specsDir := d.cfg.SpecsDir()
	if info, err := os.Stat(specsDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s missing", ErrProjectNotInitialized, specsDir)
	}
	if err := acquireLock(d.cfg.LockFilePath()); err != nil {
		return err
	}
	defer releaseLock(d.cfg.LockFilePath())

	st, err := loadState(d.cfg.PrivateDir())
	if err != nil {
		return err
	}
	d.state = st

	store, err := persistence.Open(d.cfg.HistoryDBPath())
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer store.Close()
	d.store = store

	d.bridge = status.NewBridge(d.log, d.cfg.StatusFilePath())
	if err := d.bridge.Start(ctx); err != nil {
		return fmt.Errorf("start status bridge: %w", err)
	}
	defer d.bridge.Stop(context.Background())

	if d.cfg.UseWorktrees {
		d.trees = worktree.New(d.log, d.cfg.ProjectDir, d.cfg.WorktreesDir(), d.cfg.BaseBranch)
	}

	d.index = newTaskIndex(d.log, specsDir)
	if err := d.index.Rescan(); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	d.requeueOrphans()

	watcher, err := newSpecsWatcher(d.log, specsDir)
	if err != nil {
		return fmt.Errorf("watch specs dir: %w", err)
	}
	defer watcher.Close()
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go watcher.Run(watchCtx)

	rescanC := make(chan struct{}, 1)
	cr := cron.New()
	_, err = cr.AddFunc(fmt.Sprintf("@every %s", d.cfg.RescanInterval()), func() {
		select {
		case rescanC <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("schedule rescan: %w", err)
	}
	cr.Start()
	defer cr.Stop()

	ctrl := d.bus.Subscribe("control.")
	defer d.bus.Unsubscribe(ctrl)

	tick := time.NewTicker(admissionTickEvery)
	defer tick.Stop()
	statusTick := time.NewTicker(statusPublishEvery)
	defer statusTick.Stop()

	d.startedAt = time.Now()
	d.log.Info("daemon started",
		"project", d.cfg.ProjectDir,
		"max_concurrent", d.cfg.MaxConcurrent,
		"worktrees", d.cfg.UseWorktrees,
		"ws_port", d.bridge.WSPort())
	d.publishStatus(ctx)

	for {
		d.admit(ctx)
		select {
		case <-ctx.Done():
			return d.drain()
		case <-d.stopC:
			return d.drain()
		case specID := <-watcher.Changed:
			d.index.Refresh(specID)
			d.publishStatus(ctx)
		case <-rescanC:
			if err := d.index.Rescan(); err != nil {
				d.log.Warn("rescan failed", "error", err)
			}
			d.publishStatus(ctx)
		case specID := <-d.exitC:
			d.handleExit(ctx, specID)
			d.publishStatus(ctx)
		case ev := <-ctrl.Ch():
			d.handleControl(ev)
		case <-tick.C:
			d.sweep(ctx)
		case <-statusTick.C:
			d.publishStatus(ctx)
		}
	}
}

// requeueOrphans returns plans a dead daemon left mid-flight to the
// queue. No recoveryCount charge: the task did nothing wrong.
func (d *Daemon) requeueOrphans() {
	for _, t := range d.index.All() {
		if !plan.RunningStatuses[t.Plan.Status] || t.Plan.Status == "human_review" {
			continue
		}
		old := t.Plan.Status
		t.Plan.SetStatus("queue", "")
		if err := plan.Save(t.Dir, t.Plan); err != nil {
			d.log.Warn("requeue orphan failed", "spec_id", t.SpecID, "error", err)
			continue
		}
		d.appendTaskEvent(t.Dir, map[string]any{"event": "orphan_requeued", "previousStatus": old})
		d.log.Info("requeued orphaned task", "spec_id", t.SpecID, "previous_status", old)
	}
}

// admit starts eligible tasks until the concurrency cap is reached.
func (d *Daemon) admit(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	paused := d.paused
	d.mu.Unlock()
	if paused {
		return
	}
	for {
		d.mu.Lock()
		slots := d.cfg.MaxConcurrent - len(d.running)
		d.mu.Unlock()
		if slots <= 0 {
			return
		}
		next := d.nextEligible()
		if next == nil {
			return
		}
		if !d.start(ctx, next) {
			return
		}
	}
}

func (d *Daemon) nextEligible() *taskEntry {
	now := time.Now()
	filter := admissionFilter{MaxRecovery: d.cfg.MaxRecovery, MaxChildDepth: d.cfg.MaxChildDepth}
	for _, t := range d.index.Eligible(filter) {
		d.mu.Lock()
		_, isRunning := d.running[t.SpecID]
		until, backedOff := d.backoffs[t.SpecID]
		d.mu.Unlock()
		if isRunning {
			continue
		}
		if backedOff && now.Before(until) {
			continue
		}
		return t
	}
	return nil
}

// start acquires isolation, flips the plan to in_progress, and spawns
// the child. Returns false when admission should pause this tick.
func (d *Daemon) start(ctx context.Context, t *taskEntry) bool {
	if d.trees != nil {
		path, err := d.trees.Acquire(ctx, t.SpecID)
		if err != nil {
			d.worktreeFailed(t, err)
			return false
		}
		d.mu.Lock()
		delete(d.state.WorktreeFailures, t.SpecID)
		delete(d.backoffs, t.SpecID)
		d.mu.Unlock()
		t.Plan.WorktreePath = path
	}

	old := t.Plan.Status
	t.Plan.SetStatus("in_progress", t.Plan.ExecutionPhase)
	if err := plan.Save(t.Dir, t.Plan); err != nil {
		d.log.Error("cannot mark in_progress", "spec_id", t.SpecID, "error", err)
		return false
	}

	rt := &runningTask{
		specID:    t.SpecID,
		runID:     uuid.NewString(),
		kind:      t.Plan.Kind,
		startedAt: time.Now(),
	}
	proc, err := d.launcher.Launch(ctx, t.SpecID, rt.onStdout)
	if err != nil {
		d.log.Error("launch failed", "spec_id", t.SpecID, "error", err)
		t.Plan.SetStatus("queue", "")
		_ = plan.Save(t.Dir, t.Plan)
		return false
	}
	rt.proc = proc

	d.mu.Lock()
	d.running[t.SpecID] = rt
	d.mu.Unlock()
	d.index.Refresh(t.SpecID)

	if err := d.store.BeginRun(ctx, persistence.TaskRun{
		RunID:     rt.runID,
		SpecID:    t.SpecID,
		Kind:      t.Plan.Kind,
		Pipeline:  pipelineName(t.Plan.Kind),
		PID:       proc.PID(),
		Outcome:   "running",
		Recovery:  t.Plan.RecoveryCount,
		StartedAt: rt.startedAt,
	}); err != nil {
		d.log.Warn("record run start failed", "spec_id", t.SpecID, "error", err)
	}

	go func() {
		<-proc.Done()
		d.exitC <- t.SpecID
	}()

	d.metrics.TasksAdmitted.Add(ctx, 1)
	d.bus.Publish(bus.TopicTaskStarted, bus.TaskStateChangedEvent{
		SpecID: t.SpecID, OldStatus: old, NewStatus: "in_progress", XStateState: t.Plan.XStateState,
	})
	d.log.Info("task started", "spec_id", t.SpecID, "kind", t.Plan.Kind, "pid", proc.PID(), "recovery", t.Plan.RecoveryCount)
	return true
}

// pipelineName mirrors the built-in pipeline selection.
func pipelineName(kind string) string {
	switch kind {
	case plan.KindDesign, plan.KindArchitecture:
		return "design"
	case plan.KindReview:
		return "qa_only"
	case plan.KindMCTS:
		return "mcts"
	default:
		return "default"
	}
}

// worktreeFailed backs the task off 60 seconds; three consecutive
// failures park it in error.
func (d *Daemon) worktreeFailed(t *taskEntry, cause error) {
	d.mu.Lock()
	d.state.WorktreeFailures[t.SpecID]++
	failures := d.state.WorktreeFailures[t.SpecID]
	d.backoffs[t.SpecID] = time.Now().Add(worktreeBackoff)
	d.mu.Unlock()
	d.saveState()

	if failures < maxWorktreeFailures {
		d.log.Warn("worktree acquisition failed, backing off",
			"spec_id", t.SpecID, "failures", failures, "error", cause)
		return
	}
	d.log.Error("worktree acquisition failed repeatedly", "spec_id", t.SpecID, "error", cause)
	t.Plan.SetStatus("error", "")
	t.Plan.AppendError("worktree", cause.Error())
	if err := plan.Save(t.Dir, t.Plan); err != nil {
		d.log.Error("cannot mark worktree error", "spec_id", t.SpecID, "error", err)
		return
	}
	d.appendTaskEvent(t.Dir, map[string]any{"event": "worktree_failed", "failures": failures, "error": cause.Error()})
	d.index.Refresh(t.SpecID)
	d.mu.Lock()
	delete(d.state.WorktreeFailures, t.SpecID)
	delete(d.backoffs, t.SpecID)
	d.mu.Unlock()
	d.saveState()
	d.bus.Publish(bus.TopicTaskFailed, bus.TaskTerminalEvent{SpecID: t.SpecID, Status: "error", Kind: t.Plan.Kind, Diag: clip(cause.Error(), 200)})
}

// handleExit classifies a child exit and routes it. The plan on disk is
// authoritative: the child writes its own terminal status.
func (d *Daemon) handleExit(ctx context.Context, specID string) {
	d.mu.Lock()
	rt, ok := d.running[specID]
	if ok {
		delete(d.running, specID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	d.index.Refresh(specID)
	t := d.index.Get(specID)
	if t == nil {
		d.log.Warn("task dir vanished during run", "spec_id", specID)
		d.finishRun(ctx, rt, "error")
		return
	}

	exitErr := rt.proc.ExitErr()
	elapsed := time.Since(rt.startedAt)
	d.metrics.TaskDuration.Record(ctx, elapsed.Seconds())

	switch {
	case t.Plan.IsCompleted() || t.Plan.Status == "human_review":
		outcome := "done"
		if t.Plan.Status == "human_review" {
			outcome = "human_review"
		}
		d.finishRun(ctx, rt, outcome)
		signoff := ""
		if t.Plan.QASignoff != nil {
			signoff = t.Plan.QASignoff.Status
		}
		d.bus.Publish(bus.TopicTaskCompleted, bus.TaskTerminalEvent{
			SpecID: specID, Status: t.Plan.Status, Kind: t.Plan.Kind,
			Signoff: signoff, Duration: elapsed.Milliseconds(),
		})
		d.log.Info("task finished", "spec_id", specID, "status", t.Plan.Status, "signoff", signoff, "duration", elapsed)
		if d.trees != nil && t.Plan.IsCompleted() {
			if err := d.trees.Destroy(ctx, specID); err != nil {
				d.log.Warn("worktree cleanup failed", "spec_id", specID, "error", err)
			}
		}
		d.maybeSpawnVerify(ctx, t)
		d.maybeRespawnVerify(ctx, t)

	case plan.ErrorStatuses[t.Plan.Status]:
		d.finishRun(ctx, rt, "error")
		d.bus.Publish(bus.TopicTaskFailed, bus.TaskTerminalEvent{
			SpecID: specID, Status: t.Plan.Status, Kind: t.Plan.Kind,
			Diag: firstDiag(t.Plan), Duration: elapsed.Milliseconds(),
		})
		d.log.Warn("task errored", "spec_id", specID, "status", t.Plan.Status)

	case rt.cancelled:
		// Operator re-queue: no recovery charge.
		d.finishRun(ctx, rt, "cancelled")
		d.requeue(t, "cancelled", false)

	case rt.stuck:
		d.finishRun(ctx, rt, "stuck")
		d.recover(ctx, t, "stuck")

	case exitErr != nil && !rt.sawHeartbeat():
		// Crashed before doing anything: retry without charging the cap.
		d.finishRun(ctx, rt, "error")
		d.log.Warn("task crashed before first heartbeat, free retry", "spec_id", specID, "error", exitErr)
		d.requeue(t, "early_crash", false)

	default:
		// Crash mid-flight, or a clean exit that never wrote a terminal
		// status. Both count against the recovery cap.
		d.finishRun(ctx, rt, "error")
		d.recover(ctx, t, "crash")
	}
}

func (d *Daemon) finishRun(ctx context.Context, rt *runningTask, outcome string) {
	if err := d.store.FinishRun(ctx, rt.runID, outcome); err != nil {
		d.log.Warn("record run finish failed", "run_id", rt.runID, "error", err)
	}
}

// recover charges recoveryCount and re-queues under the cap, parks in
// error over it.
func (d *Daemon) recover(ctx context.Context, t *taskEntry, reason string) {
	d.metrics.Recoveries.Add(ctx, 1)
	t.Plan.RecoveryCount++
	if t.Plan.RecoveryCount < d.cfg.MaxRecovery {
		d.requeue(t, reason, true)
		return
	}
	t.Plan.SetStatus("error", "")
	t.Plan.AppendError(reason, fmt.Sprintf("recovery cap reached after %d attempts", t.Plan.RecoveryCount))
	if err := plan.Save(t.Dir, t.Plan); err != nil {
		d.log.Error("cannot mark error", "spec_id", t.SpecID, "error", err)
		return
	}
	d.appendTaskEvent(t.Dir, map[string]any{"event": "recovery_cap_reached", "reason": reason, "recoveryCount": t.Plan.RecoveryCount})
	d.index.Refresh(t.SpecID)
	d.bus.Publish(bus.TopicTaskFailed, bus.TaskTerminalEvent{SpecID: t.SpecID, Status: "error", Kind: t.Plan.Kind, Diag: reason})
	d.log.Error("task exhausted recovery cap", "spec_id", t.SpecID, "reason", reason)
}

// requeue returns a task to the queue. A stuck worktree is destroyed so
// the next admission starts from a clean copy.
func (d *Daemon) requeue(t *taskEntry, reason string, charged bool) {
	t.Plan.SetStatus("queue", "")
	if err := plan.Save(t.Dir, t.Plan); err != nil {
		d.log.Error("cannot requeue", "spec_id", t.SpecID, "error", err)
		return
	}
	eventName := "recovery"
	if reason == "stuck" {
		eventName = "STUCK_RECOVERY"
	}
	d.appendTaskEvent(t.Dir, map[string]any{
		"event": eventName, "reason": reason,
		"recoveryCount": t.Plan.RecoveryCount, "charged": charged,
	})
	if d.trees != nil && reason == "stuck" {
		if err := d.trees.Destroy(context.Background(), t.SpecID); err != nil {
			d.log.Warn("stale worktree cleanup failed", "spec_id", t.SpecID, "error", err)
		}
	}
	d.index.Refresh(t.SpecID)
	d.bus.Publish(bus.TopicTaskRecovered, bus.TaskStateChangedEvent{
		SpecID: t.SpecID, OldStatus: "in_progress", NewStatus: "queue", XStateState: "backlog",
	})
	d.log.Info("task requeued", "spec_id", t.SpecID, "reason", reason, "recovery", t.Plan.RecoveryCount)
}

// sweep enforces stuck detection and pending kill deadlines.
func (d *Daemon) sweep(ctx context.Context) {
	now := time.Now()
	d.mu.Lock()
	tasks := make([]*runningTask, 0, len(d.running))
	for _, rt := range d.running {
		tasks = append(tasks, rt)
	}
	d.mu.Unlock()

	for _, rt := range tasks {
		rt.mu.Lock()
		termAt := rt.termSentAt
		stuck := rt.stuck
		cancelled := rt.cancelled
		lastStdout := rt.lastStdout
		rt.mu.Unlock()

		if !termAt.IsZero() {
			if now.Sub(termAt) >= killGrace {
				d.log.Warn("kill grace expired, sending SIGKILL", "spec_id", rt.specID, "pid", rt.proc.PID())
				_ = rt.proc.Signal(syscall.SIGKILL)
			}
			continue
		}
		if stuck || cancelled {
			continue
		}
		if now.Sub(d.lastActivity(rt, lastStdout)) < d.cfg.StuckTimeout() {
			continue
		}

		d.metrics.StuckDetected.Add(ctx, 1)
		d.log.Warn("task stuck, sending SIGTERM", "spec_id", rt.specID, "pid", rt.proc.PID(), "timeout", d.cfg.StuckTimeout())
		rt.mu.Lock()
		rt.stuck = true
		rt.termSentAt = now
		rt.mu.Unlock()
		_ = rt.proc.Signal(syscall.SIGTERM)
	}
}

// lastActivity is the latest of: child stdout, plan mutation, event
// journal append.
func (d *Daemon) lastActivity(rt *runningTask, lastStdout time.Time) time.Time {
	latest := rt.startedAt
	if lastStdout.After(latest) {
		latest = lastStdout
	}
	dir := filepath.Join(d.cfg.SpecsDir(), rt.specID)
	for _, name := range []string{plan.FileName, events.FileName} {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

// handleControl serves the control-plane topics.
func (d *Daemon) handleControl(ev bus.Event) {
	switch ev.Topic {
	case bus.TopicControlPause:
		d.mu.Lock()
		d.paused = true
		d.mu.Unlock()
		d.log.Info("admission paused")
	case bus.TopicControlResume:
		d.mu.Lock()
		d.paused = false
		d.mu.Unlock()
		d.log.Info("admission resumed")
	case bus.TopicControlStop:
		d.Stop()
	case bus.TopicControlRequeue:
		req, ok := ev.Payload.(bus.RequeueRequest)
		if !ok {
			return
		}
		d.cancelTask(req.SpecID, req.Reason)
	}
}

// cancelTask interrupts a running task; the kill deadline is enforced
// by the sweep.
func (d *Daemon) cancelTask(specID, reason string) {
	d.mu.Lock()
	rt := d.running[specID]
	d.mu.Unlock()
	if rt == nil {
		return
	}
	d.log.Info("cancelling task", "spec_id", specID, "reason", reason)
	rt.mu.Lock()
	rt.cancelled = true
	rt.termSentAt = time.Now()
	rt.mu.Unlock()
	_ = rt.proc.Signal(syscall.SIGTERM)
}

// maybeSpawnVerify synthesizes a verify child for an approved
// implementation task, up to the attempt cap.
func (d *Daemon) maybeSpawnVerify(ctx context.Context, t *taskEntry) {
	p := t.Plan
	if !plan.ImplementationKinds[p.Kind] {
		return
	}
	if p.XStateState != "human_review" || p.QASignoff == nil || p.QASignoff.Status != plan.SignoffApproved {
		return
	}
	d.spawnVerify(ctx, t.SpecID)
}

// maybeRespawnVerify re-queues a fresh verify of the subject task after
// an error_check completes, until the attempt cap.
func (d *Daemon) maybeRespawnVerify(ctx context.Context, t *taskEntry) {
	if t.Plan.Kind != plan.KindErrorCheck || !t.Plan.IsCompleted() {
		return
	}
	subject := verifySubject(t.Plan.ParentTask)
	if subject == "" || d.index.Get(subject) == nil {
		d.log.Warn("error_check has no known subject", "spec_id", t.SpecID, "parent", t.Plan.ParentTask)
		return
	}
	d.spawnVerify(ctx, subject)
}

// verifySubject resolves the task a verify chain is about: a verify id
// like verify-001-login-2 points back at 001-login.
func verifySubject(id string) string {
	if id == "" {
		return ""
	}
	s := id
	for strings.HasPrefix(s, "verify-") {
		s = strings.TrimPrefix(s, "verify-")
	}
	if i := strings.LastIndex(s, "-"); i > 0 {
		if _, err := strconv.Atoi(s[i+1:]); err == nil {
			s = s[:i]
		}
	}
	return s
}

// spawnVerify writes a complete verify spec dir for the subject task.
func (d *Daemon) spawnVerify(ctx context.Context, subjectID string) {
	d.mu.Lock()
	attempt := d.state.VerifyAttempts[subjectID] + 1
	capped := attempt > d.cfg.MaxVerifyTries
	if !capped {
		d.state.VerifyAttempts[subjectID] = attempt
	}
	d.mu.Unlock()
	if capped {
		d.log.Warn("verify attempt cap reached", "spec_id", subjectID, "cap", d.cfg.MaxVerifyTries)
		return
	}
	d.saveState()

	childID := "verify-" + subjectID
	if attempt > 1 {
		childID = fmt.Sprintf("verify-%s-%d", subjectID, attempt)
	}
	dir := filepath.Join(d.cfg.SpecsDir(), childID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.log.Error("cannot create verify spec dir", "spec_id", childID, "error", err)
		return
	}
	specMD := fmt.Sprintf("# Verification of %s\n\nIndependently verify the implementation delivered by task %s against its spec and acceptance criteria. Report regressions as issues.\n", subjectID, subjectID)
	reqs := fmt.Sprintf("{\n  \"task\": \"Verify %s\",\n  \"acceptanceCriteria\": [\"no regressions against the parent spec\"]\n}\n", subjectID)
	ctxDoc := fmt.Sprintf("{\n  \"subject\": %q,\n  \"attempt\": %d\n}\n", subjectID, attempt)
	for name, content := range map[string]string{
		"spec.md":           specMD,
		"requirements.json": reqs,
		"context.json":      ctxDoc,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			d.log.Error("cannot write verify spec file", "spec_id", childID, "file", name, "error", err)
			return
		}
	}
	child := &plan.Plan{
		Kind:       plan.KindVerify,
		Priority:   1,
		DependsOn:  []string{subjectID},
		ParentTask: subjectID,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	child.SetStatus("queue", "")
	if err := plan.Save(dir, child); err != nil {
		d.log.Error("cannot write verify plan", "spec_id", childID, "error", err)
		return
	}
	d.index.Refresh(childID)
	d.bus.Publish(bus.TopicTaskQueued, bus.TaskStateChangedEvent{SpecID: childID, NewStatus: "queue", XStateState: "backlog"})
	d.log.Info("verify task synthesized", "spec_id", childID, "subject", subjectID, "attempt", attempt)
}

// drain stops accepting work, SIGTERMs every child, waits the grace,
// kills stragglers, and requeues whatever did not reach a terminal
// status.
func (d *Daemon) drain() error {
	d.mu.Lock()
	tasks := make([]*runningTask, 0, len(d.running))
	for _, rt := range d.running {
		tasks = append(tasks, rt)
	}
	d.mu.Unlock()

	if len(tasks) > 0 {
		d.log.Info("draining running tasks", "count", len(tasks), "grace", d.cfg.DrainGrace())
		for _, rt := range tasks {
			_ = rt.proc.Signal(syscall.SIGTERM)
		}
		deadlineAt := time.Now().Add(d.cfg.DrainGrace())
		for _, rt := range tasks {
			select {
			case <-rt.proc.Done():
			case <-time.After(time.Until(deadlineAt)):
				_ = rt.proc.Signal(syscall.SIGKILL)
				<-rt.proc.Done()
			}
		}
	}

	ctx := context.Background()
	for _, rt := range tasks {
		d.finishRun(ctx, rt, "cancelled")
		d.index.Refresh(rt.specID)
		if t := d.index.Get(rt.specID); t != nil && plan.RunningStatuses[t.Plan.Status] && t.Plan.Status != "human_review" {
			d.requeue(t, "daemon_stop", false)
		}
	}
	d.mu.Lock()
	d.running = make(map[string]*runningTask)
	d.stopped = true
	d.mu.Unlock()
	d.saveState()
	d.publishStatus(ctx)
	d.log.Info("daemon stopped")
	return nil
}

// publishStatus pushes a fresh snapshot through the bridge.
func (d *Daemon) publishStatus(ctx context.Context) {
	d.mu.Lock()
	runningIDs := make(map[string]*runningTask, len(d.running))
	for id, rt := range d.running {
		runningIDs[id] = rt
	}
	stopped := d.stopped
	d.mu.Unlock()

	snap := &status.Snapshot{
		Running:      !stopped,
		StartedAt:    d.startedAt.UTC().Format(time.RFC3339),
		RunningTasks: make(map[string]status.RunningTask),
	}

	for _, t := range d.index.All() {
		if rt, ok := runningIDs[t.SpecID]; ok {
			snap.RunningTasks[t.SpecID] = status.RunningTask{
				SpecDir:        t.Dir,
				PID:            rt.proc.PID(),
				Status:         t.Plan.Status,
				StartedAt:      rt.startedAt.UTC().Format(time.RFC3339),
				LastUpdate:     d.lastActivity(rt, rt.lastStdoutTime()).UTC().Format(time.RFC3339),
				IsRunning:      true,
				Kind:           t.Plan.Kind,
				CurrentSubtask: currentSubtask(t.Plan),
				Phase:          t.Plan.ExecutionPhase,
			}
			continue
		}
		if t.Plan.IsQueued() {
			snap.QueuedTasks = append(snap.QueuedTasks, status.QueuedTask{SpecID: t.SpecID, Priority: t.Plan.Priority})
		}
	}
	for id, reason := range d.index.Quarantined() {
		snap.NeedsAttention = append(snap.NeedsAttention, status.AttentionTask{SpecID: id, Reason: reason})
	}
	sort.Slice(snap.NeedsAttention, func(i, j int) bool {
		return snap.NeedsAttention[i].SpecID < snap.NeedsAttention[j].SpecID
	})

	snap.Stats.Running = len(snap.RunningTasks)
	snap.Stats.Queued = len(snap.QueuedTasks)
	if n, err := d.store.CompletedCount(ctx); err == nil {
		snap.Stats.Completed = n
	}

	d.metrics.RunningTasks.Record(ctx, int64(snap.Stats.Running))
	d.metrics.QueuedTasks.Record(ctx, int64(snap.Stats.Queued))
	if err := d.bridge.Publish(snap); err != nil {
		d.log.Warn("status publish failed", "error", err)
	}
}

func (rt *runningTask) lastStdoutTime() time.Time {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lastStdout
}

// currentSubtask returns the first in-flight subtask description.
func currentSubtask(p *plan.Plan) string {
	for _, phase := range p.Phases {
		for _, st := range phase.Subtasks {
			if st.Status == plan.SubtaskInProgress {
				return st.Description
			}
		}
	}
	return ""
}

func (d *Daemon) appendTaskEvent(specDir string, payload map[string]any) {
	log, err := events.Open(specDir)
	if err != nil {
		d.log.Warn("cannot open event log", "dir", specDir, "error", err)
		return
	}
	defer log.Close()
	if _, err := log.Append(events.KindTaskEvent, payload); err != nil {
		d.log.Warn("cannot append event", "dir", specDir, "error", err)
	}
}

func (d *Daemon) saveState() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.state.save(d.cfg.PrivateDir()); err != nil {
		d.log.Warn("cannot persist daemon state", "error", err)
	}
}

func firstDiag(p *plan.Plan) string {
	if len(p.Errors) == 0 {
		return ""
	}
	return clip(p.Errors[0].Message, 200)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
