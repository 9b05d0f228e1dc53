package bus

// Task lifecycle topics. Published by the daemon and consumed by the
// status bridge and the notifier.
const (
	TopicTaskQueued     = "task.queued"
	TopicTaskStarted    = "task.started"
	TopicTaskCompleted  = "task.completed"
	TopicTaskFailed     = "task.failed"
	TopicTaskRecovered  = "task.recovered"
	TopicTaskStateMoved = "task.state_changed"
)

// Control-plane topics. Published by the CLI surface or the daemon root;
// consumed by the supervisor loop.
const (
	TopicControlPause   = "control.pause"
	TopicControlResume  = "control.resume"
	TopicControlStop    = "control.stop"
	TopicControlRequeue = "control.requeue"
)

// Pipeline stage topics.
const (
	TopicStageStarted   = "stage.started"
	TopicStageCompleted = "stage.completed"
	TopicStageFailed    = "stage.failed"
	TopicStageRetrying  = "stage.retrying"
)

// QA loop topics.
const (
	TopicQAIteration = "qa.iteration"
	TopicQAApproved  = "qa.approved"
	TopicQARejected  = "qa.rejected"
)

// TaskStateChangedEvent is published when a task's status twin changes.
type TaskStateChangedEvent struct {
	SpecID      string // Task spec ID
	OldStatus   string // Previous coarse status (e.g. queue)
	NewStatus   string // New coarse status (e.g. in_progress)
	XStateState string // Finer UI-facing label paired with NewStatus
}

// TaskTerminalEvent is published on task.completed and task.failed.
type TaskTerminalEvent struct {
	SpecID   string
	Status   string // done, human_review, error
	Kind     string // task kind (impl, verify, ...)
	Signoff  string // qaSignoff.status if present
	Diag     string // first 200 chars of diagnostic on failure
	Duration int64  // milliseconds
}

// RequeueRequest is the payload of control.requeue.
type RequeueRequest struct {
	SpecID string
	Reason string
}

// QAEvent is published on the qa.* topics: once per iteration, once on
// approval, once per rejected verdict.
type QAEvent struct {
	SpecID    string   // Owning task
	Iteration int      // 1-based loop iteration
	Issues    []string // reviewer issues on qa.rejected, nil otherwise
}

// StageEvent is published when a pipeline stage starts, completes, or fails.
type StageEvent struct {
	RunID   string // Pipeline run ID
	SpecID  string // Owning task
	Stage   string // Stage name
	Attempt int    // 1-based attempt number
	Error   string // set on stage.failed / stage.retrying
}
