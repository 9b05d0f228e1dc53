package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all daemon metric instruments.
type Metrics struct {
	TasksAdmitted  metric.Int64Counter
	TaskDuration   metric.Float64Histogram
	Recoveries     metric.Int64Counter
	StuckDetected  metric.Int64Counter
	QAIterations   metric.Int64Counter
	StageDuration  metric.Float64Histogram
	MergeConflicts metric.Int64Counter
	RunningTasks   metric.Int64Gauge
	QueuedTasks    metric.Int64Gauge
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksAdmitted, err = meter.Int64Counter("foreman.task.admitted",
		metric.WithDescription("Tasks admitted for execution"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("foreman.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Recoveries, err = meter.Int64Counter("foreman.task.recoveries",
		metric.WithDescription("Stuck or crashed tasks re-queued"),
	)
	if err != nil {
		return nil, err
	}

	m.StuckDetected, err = meter.Int64Counter("foreman.task.stuck",
		metric.WithDescription("Stuck detections"),
	)
	if err != nil {
		return nil, err
	}

	m.QAIterations, err = meter.Int64Counter("foreman.qa.iterations",
		metric.WithDescription("QA review/fix iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("foreman.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MergeConflicts, err = meter.Int64Counter("foreman.merge.conflicts",
		metric.WithDescription("Merges parked for human resolution"),
	)
	if err != nil {
		return nil, err
	}

	m.RunningTasks, err = meter.Int64Gauge("foreman.tasks.running",
		metric.WithDescription("Tasks currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.QueuedTasks, err = meter.Int64Gauge("foreman.tasks.queued",
		metric.WithDescription("Tasks waiting for admission"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
