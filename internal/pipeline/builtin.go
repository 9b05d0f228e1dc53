package pipeline

import (
	"fmt"
	"time"
)

// Actions binds the built-in pipelines to their stage implementations.
// The daemon wires these at startup from the coder, QA loop, worktree
// manager, and spec factory.
type Actions struct {
	Build      Action
	QA         Action
	Merge      Action
	Decompose  Action
	MCTSSearch Action
	MergeBest  Action
}

// agentRetry is the per-stage retry for agent-backed stages.
var agentRetry = RetrySpec{Max: 3, Backoff: 2 * time.Second}

// Builtin returns the named built-in pipeline.
func Builtin(name string, a Actions) ([]Stage, error) {
	switch name {
	case "default":
		return []Stage{
			{Name: "build", Retry: agentRetry, Action: a.Build},
			{
				Name:      "qa",
				DependsOn: []string{"build"},
				Condition: func(sc *StageContext) bool { return !sc.Plan.SkipQA() },
				Retry:     agentRetry,
				Action:    a.QA,
			},
			{Name: "merge", DependsOn: []string{"qa"}, Action: a.Merge},
		}, nil
	case "design":
		return []Stage{
			{Name: "decompose", Retry: agentRetry, Action: a.Decompose},
		}, nil
	case "qa_only":
		return []Stage{
			{Name: "qa", Retry: agentRetry, Action: a.QA},
		}, nil
	case "mcts":
		return []Stage{
			{Name: "mcts_search", Retry: agentRetry, Action: a.MCTSSearch},
			{Name: "merge_best", DependsOn: []string{"mcts_search"}, Action: a.MergeBest},
		}, nil
	}
	return nil, fmt.Errorf("unknown pipeline %q", name)
}

// ForKind maps a task kind to its pipeline name.
func ForKind(kind string) string {
	switch kind {
	case "design", "architecture":
		return "design"
	case "review":
		return "qa_only"
	case "mcts":
		return "mcts"
	default:
		return "default"
	}
}
