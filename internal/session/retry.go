package session

import (
	"context"
	"time"
)

// RetryPolicy bounds the transient-retry combinator.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetry is the agent-call policy: 2s, 4s, 8s, three attempts.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}

// Retry runs op, retrying with exponential backoff while the error is
// transient. Non-transient errors and context cancellation return
// immediately. The last error is returned once attempts are exhausted.
func Retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	delay := policy.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return &AgentError{
				Message: "transient retry cap exceeded: " + err.Error(),
				Status:  statusOf(err),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func statusOf(err error) int {
	if ae, ok := err.(*AgentError); ok {
		return ae.Status
	}
	return 0
}
