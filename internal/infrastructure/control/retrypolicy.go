package control

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Zhima-Mochi/payflow/internal/domain/plugin"
)

// PluginName is the registry key for the built-in retry policy.
const PluginName = "retry-policy"

// RetryPolicy is the default control policy: it never vetoes an attempt and
// proposes exponentially spaced retries until the budget runs out. The retry
// schedule is fixed at construction so repeated failures of the same payment
// see a stable sequence of dates.
type RetryPolicy struct {
	intervals []time.Duration
	clock     func() time.Time
}

// NewRetryPolicy builds a policy with maxRetries attempts spaced by an
// exponential schedule starting at initial.
func NewRetryPolicy(initial time.Duration, maxRetries int) *RetryPolicy {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.RandomizationFactor = 0 // deterministic schedule
	policy.MaxInterval = 24 * time.Hour
	policy.MaxElapsedTime = 0

	intervals := make([]time.Duration, 0, maxRetries)
	for i := 0; i < maxRetries; i++ {
		intervals = append(intervals, policy.NextBackOff())
	}
	return &RetryPolicy{
		intervals: intervals,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *RetryPolicy) Name() string { return PluginName }

func (p *RetryPolicy) PriorCall(ctx context.Context, cc plugin.ControlContext) (plugin.PriorResult, error) {
	return plugin.PriorResult{}, nil
}

func (p *RetryPolicy) OnSuccessCall(ctx context.Context, cc plugin.ControlContext) (plugin.OnSuccessResult, error) {
	return plugin.OnSuccessResult{}, nil
}

// OnFailureCall proposes the next retry date based on how many attempts the
// transaction has already consumed. AttemptNumber counts the attempt that just
// failed, so the first failure consults intervals[0].
func (p *RetryPolicy) OnFailureCall(ctx context.Context, cc plugin.ControlContext) (plugin.OnFailureResult, error) {
	idx := cc.AttemptNumber - 1
	if idx < 0 || idx >= len(p.intervals) {
		return plugin.OnFailureResult{}, nil
	}
	return plugin.OnFailureResult{NextRetryDate: p.clock().Add(p.intervals[idx])}, nil
}
