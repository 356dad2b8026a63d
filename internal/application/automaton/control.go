package automaton

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/Zhima-Mochi/payflow/internal/domain/plugin"
	"github.com/Zhima-Mochi/payflow/internal/pkg/logging"
	"go.uber.org/zap"
)

// ControlOutcome is the aggregated decision of one control-plugin chain.
type ControlOutcome struct {
	IsAborted bool
	// AbortedBy names the plugin whose veto was authoritative.
	AbortedBy string
	// NextRetryDate is zero when no plugin proposed a retry.
	NextRetryDate time.Time
	// IsAdjusted/AdjustedAmount carry a prior-call amount override.
	IsAdjusted     bool
	AdjustedAmount int64
}

// ControlRunner invokes an ordered chain of control policies. A plugin that
// returns an error or panics has no opinion: it neither aborts the attempt
// nor proposes a retry, and the chain continues.
type ControlRunner struct {
	registry plugin.ControlRegistry
}

func NewControlRunner(registry plugin.ControlRegistry) *ControlRunner {
	return &ControlRunner{registry: registry}
}

// RunPriorCalls executes every priorCall hook in order. The first veto is
// authoritative and short-circuits the rest of the chain. Amount adjustments
// compose: each plugin sees the amount as adjusted by its predecessors.
func (r *ControlRunner) RunPriorCalls(ctx context.Context, names []string, cc plugin.ControlContext) ControlOutcome {
	var out ControlOutcome
	for _, name := range names {
		p, err := r.registry.ControlPlugin(name)
		if err != nil {
			logging.FromContext(ctx).Warn("control_plugin_unknown", zap.String("plugin", name))
			continue
		}
		res, err := callPrior(ctx, p, cc)
		if err != nil {
			logging.FromContext(ctx).Warn("control_prior_call_failed",
				zap.String("plugin", name),
				zap.Error(err),
			)
			continue
		}
		if res.IsAdjusted {
			out.IsAdjusted = true
			out.AdjustedAmount = res.AdjustedAmount
			cc.Amount = res.AdjustedAmount
		}
		if res.IsAborted {
			out.IsAborted = true
			out.AbortedBy = name
			return out
		}
	}
	return out
}

// RunOnSuccessCalls executes every onSuccess hook. Nothing a success hook
// does can change the run's outcome; failures are logged and ignored.
func (r *ControlRunner) RunOnSuccessCalls(ctx context.Context, names []string, cc plugin.ControlContext) {
	for _, name := range names {
		p, err := r.registry.ControlPlugin(name)
		if err != nil {
			logging.FromContext(ctx).Warn("control_plugin_unknown", zap.String("plugin", name))
			continue
		}
		if _, err := callOnSuccess(ctx, p, cc); err != nil {
			logging.FromContext(ctx).Warn("control_on_success_failed",
				zap.String("plugin", name),
				zap.Error(err),
			)
		}
	}
}

// RunOnFailureCalls executes every onFailure hook in order. The first veto is
// authoritative and short-circuits; otherwise the first proposed retry date
// wins while later plugins still get to observe the failure.
func (r *ControlRunner) RunOnFailureCalls(ctx context.Context, names []string, cc plugin.ControlContext) ControlOutcome {
	var out ControlOutcome
	for _, name := range names {
		p, err := r.registry.ControlPlugin(name)
		if err != nil {
			logging.FromContext(ctx).Warn("control_plugin_unknown", zap.String("plugin", name))
			continue
		}
		res, err := callOnFailure(ctx, p, cc)
		if err != nil {
			logging.FromContext(ctx).Warn("control_on_failure_failed",
				zap.String("plugin", name),
				zap.Error(err),
			)
			continue
		}
		if res.IsAborted {
			out.IsAborted = true
			out.AbortedBy = name
			return out
		}
		if out.NextRetryDate.IsZero() && !res.NextRetryDate.IsZero() {
			out.NextRetryDate = res.NextRetryDate
		}
	}
	return out
}

// The call wrappers convert panics into plain errors so one misbehaving
// policy cannot take down the run.

func callPrior(ctx context.Context, p plugin.ControlPlugin, cc plugin.ControlContext) (res plugin.PriorResult, err error) {
	defer recoverHook(ctx, p.Name(), "priorCall", &err)
	return p.PriorCall(ctx, cc)
}

func callOnSuccess(ctx context.Context, p plugin.ControlPlugin, cc plugin.ControlContext) (res plugin.OnSuccessResult, err error) {
	defer recoverHook(ctx, p.Name(), "onSuccessCall", &err)
	return p.OnSuccessCall(ctx, cc)
}

func callOnFailure(ctx context.Context, p plugin.ControlPlugin, cc plugin.ControlContext) (res plugin.OnFailureResult, err error) {
	defer recoverHook(ctx, p.Name(), "onFailureCall", &err)
	return p.OnFailureCall(ctx, cc)
}

func recoverHook(ctx context.Context, pluginName, hook string, err *error) {
	if r := recover(); r != nil {
		logging.FromContext(ctx).Error("control_plugin_panic",
			zap.String("plugin", pluginName),
			zap.String("hook", hook),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
		*err = &controlPanicError{plugin: pluginName, hook: hook}
	}
}

type controlPanicError struct {
	plugin string
	hook   string
}

func (e *controlPanicError) Error() string {
	return "control plugin " + e.plugin + " panicked in " + e.hook
}
