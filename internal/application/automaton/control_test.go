package automaton_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/payflow/internal/application/automaton"
	"github.com/Zhima-Mochi/payflow/internal/domain/plugin"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/registry"
)

func TestPriorChainFirstVetoShortCircuits(t *testing.T) {
	reg := registry.New()
	var thirdCalled bool
	reg.RegisterControlPlugin(&fakeControl{name: "first"})
	reg.RegisterControlPlugin(&fakeControl{
		name: "second",
		prior: func(plugin.ControlContext) (plugin.PriorResult, error) {
			return plugin.PriorResult{IsAborted: true}, nil
		},
	})
	reg.RegisterControlPlugin(&fakeControl{
		name: "third",
		prior: func(plugin.ControlContext) (plugin.PriorResult, error) {
			thirdCalled = true
			return plugin.PriorResult{}, nil
		},
	})

	cr := automaton.NewControlRunner(reg)
	out := cr.RunPriorCalls(context.Background(), []string{"first", "second", "third"}, plugin.ControlContext{})

	require.True(t, out.IsAborted)
	require.Equal(t, "second", out.AbortedBy)
	require.False(t, thirdCalled)
}

func TestPriorChainAdjustmentsCompose(t *testing.T) {
	reg := registry.New()
	reg.RegisterControlPlugin(&fakeControl{
		name: "halve",
		prior: func(cc plugin.ControlContext) (plugin.PriorResult, error) {
			return plugin.PriorResult{IsAdjusted: true, AdjustedAmount: cc.Amount / 2}, nil
		},
	})
	reg.RegisterControlPlugin(&fakeControl{
		name: "minus-ten",
		prior: func(cc plugin.ControlContext) (plugin.PriorResult, error) {
			return plugin.PriorResult{IsAdjusted: true, AdjustedAmount: cc.Amount - 10}, nil
		},
	})

	cr := automaton.NewControlRunner(reg)
	out := cr.RunPriorCalls(context.Background(), []string{"halve", "minus-ten"}, plugin.ControlContext{Amount: 100})

	require.True(t, out.IsAdjusted)
	require.Equal(t, int64(40), out.AdjustedAmount)
}

func TestFailureChainFirstRetryDateWins(t *testing.T) {
	reg := registry.New()
	first := time.Now().Add(time.Hour)
	second := time.Now().Add(2 * time.Hour)
	var laterObserved bool
	reg.RegisterControlPlugin(&fakeControl{
		name: "early",
		onFailure: func(plugin.ControlContext) (plugin.OnFailureResult, error) {
			return plugin.OnFailureResult{NextRetryDate: first}, nil
		},
	})
	reg.RegisterControlPlugin(&fakeControl{
		name: "late",
		onFailure: func(plugin.ControlContext) (plugin.OnFailureResult, error) {
			laterObserved = true
			return plugin.OnFailureResult{NextRetryDate: second}, nil
		},
	})

	cr := automaton.NewControlRunner(reg)
	out := cr.RunOnFailureCalls(context.Background(), []string{"early", "late"}, plugin.ControlContext{})

	// The first proposal is authoritative but the chain still runs.
	require.True(t, out.NextRetryDate.Equal(first))
	require.True(t, laterObserved)
}

func TestFailureChainAbortBeatsRetry(t *testing.T) {
	reg := registry.New()
	reg.RegisterControlPlugin(&fakeControl{
		name: "veto",
		onFailure: func(plugin.ControlContext) (plugin.OnFailureResult, error) {
			return plugin.OnFailureResult{IsAborted: true}, nil
		},
	})
	reg.RegisterControlPlugin(&fakeControl{
		name: "retrier",
		onFailure: func(plugin.ControlContext) (plugin.OnFailureResult, error) {
			return plugin.OnFailureResult{NextRetryDate: time.Now().Add(time.Hour)}, nil
		},
	})

	cr := automaton.NewControlRunner(reg)
	out := cr.RunOnFailureCalls(context.Background(), []string{"veto", "retrier"}, plugin.ControlContext{})

	require.True(t, out.IsAborted)
	require.Equal(t, "veto", out.AbortedBy)
	require.True(t, out.NextRetryDate.IsZero())
}

func TestChainErrorsAndPanicsHaveNoOpinion(t *testing.T) {
	reg := registry.New()
	reg.RegisterControlPlugin(&fakeControl{
		name: "erroring",
		prior: func(plugin.ControlContext) (plugin.PriorResult, error) {
			return plugin.PriorResult{IsAborted: true}, errors.New("db down")
		},
		onFailure: func(plugin.ControlContext) (plugin.OnFailureResult, error) {
			return plugin.OnFailureResult{}, errors.New("db down")
		},
	})
	reg.RegisterControlPlugin(&fakeControl{
		name: "panicking",
		prior: func(plugin.ControlContext) (plugin.PriorResult, error) {
			panic("boom")
		},
		onFailure: func(plugin.ControlContext) (plugin.OnFailureResult, error) {
			panic("boom")
		},
	})

	cr := automaton.NewControlRunner(reg)
	names := []string{"erroring", "panicking", "unregistered"}

	prior := cr.RunPriorCalls(context.Background(), names, plugin.ControlContext{})
	require.False(t, prior.IsAborted)

	failure := cr.RunOnFailureCalls(context.Background(), names, plugin.ControlContext{})
	require.False(t, failure.IsAborted)
	require.True(t, failure.NextRetryDate.IsZero())
}
