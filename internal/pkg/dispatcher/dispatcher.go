// Package dispatcher runs plugin work on a bounded worker pool with a
// per-call timeout, so a slow or wedged plugin cannot hold the caller hostage.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Zhima-Mochi/payflow/internal/pkg/logging"
	"go.uber.org/zap"
)

var (
	// ErrTimeout is returned when the call did not complete within the
	// per-call budget. The underlying work is cancelled best-effort only;
	// a late result is discarded.
	ErrTimeout = errors.New("dispatcher: plugin call timed out")
	// ErrPoolSaturated is returned when no worker slot frees up in time.
	ErrPoolSaturated = errors.New("dispatcher: worker pool saturated")
	// ErrPanic wraps a panic recovered from the dispatched call.
	ErrPanic = errors.New("dispatcher: plugin call panicked")
)

// Task is one unit of plugin work.
type Task[T any] func(ctx context.Context) (T, error)

// Dispatcher owns a fixed-size slot pool. The zero value is not usable; build
// with New.
type Dispatcher[T any] struct {
	slots   chan struct{}
	timeout time.Duration
}

// New builds a dispatcher with the given pool size and per-call timeout.
func New[T any](poolSize int, timeout time.Duration) *Dispatcher[T] {
	if poolSize < 1 {
		poolSize = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher[T]{
		slots:   make(chan struct{}, poolSize),
		timeout: timeout,
	}
}

type result[T any] struct {
	value T
	err   error
}

// Dispatch runs the task on the pool and waits for completion or timeout.
// The budget covers both waiting for a slot and the call itself, so a caller
// never blocks longer than the configured timeout. On timeout the task's
// context is cancelled and the slot is released when the task eventually
// returns; its result goes nowhere.
func (d *Dispatcher[T]) Dispatch(ctx context.Context, task Task[T]) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)

	select {
	case d.slots <- struct{}{}:
	case <-callCtx.Done():
		cancel()
		return zero, ErrPoolSaturated
	case <-ctx.Done():
		cancel()
		return zero, ctx.Err()
	}

	done := make(chan result[T], 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.FromContext(ctx).Error("plugin_call_panic",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
				done <- result[T]{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
			<-d.slots
		}()
		v, err := task(callCtx)
		done <- result[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		cancel()
		return res.value, res.err
	case <-callCtx.Done():
		cancel()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return zero, callCtx.Err()
	}
}

// Timeout exposes the configured per-call budget.
func (d *Dispatcher[T]) Timeout() time.Duration { return d.timeout }
