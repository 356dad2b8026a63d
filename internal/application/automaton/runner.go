// Package automaton drives one payment transaction through its lifecycle:
// locate-or-create the idempotent rows, dispatch the processor plugin under
// the account lock, apply the control policy chain, and persist the resulting
// state transition. One invocation performs exactly one transition.
package automaton

import (
	"context"
	"errors"
	"time"

	"github.com/Zhima-Mochi/payflow/internal/domain/account"
	"github.com/Zhima-Mochi/payflow/internal/domain/payment"
	"github.com/Zhima-Mochi/payflow/internal/domain/plugin"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/id"
	"github.com/Zhima-Mochi/payflow/internal/pkg/lock"
	"github.com/Zhima-Mochi/payflow/internal/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// RetryScheduler durably schedules a future re-invocation of the runner.
// Fire-and-forget, at-least-once: duplicate deliveries are absorbed by the
// terminal no-op path.
type RetryScheduler interface {
	Schedule(transactionExternalKey string, notBefore time.Time)
}

// RunParams carries one automaton invocation.
type RunParams struct {
	IsSynchronousCaller bool
	TransactionType     payment.TransactionType
	Account             *account.Account
	PaymentMethodID     string
	// PaymentID is set when adding a transaction to an existing payment.
	PaymentID              string
	PaymentExternalKey     string
	TransactionExternalKey string
	Amount                 int64
	Currency               string
	EffectiveDate          time.Time
	// PluginName selects the processor plugin in the registry.
	PluginName         string
	Properties         plugin.Properties
	ControlPluginNames []string
}

// RunnerConfig wires the runner's collaborators.
type RunnerConfig struct {
	Definition *Definition
	Store      payment.Store
	Locker     lock.AccountLocker
	Payments   plugin.PaymentRegistry
	Controls   *ControlRunner
	Scheduler  RetryScheduler
	IDs        id.Generator
	// CallbackFactory defaults to the dispatching factory when nil only if
	// Dispatcher is set.
	CallbackFactory OperationCallbackFactory
	Dispatcher      *PluginDispatcher
	Metrics         *Metrics
	Tracer          trace.Tracer
	Clock           func() time.Time
}

// Runner is the automaton runner: the single entry point through which a
// payment transaction advances.
type Runner struct {
	def       *Definition
	store     payment.Store
	helper    *storeHelper
	locker    lock.AccountLocker
	payments  plugin.PaymentRegistry
	controls  *ControlRunner
	scheduler RetryScheduler
	opFactory OperationCallbackFactory
	metrics   *Metrics
	tracer    trace.Tracer
	clock     func() time.Time
}

// NewRunner builds a runner from its configuration. Definition, Store,
// Locker, Payments, Controls and IDs are required.
func NewRunner(cfg RunnerConfig) *Runner {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("payflow/automaton")
	}
	factory := cfg.CallbackFactory
	if factory == nil {
		factory = NewOperationCallbackFactory(cfg.Dispatcher)
	}
	def := cfg.Definition
	if def == nil {
		def = DefaultDefinition()
	}
	return &Runner{
		def:       def,
		store:     cfg.Store,
		helper:    &storeHelper{store: cfg.Store, ids: cfg.IDs, def: def, clock: clock},
		locker:    cfg.Locker,
		payments:  cfg.Payments,
		controls:  cfg.Controls,
		scheduler: cfg.Scheduler,
		opFactory: factory,
		metrics:   cfg.Metrics,
		tracer:    tracer,
		clock:     clock,
	}
}

// Run executes one transition starting from the automaton's initial state.
func (r *Runner) Run(ctx context.Context, params RunParams) (*payment.Payment, error) {
	return r.run(ctx, r.def.Attempt.Initial(), params)
}

// RunFromState is the resumption entry point used by the retry path.
func (r *Runner) RunFromState(ctx context.Context, fromState string, params RunParams) (*payment.Payment, error) {
	if !r.def.Attempt.HasState(fromState) {
		return nil, payment.NewError(payment.CodeInternal, "unknown attempt state %q", fromState)
	}
	return r.run(ctx, fromState, params)
}

func (r *Runner) run(ctx context.Context, fromState string, params RunParams) (_ *payment.Payment, err error) {
	start := r.clock()
	finalState := fromState

	logger := logging.FromContext(ctx).With(
		zap.String("component", "automaton_runner"),
		zap.String("transaction_type", string(params.TransactionType)),
		zap.String("payment_external_key", params.PaymentExternalKey),
		zap.String("transaction_external_key", params.TransactionExternalKey),
	)
	ctx = logging.ContextWithLogger(ctx, logger)

	ctx, span := r.tracer.Start(ctx, "automaton.run",
		trace.WithAttributes(
			attribute.String("payment.transaction_type", string(params.TransactionType)),
			attribute.String("payment.transaction_external_key", params.TransactionExternalKey),
		),
	)
	defer func() {
		span.SetAttributes(attribute.String("payment.attempt_state", finalState))
		if err != nil && payment.CodeOf(err) != payment.CodeWillRetry {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(payment.CodeOf(err)))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		r.metrics.observeRun(string(params.TransactionType), finalState, r.clock().Sub(start).Seconds())
	}()

	if err := validateParams(params); err != nil {
		return nil, err
	}

	// Duplicate-delivery guard: a run against a terminal attempt is a no-op
	// returning the settled payment.
	latest, lerr := r.store.GetLatestAttemptByTransactionExternalKey(ctx, params.TransactionExternalKey)
	if lerr != nil && !errors.Is(lerr, payment.ErrNotFound) {
		return nil, payment.WrapError(payment.CodeInternal, lerr, "attempt lookup failed")
	}
	if latest != nil && latest.Terminal() {
		finalState = latest.StateName
		logger.Info("attempt_already_terminal", zap.String("state", latest.StateName))
		return r.existingPayment(ctx, params)
	}

	paymentMethodID := params.Account.PaymentMethodFor(params.PaymentMethodID)
	if paymentMethodID == "" {
		return nil, payment.NewError(payment.CodeNoDefaultPaymentMethod, "account %s has no default payment method", params.Account.ID)
	}

	// Fail-fast account lock: contention is a business-visible failure.
	unlock, lockErr := r.locker.Lock(params.Account.ID)
	if lockErr != nil {
		r.metrics.observeLockFailure()
		logger.Error("account_lock_failed", zap.Error(lockErr))
		attempt, aerr := r.helper.createAttempt(ctx, params, paymentMethodID, fromState)
		if aerr == nil {
			if merr := r.helper.markAttempt(ctx, attempt.ID, payment.StateAborted); merr != nil {
				logger.Error("attempt_abort_update_failed", zap.Error(merr))
			}
		}
		finalState = payment.StateAborted
		return nil, payment.WrapError(payment.CodeInternal, lockErr, "account %s is busy", params.Account.ID)
	}
	defer unlock()

	// Re-check under the lock: a concurrent duplicate may have settled the
	// attempt while we were waiting on our try budget.
	latest, lerr = r.store.GetLatestAttemptByTransactionExternalKey(ctx, params.TransactionExternalKey)
	if lerr != nil && !errors.Is(lerr, payment.ErrNotFound) {
		return nil, payment.WrapError(payment.CodeInternal, lerr, "attempt lookup failed")
	}
	if latest != nil && latest.Terminal() {
		finalState = latest.StateName
		logger.Info("attempt_already_terminal", zap.String("state", latest.StateName))
		return r.existingPayment(ctx, params)
	}

	attempt, err := r.helper.createAttempt(ctx, params, paymentMethodID, fromState)
	if err != nil {
		return nil, err
	}

	pay, tx, err := r.helper.fetchOrCreatePayment(ctx, params, paymentMethodID)
	if err != nil {
		return nil, err
	}

	cc := plugin.ControlContext{
		Account:                params.Account,
		PaymentMethodID:        paymentMethodID,
		AttemptID:              attempt.ID,
		PaymentID:              pay.ID,
		PaymentExternalKey:     pay.ExternalKey,
		TransactionID:          tx.ID,
		TransactionExternalKey: tx.ExternalKey,
		TransactionType:        params.TransactionType,
		Amount:                 params.Amount,
		Currency:               params.Currency,
		AttemptNumber:          r.attemptOrdinal(ctx, params.TransactionExternalKey),
		IsSynchronousCaller:    params.IsSynchronousCaller,
		Properties:             params.Properties,
	}

	prior := r.controls.RunPriorCalls(ctx, params.ControlPluginNames, cc)
	if prior.IsAborted {
		finalState, err = r.settleAborted(ctx, attempt, fromState)
		if err != nil {
			return nil, err
		}
		logger.Info("attempt_aborted_by_control", zap.String("plugin", prior.AbortedBy))
		return nil, payment.NewError(payment.CodePluginApiAborted, "control plugin %s vetoed the operation", prior.AbortedBy)
	}

	dispatchAmount := params.Amount
	if prior.IsAdjusted {
		dispatchAmount = prior.AdjustedAmount
		cc.Amount = prior.AdjustedAmount
	}

	proc, perr := r.payments.PaymentPlugin(params.PluginName)
	if perr != nil {
		return nil, payment.WrapError(payment.CodeNoSuchPaymentMethod, perr, "payment plugin %q", params.PluginName)
	}

	callback := r.opFactory.NewOperationCallback(proc, params.TransactionType)
	out := callback.Do(ctx, plugin.CallInput{
		Account:                params.Account,
		PaymentID:              pay.ID,
		TransactionID:          tx.ID,
		PaymentMethodID:        paymentMethodID,
		TransactionExternalKey: tx.ExternalKey,
		Amount:                 dispatchAmount,
		Currency:               params.Currency,
		Properties:             params.Properties,
	})
	r.metrics.observePluginResult(string(params.TransactionType), out.Raw)

	txStatus, err := r.helper.completeTransaction(ctx, pay, tx, out)
	if err != nil {
		return nil, err
	}
	if out.Info != nil {
		cc.ProcessedAmount = out.Info.ProcessedAmount
		cc.ProcessedCurrency = out.Info.ProcessedCurrency
	}

	logger.Info("plugin_result",
		zap.String("raw_result", string(out.Raw)),
		zap.String("transaction_status", string(txStatus)),
	)

	if out.Raw.SuccessLike() {
		r.controls.RunOnSuccessCalls(ctx, params.ControlPluginNames, cc)
		finalState, err = r.settle(ctx, attempt, fromState, EventSuccess, payment.StateSuccess)
		if err != nil {
			return nil, err
		}
		return r.reloadPayment(ctx, pay.ID)
	}

	failure := r.controls.RunOnFailureCalls(ctx, params.ControlPluginNames, cc)

	switch {
	case failure.IsAborted:
		finalState, err = r.settleAborted(ctx, attempt, fromState)
		if err != nil {
			return nil, err
		}
		logger.Info("attempt_aborted_by_control", zap.String("plugin", failure.AbortedBy))
		return nil, payment.NewError(payment.CodePluginApiAborted, "control plugin %s aborted the attempt", failure.AbortedBy)

	case !failure.NextRetryDate.IsZero():
		finalState, err = r.settle(ctx, attempt, fromState, EventRetry, payment.StateRetried)
		if err != nil {
			return nil, err
		}
		r.scheduler.Schedule(params.TransactionExternalKey, failure.NextRetryDate)
		r.metrics.observeRetryScheduled()
		logger.Info("attempt_parked_for_retry", zap.Time("next_retry", failure.NextRetryDate))
		return nil, payment.NewWillRetry(failure.NextRetryDate, params.TransactionExternalKey)

	case out.Raw == RawFailure:
		// Declared gateway failure with no retry configured: the automaton
		// run itself completed, so the attempt settles in SUCCESS and the
		// failed payment is returned as-is.
		finalState, err = r.settle(ctx, attempt, fromState, EventSuccess, payment.StateSuccess)
		if err != nil {
			return nil, err
		}
		return r.reloadPayment(ctx, pay.ID)

	default:
		// Plugin fault with no retry configured.
		finalState, err = r.settleAborted(ctx, attempt, fromState)
		if err != nil {
			return nil, err
		}
		cause := out.Err
		if cause == nil {
			cause = errors.New("plugin failure")
		}
		return nil, payment.WrapError(payment.CodeInternal, cause, "operation %s failed without retry", params.TransactionType)
	}
}

// settle validates the transition against the definition and persists the
// attempt's new state before the caller observes the result.
func (r *Runner) settle(ctx context.Context, attempt *payment.Attempt, fromState, event, wantState string) (string, error) {
	next, err := r.def.Attempt.Transition(ctx, fromState, event)
	if err != nil {
		return fromState, payment.WrapError(payment.CodeInternal, err, "illegal transition")
	}
	if next != wantState {
		return fromState, payment.NewError(payment.CodeInternal, "transition %s(%s) resolved to %s, want %s", fromState, event, next, wantState)
	}
	if err := r.helper.markAttempt(ctx, attempt.ID, next); err != nil {
		return fromState, err
	}
	return next, nil
}

func (r *Runner) settleAborted(ctx context.Context, attempt *payment.Attempt, fromState string) (string, error) {
	return r.settle(ctx, attempt, fromState, EventAbort, payment.StateAborted)
}

func (r *Runner) reloadPayment(ctx context.Context, paymentID string) (*payment.Payment, error) {
	p, err := r.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, payment.WrapError(payment.CodeInternal, err, "payment reload failed")
	}
	return p, nil
}

func (r *Runner) existingPayment(ctx context.Context, params RunParams) (*payment.Payment, error) {
	p, err := r.store.GetPaymentByExternalKey(ctx, params.PaymentExternalKey)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, payment.ErrNotFound) && params.PaymentID != "" {
		if p, err = r.store.GetPayment(ctx, params.PaymentID); err == nil {
			return p, nil
		}
	}
	if errors.Is(err, payment.ErrNotFound) {
		return nil, payment.NewError(payment.CodeNoSuchPayment, "no payment for external key %s", params.PaymentExternalKey)
	}
	return nil, payment.WrapError(payment.CodeInternal, err, "payment lookup failed")
}

func (r *Runner) attemptOrdinal(ctx context.Context, transactionExternalKey string) int {
	attempts, err := r.store.GetAttemptsByTransactionExternalKey(ctx, transactionExternalKey)
	if err != nil {
		return 1
	}
	if len(attempts) == 0 {
		return 1
	}
	return len(attempts)
}

func validateParams(params RunParams) error {
	if params.Account == nil || params.Account.ID == "" {
		return payment.NewError(payment.CodeInternal, "account is required")
	}
	if params.PaymentExternalKey == "" || params.TransactionExternalKey == "" {
		return payment.NewError(payment.CodeInternal, "payment and transaction external keys are required")
	}
	if _, ok := payment.ParseTransactionType(string(params.TransactionType)); !ok {
		return payment.NewError(payment.CodeInternal, "unsupported transaction type %q", params.TransactionType)
	}
	return nil
}
