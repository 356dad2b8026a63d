package automaton_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/payflow/internal/application/automaton"
	"github.com/Zhima-Mochi/payflow/internal/domain/account"
	"github.com/Zhima-Mochi/payflow/internal/domain/payment"
	"github.com/Zhima-Mochi/payflow/internal/domain/plugin"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/provider"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/registry"
	"github.com/Zhima-Mochi/payflow/internal/pkg/lock"
)

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
}

type scheduledJob struct {
	key       string
	notBefore time.Time
}

func (s *recordingScheduler) Schedule(key string, notBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, scheduledJob{key: key, notBefore: notBefore})
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fakeControl struct {
	name      string
	prior     func(plugin.ControlContext) (plugin.PriorResult, error)
	onSuccess func(plugin.ControlContext) (plugin.OnSuccessResult, error)
	onFailure func(plugin.ControlContext) (plugin.OnFailureResult, error)
}

func (f *fakeControl) Name() string { return f.name }

func (f *fakeControl) PriorCall(_ context.Context, cc plugin.ControlContext) (plugin.PriorResult, error) {
	if f.prior == nil {
		return plugin.PriorResult{}, nil
	}
	return f.prior(cc)
}

func (f *fakeControl) OnSuccessCall(_ context.Context, cc plugin.ControlContext) (plugin.OnSuccessResult, error) {
	if f.onSuccess == nil {
		return plugin.OnSuccessResult{}, nil
	}
	return f.onSuccess(cc)
}

func (f *fakeControl) OnFailureCall(_ context.Context, cc plugin.ControlContext) (plugin.OnFailureResult, error) {
	if f.onFailure == nil {
		return plugin.OnFailureResult{}, nil
	}
	return f.onFailure(cc)
}

type failingLocker struct{}

func (failingLocker) Lock(accountID string) (lock.Unlock, error) {
	return nil, lock.ErrLockFailed
}

type fixture struct {
	runner    *automaton.Runner
	store     *memory.Store
	mock      *provider.Mock
	plugins   *registry.Registry
	scheduler *recordingScheduler
}

func newFixture(t *testing.T, opts ...func(*automaton.RunnerConfig)) *fixture {
	t.Helper()

	store := memory.NewStore()
	plugins := registry.New()
	mock := provider.NewMock("mock-gateway")
	plugins.RegisterPaymentPlugin(mock)
	scheduler := &recordingScheduler{}

	cfg := automaton.RunnerConfig{
		Store:      store,
		Locker:     lock.NewAccountLocker("payflow-test", 1),
		Payments:   plugins,
		Controls:   automaton.NewControlRunner(plugins),
		Scheduler:  scheduler,
		IDs:        newSeqIDs(),
		Dispatcher: automaton.NewPluginDispatcher(4, time.Second),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &fixture{
		runner:    automaton.NewRunner(cfg),
		store:     store,
		mock:      mock,
		plugins:   plugins,
		scheduler: scheduler,
	}
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func newSeqIDs() *seqIDs { return &seqIDs{} }

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "id-" + strconv.Itoa(s.n)
}

func testAccount() *account.Account {
	return &account.Account{
		ID:                     "acct-1",
		ExternalKey:            "acct-ext-1",
		DefaultPaymentMethodID: "pm-default",
		Currency:               "USD",
	}
}

func baseParams() automaton.RunParams {
	return automaton.RunParams{
		IsSynchronousCaller:    true,
		TransactionType:        payment.TypeAuthorize,
		Account:                testAccount(),
		PaymentExternalKey:     "pay-ext-1",
		TransactionExternalKey: "tx-ext-1",
		Amount:                 1000,
		Currency:               "USD",
		PluginName:             "mock-gateway",
	}
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t)

	pay, err := f.runner.Run(context.Background(), baseParams())
	require.NoError(t, err)
	require.NotNil(t, pay)
	require.Equal(t, "AUTHORIZE_SUCCESS", pay.StateName)
	require.Equal(t, "AUTHORIZE_SUCCESS", pay.LastSuccessStateName)
	require.Len(t, pay.Transactions, 1)
	require.Equal(t, payment.StatusSuccess, pay.Transactions[0].Status)
	require.Equal(t, int64(1000), pay.Transactions[0].ProcessedAmount)

	attempt, err := f.store.GetLatestAttemptByTransactionExternalKey(context.Background(), "tx-ext-1")
	require.NoError(t, err)
	require.Equal(t, payment.StateSuccess, attempt.StateName)
}

func TestRunPendingIsSuccessLike(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("tx-ext-1", provider.Behavior{Status: plugin.InfoPending})

	var successFired bool
	f.plugins.RegisterControlPlugin(&fakeControl{
		name: "watcher",
		onSuccess: func(plugin.ControlContext) (plugin.OnSuccessResult, error) {
			successFired = true
			return plugin.OnSuccessResult{}, nil
		},
	})
	params := baseParams()
	params.ControlPluginNames = []string{"watcher"}

	pay, err := f.runner.Run(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, "AUTHORIZE_PENDING", pay.StateName)
	require.Equal(t, payment.StatusPending, pay.Transactions[0].Status)
	require.True(t, successFired)

	attempt, err := f.store.GetLatestAttemptByTransactionExternalKey(context.Background(), "tx-ext-1")
	require.NoError(t, err)
	require.Equal(t, payment.StateSuccess, attempt.StateName)
}

func TestRunIdempotentReplay(t *testing.T) {
	f := newFixture(t)

	first, err := f.runner.Run(context.Background(), baseParams())
	require.NoError(t, err)

	second, err := f.runner.Run(context.Background(), baseParams())
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Len(t, second.Transactions, 1)
	require.Equal(t, 1, f.mock.Calls("tx-ext-1"))

	attempts, err := f.store.GetAttemptsByTransactionExternalKey(context.Background(), "tx-ext-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
}

func TestRunPriorCallAbort(t *testing.T) {
	f := newFixture(t)

	var successFired, failureFired bool
	f.plugins.RegisterControlPlugin(&fakeControl{
		name: "veto",
		prior: func(plugin.ControlContext) (plugin.PriorResult, error) {
			return plugin.PriorResult{IsAborted: true}, nil
		},
		onSuccess: func(plugin.ControlContext) (plugin.OnSuccessResult, error) {
			successFired = true
			return plugin.OnSuccessResult{}, nil
		},
		onFailure: func(plugin.ControlContext) (plugin.OnFailureResult, error) {
			failureFired = true
			return plugin.OnFailureResult{}, nil
		},
	})
	params := baseParams()
	params.ControlPluginNames = []string{"veto"}

	pay, err := f.runner.Run(context.Background(), params)
	require.Nil(t, pay)
	require.Equal(t, payment.CodePluginApiAborted, payment.CodeOf(err))

	// The processor was never dispatched and no completion hook fired.
	require.Zero(t, f.mock.Calls("tx-ext-1"))
	require.False(t, successFired)
	require.False(t, failureFired)

	attempt, aerr := f.store.GetLatestAttemptByTransactionExternalKey(context.Background(), "tx-ext-1")
	require.NoError(t, aerr)
	require.Equal(t, payment.StateAborted, attempt.StateName)
}

func TestRunDeclaredFailureWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("tx-ext-1", provider.Behavior{
		Status:       plugin.InfoError,
		ErrorCode:    "card_declined",
		ErrorMessage: "insufficient funds",
	})

	// Declared gateway failure and no retry proposed: the run settles the
	// attempt in SUCCESS and hands back the failed payment without error.
	pay, err := f.runner.Run(context.Background(), baseParams())
	require.NoError(t, err)
	require.NotNil(t, pay)
	require.Equal(t, "AUTHORIZE_FAILED", pay.StateName)
	require.Empty(t, pay.LastSuccessStateName)
	require.Equal(t, payment.StatusPaymentFailure, pay.Transactions[0].Status)
	require.Equal(t, "card_declined", pay.Transactions[0].GatewayErrorCode)

	attempt, aerr := f.store.GetLatestAttemptByTransactionExternalKey(context.Background(), "tx-ext-1")
	require.NoError(t, aerr)
	require.Equal(t, payment.StateSuccess, attempt.StateName)
}

func TestRunPluginFaultWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("tx-ext-1", provider.Behavior{Err: errors.New("gateway unreachable")})

	pay, err := f.runner.Run(context.Background(), baseParams())
	require.Nil(t, pay)
	require.Equal(t, payment.CodeInternal, payment.CodeOf(err))

	attempt, aerr := f.store.GetLatestAttemptByTransactionExternalKey(context.Background(), "tx-ext-1")
	require.NoError(t, aerr)
	require.Equal(t, payment.StateAborted, attempt.StateName)

	pay, perr := f.store.GetPaymentByExternalKey(context.Background(), "pay-ext-1")
	require.NoError(t, perr)
	require.Equal(t, payment.StatusPluginFailure, pay.Transactions[0].Status)
}

func TestRunFailureWithRetrySchedulesOneJob(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("tx-ext-1", provider.Behavior{Status: plugin.InfoError})

	retryAt := time.Now().Add(time.Hour).UTC()
	f.plugins.RegisterControlPlugin(&fakeControl{
		name: "retrier",
		onFailure: func(plugin.ControlContext) (plugin.OnFailureResult, error) {
			return plugin.OnFailureResult{NextRetryDate: retryAt}, nil
		},
	})
	params := baseParams()
	params.ControlPluginNames = []string{"retrier"}

	pay, err := f.runner.Run(context.Background(), params)
	require.Nil(t, pay)
	require.Equal(t, payment.CodeWillRetry, payment.CodeOf(err))

	var perr *payment.Error
	require.ErrorAs(t, err, &perr)
	require.True(t, perr.RetryAt.Equal(retryAt))

	require.Equal(t, 1, f.scheduler.count())
	require.Equal(t, "tx-ext-1", f.scheduler.jobs[0].key)

	attempt, aerr := f.store.GetLatestAttemptByTransactionExternalKey(context.Background(), "tx-ext-1")
	require.NoError(t, aerr)
	require.Equal(t, payment.StateRetried, attempt.StateName)
}

func TestRunResumeFromRetried(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("tx-ext-1", provider.Behavior{Status: plugin.InfoError})

	f.plugins.RegisterControlPlugin(&fakeControl{
		name: "retrier",
		onFailure: func(plugin.ControlContext) (plugin.OnFailureResult, error) {
			return plugin.OnFailureResult{NextRetryDate: time.Now().Add(time.Minute)}, nil
		},
	})
	params := baseParams()
	params.ControlPluginNames = []string{"retrier"}

	_, err := f.runner.Run(context.Background(), params)
	require.Equal(t, payment.CodeWillRetry, payment.CodeOf(err))

	// Gateway recovers; the resumed run succeeds.
	f.mock.Script("tx-ext-1", provider.Behavior{})
	pay, err := f.runner.RunFromState(context.Background(), payment.StateRetried, params)
	require.NoError(t, err)
	require.Equal(t, "AUTHORIZE_SUCCESS", pay.StateName)

	// One attempt row per cycle: the parked one and the resumed one.
	attempts, aerr := f.store.GetAttemptsByTransactionExternalKey(context.Background(), "tx-ext-1")
	require.NoError(t, aerr)
	require.Len(t, attempts, 2)
	require.Equal(t, payment.StateRetried, attempts[0].StateName)
	require.Equal(t, payment.StateSuccess, attempts[1].StateName)

	// Each cycle settled its own transaction row.
	require.Len(t, pay.Transactions, 2)
	require.Equal(t, payment.StatusPaymentFailure, pay.Transactions[0].Status)
	require.Equal(t, payment.StatusSuccess, pay.Transactions[1].Status)
}

func TestRunLockFailureAborts(t *testing.T) {
	f := newFixture(t, func(cfg *automaton.RunnerConfig) {
		cfg.Locker = failingLocker{}
	})

	pay, err := f.runner.Run(context.Background(), baseParams())
	require.Nil(t, pay)
	require.Equal(t, payment.CodeInternal, payment.CodeOf(err))
	require.ErrorIs(t, err, lock.ErrLockFailed)

	attempt, aerr := f.store.GetLatestAttemptByTransactionExternalKey(context.Background(), "tx-ext-1")
	require.NoError(t, aerr)
	require.Equal(t, payment.StateAborted, attempt.StateName)

	require.Zero(t, f.mock.Calls("tx-ext-1"))
}

func TestRunTerminalAttemptIsNoOp(t *testing.T) {
	f := newFixture(t)

	first, err := f.runner.Run(context.Background(), baseParams())
	require.NoError(t, err)

	// Replay after settlement: no new rows, no plugin call, same payment.
	again, err := f.runner.Run(context.Background(), baseParams())
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 1, f.mock.Calls("tx-ext-1"))
}

func TestRunNoDefaultPaymentMethod(t *testing.T) {
	f := newFixture(t)

	params := baseParams()
	params.Account.DefaultPaymentMethodID = ""

	pay, err := f.runner.Run(context.Background(), params)
	require.Nil(t, pay)
	require.Equal(t, payment.CodeNoDefaultPaymentMethod, payment.CodeOf(err))
}

func TestRunUnknownPluginName(t *testing.T) {
	f := newFixture(t)

	params := baseParams()
	params.PluginName = "nope"

	pay, err := f.runner.Run(context.Background(), params)
	require.Nil(t, pay)
	require.Equal(t, payment.CodeNoSuchPaymentMethod, payment.CodeOf(err))
}

func TestRunMissingPaymentID(t *testing.T) {
	f := newFixture(t)

	params := baseParams()
	params.PaymentID = "does-not-exist"

	pay, err := f.runner.Run(context.Background(), params)
	require.Nil(t, pay)
	require.Equal(t, payment.CodeNoSuchPayment, payment.CodeOf(err))
}

func TestRunPriorCallAdjustsAmount(t *testing.T) {
	f := newFixture(t)

	f.plugins.RegisterControlPlugin(&fakeControl{
		name: "discount",
		prior: func(cc plugin.ControlContext) (plugin.PriorResult, error) {
			return plugin.PriorResult{IsAdjusted: true, AdjustedAmount: cc.Amount / 2}, nil
		},
	})
	params := baseParams()
	params.ControlPluginNames = []string{"discount"}

	pay, err := f.runner.Run(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, int64(500), pay.Transactions[0].ProcessedAmount)
}

func TestRunControlPluginPanicHasNoOpinion(t *testing.T) {
	f := newFixture(t)
	f.mock.Script("tx-ext-1", provider.Behavior{Status: plugin.InfoError})

	f.plugins.RegisterControlPlugin(&fakeControl{
		name: "broken",
		onFailure: func(plugin.ControlContext) (plugin.OnFailureResult, error) {
			panic("boom")
		},
	})
	params := baseParams()
	params.ControlPluginNames = []string{"broken"}

	// A panicking policy neither aborts nor retries: the declared failure
	// settles normally.
	pay, err := f.runner.Run(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, "AUTHORIZE_FAILED", pay.StateName)
	require.Zero(t, f.scheduler.count())
}
