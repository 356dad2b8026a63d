package automaton

import (
	"context"
	"errors"
	"time"

	"github.com/Zhima-Mochi/payflow/internal/domain/payment"
	"github.com/Zhima-Mochi/payflow/internal/domain/plugin"
	"github.com/Zhima-Mochi/payflow/internal/pkg/dispatcher"
	"github.com/Zhima-Mochi/payflow/internal/pkg/logging"
	"go.uber.org/zap"
)

// RawResult is the unmodified outcome of one operation callback, before any
// control policy is applied.
type RawResult string

const (
	RawSuccess   RawResult = "SUCCESS"
	RawFailure   RawResult = "FAILURE"
	RawPending   RawResult = "PENDING"
	RawException RawResult = "EXCEPTION"
)

// SuccessLike reports whether the raw result selects the onSuccess control
// hooks. PENDING counts: the gateway accepted the work.
func (r RawResult) SuccessLike() bool {
	return r == RawSuccess || r == RawPending
}

// OperationOutcome is the normalized result of exactly one processor SPI call.
// Info is nil when the plugin threw, panicked or timed out.
type OperationOutcome struct {
	Raw  RawResult
	Info *plugin.TransactionInfo
	Err  error
}

// OperationCallback wraps exactly one SPI call. Implementations never let a
// plugin fault escape as a raw error; it comes back as Raw == EXCEPTION.
type OperationCallback interface {
	Do(ctx context.Context, in plugin.CallInput) OperationOutcome
}

// OperationCallbackFactory builds the callback for one run. Injected so tests
// can substitute fault-injecting fakes without touching the runner.
type OperationCallbackFactory interface {
	NewOperationCallback(p plugin.PaymentPlugin, t payment.TransactionType) OperationCallback
}

// PluginDispatcher is the bounded-pool executor for plugin calls.
type PluginDispatcher = dispatcher.Dispatcher[*plugin.TransactionInfo]

// NewPluginDispatcher builds the pool used by the default callback factory.
func NewPluginDispatcher(poolSize int, timeout time.Duration) *PluginDispatcher {
	return dispatcher.New[*plugin.TransactionInfo](poolSize, timeout)
}

type dispatchingFactory struct {
	disp *PluginDispatcher
}

// NewOperationCallbackFactory returns the production factory: every call goes
// through the shared dispatcher pool with its per-call timeout.
func NewOperationCallbackFactory(disp *PluginDispatcher) OperationCallbackFactory {
	return &dispatchingFactory{disp: disp}
}

func (f *dispatchingFactory) NewOperationCallback(p plugin.PaymentPlugin, t payment.TransactionType) OperationCallback {
	return &pluginOperation{plugin: p, txType: t, disp: f.disp}
}

type pluginOperation struct {
	plugin plugin.PaymentPlugin
	txType payment.TransactionType
	disp   *PluginDispatcher
}

func (o *pluginOperation) Do(ctx context.Context, in plugin.CallInput) OperationOutcome {
	info, err := o.disp.Dispatch(ctx, func(callCtx context.Context) (*plugin.TransactionInfo, error) {
		return plugin.Call(callCtx, o.plugin, o.txType, in)
	})
	if err != nil {
		logger := logging.FromContext(ctx)
		switch {
		case errors.Is(err, dispatcher.ErrTimeout):
			logger.Warn("plugin_call_timeout",
				zap.String("plugin", o.plugin.Name()),
				zap.String("transaction_type", string(o.txType)),
			)
		default:
			logger.Warn("plugin_call_failed",
				zap.String("plugin", o.plugin.Name()),
				zap.String("transaction_type", string(o.txType)),
				zap.Error(err),
			)
		}
		return OperationOutcome{Raw: RawException, Err: err}
	}
	if info == nil {
		return OperationOutcome{Raw: RawException, Err: errors.New("plugin returned no transaction info")}
	}

	switch info.Status {
	case plugin.InfoProcessed:
		return OperationOutcome{Raw: RawSuccess, Info: info}
	case plugin.InfoPending:
		return OperationOutcome{Raw: RawPending, Info: info}
	case plugin.InfoError:
		return OperationOutcome{Raw: RawFailure, Info: info}
	default:
		// UNDEFINED: the gateway cannot say what happened. Treated like a
		// plugin fault so the control policy decides whether to retry.
		return OperationOutcome{Raw: RawException, Info: info, Err: errors.New("plugin returned undefined status")}
	}
}

// TransactionStatusFor maps an operation outcome to the stored status.
func TransactionStatusFor(out OperationOutcome) payment.TransactionStatus {
	if out.Info == nil {
		return payment.StatusPluginFailure
	}
	switch out.Info.Status {
	case plugin.InfoProcessed:
		return payment.StatusSuccess
	case plugin.InfoPending:
		return payment.StatusPending
	case plugin.InfoError:
		return payment.StatusPaymentFailure
	default:
		return payment.StatusPluginFailure
	}
}
