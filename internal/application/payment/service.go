package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Zhima-Mochi/payflow/internal/application"
	"github.com/Zhima-Mochi/payflow/internal/application/automaton"
	dompay "github.com/Zhima-Mochi/payflow/internal/domain/payment"
	"github.com/Zhima-Mochi/payflow/internal/domain/plugin"
	"github.com/Zhima-Mochi/payflow/internal/pkg/logging"
)

// ProcessPaymentInput is one inbound payment operation. PaymentExternalKey
// and TransactionExternalKey are the caller's idempotency handles; replays
// with the same keys converge on the same rows.
type ProcessPaymentInput struct {
	AccountID              string
	TransactionType        string
	PaymentMethodID        string
	PaymentID              string
	PaymentExternalKey     string
	TransactionExternalKey string
	Amount                 int64
	Currency               string
	EffectiveDate          time.Time
	PluginName             string
	Properties             map[string]string
	ControlPlugins         []string
}

// ProcessPaymentResult carries the settled payment, or the retry date when
// the attempt was parked instead of settled.
type ProcessPaymentResult struct {
	Payment   *dompay.Payment
	Retrying  bool
	NextRetry time.Time
}

// Service is the application facade over the automaton runner. It resolves
// the account, fills operation defaults, and owns the resume path the retry
// scheduler calls back into.
type Service struct {
	runner          *automaton.Runner
	accounts        AccountResolver
	store           dompay.Store
	defaultPlugin   string
	defaultControls []string
}

var _ application.UseCase[ProcessPaymentInput, *ProcessPaymentResult] = (*Service)(nil)

func NewService(runner *automaton.Runner, accounts AccountResolver, store dompay.Store, defaultPlugin string, defaultControls []string) *Service {
	return &Service{
		runner:          runner,
		accounts:        accounts,
		store:           store,
		defaultPlugin:   defaultPlugin,
		defaultControls: defaultControls,
	}
}

// Execute runs one payment operation from the automaton's initial state.
// A parked retry is reported in the result, not as an error.
func (s *Service) Execute(ctx context.Context, cmd ProcessPaymentInput) (*ProcessPaymentResult, error) {
	params, err := s.buildParams(ctx, cmd)
	if err != nil {
		return nil, err
	}

	pay, err := s.runner.Run(ctx, params)
	if err != nil {
		if dompay.CodeOf(err) == dompay.CodeWillRetry {
			var perr *dompay.Error
			res := &ProcessPaymentResult{Retrying: true}
			if errors.As(err, &perr) {
				res.NextRetry = perr.RetryAt
			}
			return res, nil
		}
		return nil, err
	}
	return &ProcessPaymentResult{Payment: pay}, nil
}

// Resume re-runs a parked transaction from RETRIED. Called by the retry
// scheduler; a further park is absorbed because the runner re-arms the
// scheduler itself before reporting it.
func (s *Service) Resume(ctx context.Context, transactionExternalKey string) error {
	logger := logging.FromContext(ctx).With(
		zap.String("component", "payment_service"),
		zap.String("transaction_external_key", transactionExternalKey),
	)

	attempt, err := s.store.GetLatestAttemptByTransactionExternalKey(ctx, transactionExternalKey)
	if err != nil {
		if errors.Is(err, dompay.ErrNotFound) {
			logger.Warn("resume_without_attempt")
			return nil
		}
		return err
	}
	if attempt.Terminal() {
		logger.Info("resume_skipped_terminal", zap.String("state", attempt.StateName))
		return nil
	}

	acct, err := s.accounts.Account(ctx, attempt.AccountID)
	if err != nil {
		return err
	}

	var props plugin.Properties
	if len(attempt.PluginProperties) > 0 {
		if uerr := json.Unmarshal(attempt.PluginProperties, &props); uerr != nil {
			logger.Warn("resume_properties_decode_failed", zap.Error(uerr))
		}
	}

	pluginName := attempt.PluginName
	if pluginName == "" {
		pluginName = s.defaultPlugin
	}

	_, err = s.runner.RunFromState(ctx, dompay.StateRetried, automaton.RunParams{
		TransactionType:        attempt.TransactionType,
		Account:                acct,
		PaymentMethodID:        attempt.PaymentMethodID,
		PaymentExternalKey:     attempt.PaymentExternalKey,
		TransactionExternalKey: attempt.TransactionExternalKey,
		Amount:                 attempt.Amount,
		Currency:               attempt.Currency,
		PluginName:             pluginName,
		Properties:             props,
		ControlPluginNames:     attempt.ControlPlugins,
	})
	if err != nil && dompay.CodeOf(err) != dompay.CodeWillRetry {
		return err
	}
	return nil
}

// GetPayment returns the payment aggregate by id.
func (s *Service) GetPayment(ctx context.Context, paymentID string) (*dompay.Payment, error) {
	return s.store.GetPayment(ctx, paymentID)
}

// GetPaymentByExternalKey returns the payment aggregate by external key.
func (s *Service) GetPaymentByExternalKey(ctx context.Context, externalKey string) (*dompay.Payment, error) {
	return s.store.GetPaymentByExternalKey(ctx, externalKey)
}

func (s *Service) buildParams(ctx context.Context, cmd ProcessPaymentInput) (automaton.RunParams, error) {
	if cmd.AccountID == "" {
		return automaton.RunParams{}, dompay.NewError(dompay.CodeInternal, "account id is required")
	}
	txType, ok := dompay.ParseTransactionType(cmd.TransactionType)
	if !ok {
		return automaton.RunParams{}, dompay.NewError(dompay.CodeInternal, "unsupported transaction type %q", cmd.TransactionType)
	}

	acct, err := s.accounts.Account(ctx, cmd.AccountID)
	if err != nil {
		return automaton.RunParams{}, err
	}

	pluginName := cmd.PluginName
	if pluginName == "" {
		pluginName = s.defaultPlugin
	}
	controls := cmd.ControlPlugins
	if controls == nil {
		controls = s.defaultControls
	}

	return automaton.RunParams{
		IsSynchronousCaller:    true,
		TransactionType:        txType,
		Account:                acct,
		PaymentMethodID:        cmd.PaymentMethodID,
		PaymentID:              cmd.PaymentID,
		PaymentExternalKey:     cmd.PaymentExternalKey,
		TransactionExternalKey: cmd.TransactionExternalKey,
		Amount:                 cmd.Amount,
		Currency:               cmd.Currency,
		EffectiveDate:          cmd.EffectiveDate,
		PluginName:             pluginName,
		Properties:             cmd.Properties,
		ControlPluginNames:     controls,
	}, nil
}
