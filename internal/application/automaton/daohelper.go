package automaton

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Zhima-Mochi/payflow/internal/domain/payment"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/id"
)

// storeHelper concentrates the runner's store traffic: idempotent row
// creation before the plugin call, status updates after.
type storeHelper struct {
	store payment.Store
	ids   id.Generator
	def   *Definition
	clock func() time.Time
}

// fetchOrCreatePayment locates the payment for the external key or creates
// it, and returns the transaction row for this run cycle with status UNKNOWN.
func (h *storeHelper) fetchOrCreatePayment(ctx context.Context, params RunParams, paymentMethodID string) (*payment.Payment, *payment.Transaction, error) {
	now := h.clock()

	if params.PaymentID != "" {
		// Resuming against an explicit payment id: the row must exist.
		if _, err := h.store.GetPayment(ctx, params.PaymentID); err != nil {
			if errors.Is(err, payment.ErrNotFound) {
				return nil, nil, payment.NewError(payment.CodeNoSuchPayment, "payment %s does not exist", params.PaymentID)
			}
			return nil, nil, payment.WrapError(payment.CodeInternal, err, "payment lookup failed")
		}
	}

	p := &payment.Payment{
		ID:              params.PaymentID,
		ExternalKey:     params.PaymentExternalKey,
		AccountID:       params.Account.ID,
		PaymentMethodID: paymentMethodID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.ID == "" {
		p.ID = h.ids.NewID()
	}

	effective := params.EffectiveDate
	if effective.IsZero() {
		effective = now
	}

	created, tx, err := h.store.CreatePaymentWithTransaction(ctx, p, payment.NewTransactionInput{
		ExternalKey:   params.TransactionExternalKey,
		Type:          params.TransactionType,
		Amount:        params.Amount,
		Currency:      params.Currency,
		EffectiveDate: effective,
	})
	if err != nil {
		return nil, nil, payment.WrapError(payment.CodeInternal, err, "payment row creation failed")
	}
	return created, tx, nil
}

// createAttempt opens the attempt row for this run cycle at the given state.
func (h *storeHelper) createAttempt(ctx context.Context, params RunParams, paymentMethodID, stateName string) (*payment.Attempt, error) {
	now := h.clock()
	a := &payment.Attempt{
		ID:                     h.ids.NewID(),
		PaymentExternalKey:     params.PaymentExternalKey,
		TransactionExternalKey: params.TransactionExternalKey,
		AccountID:              params.Account.ID,
		PaymentMethodID:        paymentMethodID,
		TransactionType:        params.TransactionType,
		StateName:              stateName,
		Amount:                 params.Amount,
		Currency:               params.Currency,
		PluginName:             params.PluginName,
		PluginProperties:       encodeProperties(params.Properties),
		ControlPlugins:         params.ControlPluginNames,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	created, err := h.store.CreateAttempt(ctx, a)
	if err != nil {
		return nil, payment.WrapError(payment.CodeInternal, err, "attempt row creation failed")
	}
	return created, nil
}

// completeTransaction records the plugin's verdict on the transaction row and
// the derived payment state.
func (h *storeHelper) completeTransaction(ctx context.Context, p *payment.Payment, tx *payment.Transaction, out OperationOutcome) (payment.TransactionStatus, error) {
	status := TransactionStatusFor(out)
	upd := payment.TransactionUpdate{Status: status}
	if out.Info != nil {
		upd.ProcessedAmount = out.Info.ProcessedAmount
		upd.ProcessedCurrency = out.Info.ProcessedCurrency
		upd.GatewayErrorCode = out.Info.GatewayErrorCode
		upd.GatewayErrorMsg = out.Info.GatewayError
	} else if out.Err != nil {
		upd.GatewayErrorMsg = out.Err.Error()
	}
	if err := h.store.UpdateTransaction(ctx, tx.ID, upd); err != nil {
		return status, payment.WrapError(payment.CodeInternal, err, "transaction update failed")
	}

	from := GenericPaymentState(p.StateName)
	if _, err := h.def.Payment.Transition(ctx, from, PaymentEventFor(status)); err != nil {
		return status, payment.WrapError(payment.CodeInternal, err, "illegal payment transition")
	}

	stateName := PaymentStateName(tx.Type, status)
	lastSuccess := status == payment.StatusSuccess || status == payment.StatusPending
	if err := h.store.UpdatePaymentState(ctx, p.ID, stateName, lastSuccess); err != nil {
		return status, payment.WrapError(payment.CodeInternal, err, "payment state update failed")
	}
	return status, nil
}

func (h *storeHelper) markAttempt(ctx context.Context, attemptID, stateName string) error {
	if err := h.store.UpdateAttemptState(ctx, attemptID, stateName); err != nil {
		return payment.WrapError(payment.CodeInternal, err, "attempt state update failed")
	}
	return nil
}

func encodeProperties(props map[string]string) []byte {
	if len(props) == 0 {
		return nil
	}
	buf, err := json.Marshal(props)
	if err != nil {
		return nil
	}
	return buf
}
