package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/Zhima-Mochi/payflow/internal/domain/payment"
	"github.com/Zhima-Mochi/payflow/internal/infrastructure/memory"
)

func newPayment(id string) *domain.Payment {
	return &domain.Payment{
		ID:              id,
		ExternalKey:     "pay-ext",
		AccountID:       "acct-1",
		PaymentMethodID: "pm-1",
	}
}

func newTxInput() domain.NewTransactionInput {
	return domain.NewTransactionInput{
		ExternalKey:   "tx-ext",
		Type:          domain.TypeAuthorize,
		Amount:        500,
		Currency:      "USD",
		EffectiveDate: time.Now().UTC(),
	}
}

func newAttempt(id, state string) *domain.Attempt {
	now := time.Now().UTC()
	return &domain.Attempt{
		ID:                     id,
		PaymentExternalKey:     "pay-ext",
		TransactionExternalKey: "tx-ext",
		AccountID:              "acct-1",
		PaymentMethodID:        "pm-1",
		TransactionType:        domain.TypeAuthorize,
		StateName:              state,
		Amount:                 500,
		Currency:               "USD",
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func TestCreatePaymentWithTransactionIdempotent(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	p1, tx1, err := store.CreatePaymentWithTransaction(ctx, newPayment("p-1"), newTxInput())
	require.NoError(t, err)
	require.Equal(t, "p-1", p1.ID)
	require.Equal(t, domain.StatusUnknown, tx1.Status)

	// Replay with a different candidate id converges on the existing rows.
	p2, tx2, err := store.CreatePaymentWithTransaction(ctx, newPayment("p-2"), newTxInput())
	require.NoError(t, err)
	require.Equal(t, "p-1", p2.ID)
	require.Equal(t, tx1.ID, tx2.ID)
	require.Len(t, p2.Transactions, 1)
}

func TestCreatePaymentAppendsAfterSettlement(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	_, tx1, err := store.CreatePaymentWithTransaction(ctx, newPayment("p-1"), newTxInput())
	require.NoError(t, err)

	// The placeholder advanced: the next cycle gets its own row.
	require.NoError(t, store.UpdateTransaction(ctx, tx1.ID, domain.TransactionUpdate{
		Status: domain.StatusPaymentFailure,
	}))

	p, tx2, err := store.CreatePaymentWithTransaction(ctx, newPayment("p-ignored"), newTxInput())
	require.NoError(t, err)
	require.NotEqual(t, tx1.ID, tx2.ID)
	require.Len(t, p.Transactions, 2)
}

func TestCreateAttemptIdempotencyWindow(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	a1, err := store.CreateAttempt(ctx, newAttempt("a-1", domain.StateInit))
	require.NoError(t, err)

	// Duplicate of the untouched row hands back the same attempt.
	a2, err := store.CreateAttempt(ctx, newAttempt("a-2", domain.StateInit))
	require.NoError(t, err)
	require.Equal(t, a1.ID, a2.ID)

	// Once the row advanced, a new cycle opens a fresh row.
	require.NoError(t, store.UpdateAttemptState(ctx, a1.ID, domain.StateRetried))

	a3, err := store.CreateAttempt(ctx, newAttempt("a-3", domain.StateRetried))
	require.NoError(t, err)
	require.NotEqual(t, a1.ID, a3.ID)

	attempts, err := store.GetAttemptsByTransactionExternalKey(ctx, "tx-ext")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, domain.StateRetried, attempts[0].StateName)
	require.Equal(t, domain.StateRetried, attempts[1].StateName)

	latest, err := store.GetLatestAttemptByTransactionExternalKey(ctx, "tx-ext")
	require.NoError(t, err)
	require.Equal(t, "a-3", latest.ID)
}

func TestUpdatePaymentStateTracksLastSuccess(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	p, _, err := store.CreatePaymentWithTransaction(ctx, newPayment("p-1"), newTxInput())
	require.NoError(t, err)

	require.NoError(t, store.UpdatePaymentState(ctx, p.ID, "AUTHORIZE_SUCCESS", true))
	require.NoError(t, store.UpdatePaymentState(ctx, p.ID, "CAPTURE_FAILED", false))

	got, err := store.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "CAPTURE_FAILED", got.StateName)
	require.Equal(t, "AUTHORIZE_SUCCESS", got.LastSuccessStateName)
}

func TestStoreNotFound(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	_, err := store.GetPayment(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.GetPaymentByExternalKey(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.GetLatestAttemptByTransactionExternalKey(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.ErrorIs(t, store.UpdateAttemptState(ctx, "nope", domain.StateAborted), domain.ErrNotFound)
	require.ErrorIs(t, store.UpdatePaymentState(ctx, "nope", "X", false), domain.ErrNotFound)
}

func TestStoreReturnsClones(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	p, _, err := store.CreatePaymentWithTransaction(ctx, newPayment("p-1"), newTxInput())
	require.NoError(t, err)

	p.StateName = "MUTATED"
	p.Transactions[0].Status = domain.StatusSuccess

	got, err := store.GetPayment(ctx, "p-1")
	require.NoError(t, err)
	require.Empty(t, got.StateName)
	require.Equal(t, domain.StatusUnknown, got.Transactions[0].Status)
}
