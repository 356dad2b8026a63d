package payment

import (
	"context"
	"time"
)

// NewTransactionInput carries everything needed to append a transaction row.
type NewTransactionInput struct {
	ExternalKey   string
	Type          TransactionType
	Amount        int64
	Currency      string
	EffectiveDate time.Time
}

// TransactionUpdate is applied after the processor plugin has been consulted.
type TransactionUpdate struct {
	Status            TransactionStatus
	ProcessedAmount   int64
	ProcessedCurrency string
	GatewayErrorCode  string
	GatewayErrorMsg   string
}

// Store is the attempt/transaction persistence contract. All creation
// operations are idempotent on their external keys so at-least-once callers
// can always converge on the same rows. Implementations must provide at least
// read-committed isolation on individual row writes; attempt ordering within
// a transaction external key follows insertion order.
type Store interface {
	// CreatePaymentWithTransaction creates the payment and its first
	// transaction in one step. When a payment already exists for the
	// external key the transaction is appended to it instead, unless a
	// reusable (UNKNOWN) row already carries the transaction external key,
	// in which case that row is returned. The returned payment reflects
	// the post-insert state.
	CreatePaymentWithTransaction(ctx context.Context, p *Payment, tx NewTransactionInput) (*Payment, *Transaction, error)

	// CreateAttempt inserts a new attempt row. Duplicate deliveries
	// converge: when the newest row for the transaction external key is
	// still untouched in the requested state, that row is returned
	// instead of inserting a second one.
	CreateAttempt(ctx context.Context, a *Attempt) (*Attempt, error)

	UpdateTransaction(ctx context.Context, transactionID string, upd TransactionUpdate) error
	UpdateAttemptState(ctx context.Context, attemptID string, stateName string) error
	UpdatePaymentState(ctx context.Context, paymentID string, stateName string, lastSuccess bool) error

	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
	GetPaymentByExternalKey(ctx context.Context, externalKey string) (*Payment, error)
	GetAttempt(ctx context.Context, attemptID string) (*Attempt, error)
	// GetLatestAttemptByTransactionExternalKey returns the newest attempt
	// row for the key, ErrNotFound when none exists.
	GetLatestAttemptByTransactionExternalKey(ctx context.Context, key string) (*Attempt, error)
	// GetAttemptsByTransactionExternalKey returns every attempt row for
	// the key in insertion order.
	GetAttemptsByTransactionExternalKey(ctx context.Context, key string) ([]*Attempt, error)
}
