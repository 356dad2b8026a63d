package plugin

import (
	"context"

	"github.com/Zhima-Mochi/payflow/internal/domain/account"
	"github.com/Zhima-Mochi/payflow/internal/domain/payment"
)

// TransactionInfoStatus is the processor plugin's own declared outcome, before
// any control policy is applied.
type TransactionInfoStatus string

const (
	InfoProcessed TransactionInfoStatus = "PROCESSED"
	InfoPending   TransactionInfoStatus = "PENDING"
	InfoError     TransactionInfoStatus = "ERROR"
	InfoUndefined TransactionInfoStatus = "UNDEFINED"
)

// TransactionInfo is the processor plugin's structured response for one call.
type TransactionInfo struct {
	Status            TransactionInfoStatus
	Amount            int64
	Currency          string
	ProcessedAmount   int64
	ProcessedCurrency string
	GatewayErrorCode  string
	GatewayError      string
}

// Properties is the opaque key/value blob passed through to plugins.
type Properties map[string]string

// CallInput is the normalized argument set for one processor SPI call.
type CallInput struct {
	Account                *account.Account
	PaymentID              string
	TransactionID          string
	PaymentMethodID        string
	TransactionExternalKey string
	Amount                 int64
	Currency               string
	Properties             Properties
}

// PaymentPlugin is the external processor SPI. Implementations may block on
// gateway I/O; the dispatcher bounds every call with a timeout. A returned
// error (or panic) is an adapter fault, distinct from a declared ERROR status.
type PaymentPlugin interface {
	Name() string
	Authorize(ctx context.Context, in CallInput) (*TransactionInfo, error)
	Capture(ctx context.Context, in CallInput) (*TransactionInfo, error)
	Purchase(ctx context.Context, in CallInput) (*TransactionInfo, error)
	Refund(ctx context.Context, in CallInput) (*TransactionInfo, error)
	Void(ctx context.Context, in CallInput) (*TransactionInfo, error)
	Credit(ctx context.Context, in CallInput) (*TransactionInfo, error)
}

// Call routes one SPI invocation by transaction type.
func Call(ctx context.Context, p PaymentPlugin, t payment.TransactionType, in CallInput) (*TransactionInfo, error) {
	switch t {
	case payment.TypeAuthorize:
		return p.Authorize(ctx, in)
	case payment.TypeCapture:
		return p.Capture(ctx, in)
	case payment.TypePurchase:
		return p.Purchase(ctx, in)
	case payment.TypeRefund:
		return p.Refund(ctx, in)
	case payment.TypeVoid:
		return p.Void(ctx, in)
	case payment.TypeCredit:
		return p.Credit(ctx, in)
	default:
		return nil, payment.NewError(payment.CodeInternal, "unsupported transaction type %q", t)
	}
}
