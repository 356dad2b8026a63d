package plugin

import (
	"context"
	"time"

	"github.com/Zhima-Mochi/payflow/internal/domain/account"
	"github.com/Zhima-Mochi/payflow/internal/domain/payment"
)

// ControlContext exposes the attempt metadata a control policy may inspect.
// ProcessedAmount/ProcessedCurrency are only populated for post-call hooks.
type ControlContext struct {
	Account                *account.Account
	PaymentMethodID        string
	AttemptID              string
	PaymentID              string
	PaymentExternalKey     string
	TransactionID          string
	TransactionExternalKey string
	TransactionType        payment.TransactionType
	Amount                 int64
	Currency               string
	ProcessedAmount        int64
	ProcessedCurrency      string
	AttemptNumber          int
	IsSynchronousCaller    bool
	Properties             Properties
}

// PriorResult lets a policy veto or adjust the operation before dispatch.
type PriorResult struct {
	IsAborted      bool
	AdjustedAmount int64 // applied when IsAdjusted
	IsAdjusted     bool
}

// OnSuccessResult is returned by the success hook. There is nothing to decide
// after a success today; the struct exists so the SPI can grow without
// breaking implementers.
type OnSuccessResult struct{}

// OnFailureResult lets a policy veto the attempt or propose a retry.
type OnFailureResult struct {
	IsAborted     bool
	NextRetryDate time.Time // zero means no retry proposed
}

// ControlPlugin is the pluggable retry/abort policy SPI. Hooks returning an
// error are treated as having no opinion; they never abort the attempt by
// themselves.
type ControlPlugin interface {
	Name() string
	PriorCall(ctx context.Context, cc ControlContext) (PriorResult, error)
	OnSuccessCall(ctx context.Context, cc ControlContext) (OnSuccessResult, error)
	OnFailureCall(ctx context.Context, cc ControlContext) (OnFailureResult, error)
}
