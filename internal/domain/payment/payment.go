package payment

import (
	"time"
)

// TransactionType names the monetary operation a transaction performs.
type TransactionType string

const (
	TypeAuthorize TransactionType = "AUTHORIZE"
	TypeCapture   TransactionType = "CAPTURE"
	TypePurchase  TransactionType = "PURCHASE"
	TypeRefund    TransactionType = "REFUND"
	TypeVoid      TransactionType = "VOID"
	TypeCredit    TransactionType = "CREDIT"
)

// ParseTransactionType validates a caller-supplied operation name.
func ParseTransactionType(s string) (TransactionType, bool) {
	switch t := TransactionType(s); t {
	case TypeAuthorize, TypeCapture, TypePurchase, TypeRefund, TypeVoid, TypeCredit:
		return t, true
	}
	return "", false
}

// TransactionStatus is the settled outcome of one transaction as recorded in
// the store. UNKNOWN is the pre-dispatch placeholder; the status becomes
// non-UNKNOWN after the processor plugin has been consulted.
type TransactionStatus string

const (
	StatusUnknown        TransactionStatus = "UNKNOWN"
	StatusPending        TransactionStatus = "PENDING"
	StatusSuccess        TransactionStatus = "SUCCESS"
	StatusPaymentFailure TransactionStatus = "PAYMENT_FAILURE"
	StatusPluginFailure  TransactionStatus = "PLUGIN_FAILURE"
)

// Payment is the aggregate owning an ordered collection of transactions for
// one (account, payment method, external key) triple.
type Payment struct {
	ID              string
	ExternalKey     string
	AccountID       string
	PaymentMethodID string

	// StateName and LastSuccessStateName track the per-type payment
	// automaton (e.g. AUTHORIZE_SUCCESS) for audit purposes.
	StateName            string
	LastSuccessStateName string

	Transactions []*Transaction

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is one monetary operation within a payment. It is append-only:
// once its status is terminal a later retry cycle appends a fresh row instead
// of mutating this one.
type Transaction struct {
	ID          string
	PaymentID   string
	ExternalKey string
	Type        TransactionType
	Status      TransactionStatus

	Amount   int64
	Currency string

	ProcessedAmount   int64
	ProcessedCurrency string

	GatewayErrorCode string
	GatewayErrorMsg  string

	EffectiveDate time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransactionByExternalKey returns the most recent transaction carrying the
// given external key, or nil.
func (p *Payment) TransactionByExternalKey(key string) *Transaction {
	for i := len(p.Transactions) - 1; i >= 0; i-- {
		if p.Transactions[i].ExternalKey == key {
			return p.Transactions[i]
		}
	}
	return nil
}

// Clone returns a deep copy so store implementations never hand out shared
// mutable state.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Transactions = make([]*Transaction, len(p.Transactions))
	for i, tx := range p.Transactions {
		t := *tx
		cp.Transactions[i] = &t
	}
	return &cp
}

// Clone returns a copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Reusable reports whether this row may serve the current run cycle instead
// of appending a new one. Only the pre-dispatch placeholder qualifies.
func (t *Transaction) Reusable() bool {
	return t.Status == StatusUnknown
}
