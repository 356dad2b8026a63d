package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/payflow/internal/domain/payment"
)

// Store is an in-memory payment.Store for tests and demo wiring. All returned
// aggregates are clones; callers never share mutable state with the store.
type Store struct {
	mu sync.RWMutex

	payments     map[string]*domain.Payment // by id
	paymentKeys  map[string]string          // external key -> id
	transactions map[string]*domain.Transaction
	attempts     map[string]*domain.Attempt
	attemptOrder map[string][]string // transaction external key -> attempt ids, insertion order
	clock        func() time.Time
}

func NewStore() *Store {
	return &Store{
		payments:     make(map[string]*domain.Payment),
		paymentKeys:  make(map[string]string),
		transactions: make(map[string]*domain.Transaction),
		attempts:     make(map[string]*domain.Attempt),
		attemptOrder: make(map[string][]string),
		clock:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreatePaymentWithTransaction(ctx context.Context, p *domain.Payment, in domain.NewTransactionInput) (*domain.Payment, *domain.Transaction, error) {
	_ = ctx
	if p == nil || p.ID == "" || p.ExternalKey == "" {
		return nil, nil, fmt.Errorf("memory store: payment id and external key are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.lookupByExternalKeyLocked(p.ExternalKey)
	if existing == nil {
		cp := p.Clone()
		cp.Transactions = nil
		s.payments[cp.ID] = cp
		s.paymentKeys[cp.ExternalKey] = cp.ID
		existing = cp
	}

	// Reuse the pre-dispatch placeholder row when this cycle already
	// created one; otherwise append a fresh transaction.
	for i := len(existing.Transactions) - 1; i >= 0; i-- {
		tx := existing.Transactions[i]
		if tx.ExternalKey == in.ExternalKey && tx.Reusable() {
			return existing.Clone(), tx.Clone(), nil
		}
	}

	now := s.clock()
	tx := &domain.Transaction{
		ID:            fmt.Sprintf("%s-tx-%d", existing.ID, len(existing.Transactions)+1),
		PaymentID:     existing.ID,
		ExternalKey:   in.ExternalKey,
		Type:          in.Type,
		Status:        domain.StatusUnknown,
		Amount:        in.Amount,
		Currency:      in.Currency,
		EffectiveDate: in.EffectiveDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	existing.Transactions = append(existing.Transactions, tx)
	existing.UpdatedAt = now
	s.transactions[tx.ID] = tx

	return existing.Clone(), tx.Clone(), nil
}

func (s *Store) CreateAttempt(ctx context.Context, a *domain.Attempt) (*domain.Attempt, error) {
	_ = ctx
	if a == nil || a.ID == "" || a.TransactionExternalKey == "" {
		return nil, fmt.Errorf("memory store: attempt id and transaction external key are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotency: when the newest row for the key sits untouched in the
	// requested state (an in-flight duplicate), hand it back instead of
	// opening a second cycle.
	if ids := s.attemptOrder[a.TransactionExternalKey]; len(ids) > 0 {
		latest := s.attempts[ids[len(ids)-1]]
		if latest.StateName == a.StateName && latest.UpdatedAt.Equal(latest.CreatedAt) {
			return latest.Clone(), nil
		}
	}

	cp := a.Clone()
	s.attempts[cp.ID] = cp
	s.attemptOrder[a.TransactionExternalKey] = append(s.attemptOrder[a.TransactionExternalKey], cp.ID)
	return cp.Clone(), nil
}

func (s *Store) UpdateTransaction(ctx context.Context, transactionID string, upd domain.TransactionUpdate) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[transactionID]
	if !ok {
		return domain.ErrNotFound
	}
	tx.Status = upd.Status
	tx.ProcessedAmount = upd.ProcessedAmount
	tx.ProcessedCurrency = upd.ProcessedCurrency
	tx.GatewayErrorCode = upd.GatewayErrorCode
	tx.GatewayErrorMsg = upd.GatewayErrorMsg
	tx.UpdatedAt = s.clock()
	return nil
}

func (s *Store) UpdateAttemptState(ctx context.Context, attemptID string, stateName string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptID]
	if !ok {
		return domain.ErrNotFound
	}
	a.StateName = stateName
	a.UpdatedAt = s.clock()
	return nil
}

func (s *Store) UpdatePaymentState(ctx context.Context, paymentID string, stateName string, lastSuccess bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return domain.ErrNotFound
	}
	p.StateName = stateName
	if lastSuccess {
		p.LastSuccessStateName = stateName
	}
	p.UpdatedAt = s.clock()
	return nil
}

func (s *Store) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) GetPaymentByExternalKey(ctx context.Context, externalKey string) (*domain.Payment, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.lookupByExternalKeyLocked(externalKey)
	if p == nil {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) GetAttempt(ctx context.Context, attemptID string) (*domain.Attempt, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[attemptID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *Store) GetLatestAttemptByTransactionExternalKey(ctx context.Context, key string) (*domain.Attempt, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.attemptOrder[key]
	if len(ids) == 0 {
		return nil, domain.ErrNotFound
	}
	return s.attempts[ids[len(ids)-1]].Clone(), nil
}

func (s *Store) GetAttemptsByTransactionExternalKey(ctx context.Context, key string) ([]*domain.Attempt, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.attemptOrder[key]
	out := make([]*domain.Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.attempts[id].Clone())
	}
	return out, nil
}

func (s *Store) lookupByExternalKeyLocked(externalKey string) *domain.Payment {
	id, ok := s.paymentKeys[externalKey]
	if !ok {
		return nil
	}
	return s.payments[id]
}
