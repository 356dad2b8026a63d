package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Zhima-Mochi/payflow/internal/domain/account"
)

// Accounts is an in-memory account directory for demo wiring and tests.
type Accounts struct {
	mu       sync.RWMutex
	accounts map[string]*account.Account
}

func NewAccounts() *Accounts {
	return &Accounts{accounts: make(map[string]*account.Account)}
}

func (s *Accounts) Put(a *account.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.ID] = &cp
}

func (s *Accounts) Account(ctx context.Context, accountID string) (*account.Account, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	cp := *a
	return &cp, nil
}
