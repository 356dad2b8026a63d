package payment

import (
	"context"

	"github.com/Zhima-Mochi/payflow/internal/domain/account"
)

// AccountResolver is an outbound port for account capability.
// It belongs to the application layer to express use-case dependencies.
type AccountResolver interface {
	Account(ctx context.Context, accountID string) (*account.Account, error)
}

// AccountResolverFunc adapts a function to the AccountResolver port.
type AccountResolverFunc func(ctx context.Context, accountID string) (*account.Account, error)

func (f AccountResolverFunc) Account(ctx context.Context, accountID string) (*account.Account, error) {
	return f(ctx, accountID)
}
