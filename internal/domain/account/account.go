package account

import "errors"

var (
	ErrNotFound = errors.New("account: not found")
)

// Account is the owning aggregate for payments. Only the fields the payment
// core needs are modelled here; account management itself lives elsewhere.
type Account struct {
	ID                     string
	ExternalKey            string
	DefaultPaymentMethodID string
	Name                   string
	Currency               string
}

// PaymentMethodFor resolves the payment method to charge: the explicit one if
// given, otherwise the account default.
func (a *Account) PaymentMethodFor(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return a.DefaultPaymentMethodID
}
