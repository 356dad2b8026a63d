package payment

import "time"

// Attempt state names. The attempt automaton is deliberately small: INIT and
// RETRIED accept further operations, SUCCESS and ABORTED are terminal.
const (
	StateInit    = "INIT"
	StateRetried = "RETRIED"
	StateSuccess = "SUCCESS"
	StateAborted = "ABORTED"
)

// Attempt is one state-machine instance tracking a transaction external key
// through the attempt automaton. Each retry cycle gets its own row; the
// previous cycle's row rests at RETRIED and the newest row is authoritative.
type Attempt struct {
	ID                     string
	PaymentExternalKey     string
	TransactionExternalKey string
	AccountID              string
	PaymentMethodID        string
	TransactionType        TransactionType
	StateName              string

	Amount   int64
	Currency string

	// PluginName selects the processor plugin when the attempt is resumed.
	PluginName string

	// PluginProperties is an opaque blob handed back to plugins on retry.
	PluginProperties []byte
	ControlPlugins   []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the attempt reached a state that accepts no
// further transitions.
func (a *Attempt) Terminal() bool {
	return IsTerminalState(a.StateName)
}

// IsTerminalState reports whether the named attempt state is terminal.
func IsTerminalState(name string) bool {
	return name == StateSuccess || name == StateAborted
}

// Clone returns a copy of the attempt.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	cp := *a
	cp.PluginProperties = append([]byte(nil), a.PluginProperties...)
	cp.ControlPlugins = append([]string(nil), a.ControlPlugins...)
	return &cp
}
