// Package lock provides per-account mutual exclusion with bounded,
// immediate-fail acquisition. Contention is surfaced to the caller instead of
// queueing, which keeps lock waits business-visible.
package lock

import (
	"errors"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
)

// ErrLockFailed is returned when the bounded try budget is exhausted.
var ErrLockFailed = errors.New("lock: could not acquire account lock")

// Unlock releases a held lock. Safe to call exactly once.
type Unlock func()

// AccountLocker serializes automaton runs per account.
type AccountLocker interface {
	// Lock acquires the named lock, retrying immediately up to the
	// configured budget. The returned Unlock must run on every exit path.
	Lock(accountID string) (Unlock, error)
}

type mapLocker struct {
	mu       *mapmutex.Mutex
	service  string
	maxTries int
}

// NewAccountLocker builds a locker scoped to serviceName with the given try
// budget. Tries below 1 are clamped to 1.
func NewAccountLocker(serviceName string, maxTries int) AccountLocker {
	if maxTries < 1 {
		maxTries = 1
	}
	// Tiny base delay keeps the retries effectively immediate while still
	// yielding between tries.
	mu := mapmutex.NewCustomizedMapMutex(maxTries, float64(time.Millisecond), float64(10*time.Microsecond), 1.1, 0.1)
	return &mapLocker{mu: mu, service: serviceName, maxTries: maxTries}
}

func (l *mapLocker) Lock(accountID string) (Unlock, error) {
	key := l.service + ":" + accountID
	if !l.mu.TryLock(key) {
		return nil, fmt.Errorf("%w: account %s after %d tries", ErrLockFailed, accountID, l.maxTries)
	}
	return func() { l.mu.Unlock(key) }, nil
}
