package lock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/payflow/internal/pkg/lock"
)

func TestLockAndUnlock(t *testing.T) {
	l := lock.NewAccountLocker("test", 1)

	unlock, err := l.Lock("acct-1")
	require.NoError(t, err)
	unlock()

	unlock, err = l.Lock("acct-1")
	require.NoError(t, err)
	unlock()
}

func TestLockContentionFailsFast(t *testing.T) {
	l := lock.NewAccountLocker("test", 1)

	unlock, err := l.Lock("acct-1")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Lock("acct-1")
	require.ErrorIs(t, err, lock.ErrLockFailed)
}

func TestLockIsPerAccount(t *testing.T) {
	l := lock.NewAccountLocker("test", 1)

	unlockA, err := l.Lock("acct-a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := l.Lock("acct-b")
	require.NoError(t, err)
	unlockB()
}

func TestLockersAreServiceScoped(t *testing.T) {
	// Two lockers with different service names never contend, even for the
	// same account id.
	l1 := lock.NewAccountLocker("svc-1", 1)
	l2 := lock.NewAccountLocker("svc-2", 1)

	unlock1, err := l1.Lock("acct-1")
	require.NoError(t, err)
	defer unlock1()

	unlock2, err := l2.Lock("acct-1")
	require.NoError(t, err)
	unlock2()
}
