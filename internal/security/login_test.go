package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConcurrentFailuresLockExactlyOnce(t *testing.T) {
	f := newFixture(t, WithIPGate(1000, time.Minute))
	acct := f.account(t, "ivanov", RoleUser)
	ctx := context.Background()

	const workers = 12
	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Login(ctx, LoginRequest{Username: "ivanov", Password: "wrong", Client: client("10.0.0.1")})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.Error(t, err)
	}
	after := f.reload(t, acct.ID)
	require.True(t, after.Locked)
	require.Equal(t, 5, after.FailedLoginAttempts, "failures after the lock do not extend the counter")
	require.Len(t, f.store.Attempts(), workers)
}

// staleReads serves an account snapshot taken before a concurrent request
// locked the row.
type staleReads struct {
	*MemoryStore
	snapshot Account
}

func (s staleReads) AccountByUsername(context.Context, string) (Account, error) {
	return s.snapshot, nil
}

func TestSuccessRechecksLockUnderWriteLock(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "ivanov", RoleUser)
	ctx := context.Background()
	policy := DefaultPolicy()

	_, err := f.store.UpdateLockout(ctx, acct.ID, func(a *Account) error {
		for i := 0; i < policy.MaxFailedAttempts; i++ {
			a.RegisterFailure(f.clock.Now(), policy)
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, f.reload(t, acct.ID).Locked)

	svc, err := NewService(staleReads{MemoryStore: f.store, snapshot: acct},
		WithClock(f.clock.Now), WithSessionIssuer(f.issuer), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	_, err = svc.Login(ctx, LoginRequest{Username: "ivanov", Password: strongPassword, Client: client("10.0.0.1")})
	require.ErrorIs(t, err, ErrAccountLocked)
	require.Empty(t, f.issuer.issued)

	stored := f.reload(t, acct.ID)
	require.True(t, stored.Locked)
	require.Equal(t, policy.MaxFailedAttempts, stored.FailedLoginAttempts)
	attempts := f.store.Attempts()
	require.Equal(t, reasonLocked, attempts[len(attempts)-1].FailureReason)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "ivanov", RoleUser)
	ctx := context.Background()
	expires := f.clock.Now().Add(30 * time.Minute)

	sess, err := f.svc.Refresh(ctx, acct.ID, "jti-old", expires, client("10.0.0.1"))
	require.NoError(t, err)
	require.Equal(t, "token-"+acct.ID, sess.AccessToken)
	require.Equal(t, []string{"jti-old"}, f.issuer.revoked)

	_, err = f.store.UpdateLockout(ctx, acct.ID, func(a *Account) error {
		now := f.clock.Now()
		a.Locked, a.LockoutTime = true, &now
		return nil
	})
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, acct.ID, "jti-2", expires, client("10.0.0.1"))
	require.ErrorIs(t, err, ErrAccountLocked)

	_, err = f.svc.Refresh(ctx, "missing", "jti-3", expires, client("10.0.0.1"))
	require.ErrorIs(t, err, ErrAccountNotFound)
	require.Equal(t, []string{"jti-old"}, f.issuer.revoked)
}
