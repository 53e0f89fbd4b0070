package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockoutStateMachine(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var a Account

	for i := 1; i < p.MaxFailedAttempts; i++ {
		require.False(t, a.RegisterFailure(now, p))
		require.Equal(t, i, a.FailedLoginAttempts)
		require.False(t, a.Locked)
	}
	require.True(t, a.RegisterFailure(now, p))
	require.True(t, a.Locked)
	require.NotNil(t, a.LockoutTime)
	require.Equal(t, now, *a.LastFailedLogin)

	locked, changed := a.LockState(now.Add(p.LockoutDuration()), p)
	require.True(t, locked, "lock holds until strictly after the duration")
	require.False(t, changed)

	locked, changed = a.LockState(now.Add(p.LockoutDuration()+time.Second), p)
	require.False(t, locked)
	require.True(t, changed)
	require.Zero(t, a.FailedLoginAttempts)
	require.Nil(t, a.LockoutTime)
}

func TestLockWithoutTimestampNeverExpires(t *testing.T) {
	a := Account{Locked: true}
	locked, changed := a.LockState(time.Now().Add(365*24*time.Hour), DefaultPolicy())
	require.True(t, locked)
	require.False(t, changed)
}

func TestRegisterSuccessResets(t *testing.T) {
	p := DefaultPolicy()
	now := time.Now()
	var a Account
	a.RegisterFailure(now, p)
	a.RegisterFailure(now, p)

	require.True(t, a.RegisterSuccess())
	require.Zero(t, a.FailedLoginAttempts)
	require.Nil(t, a.LastFailedLogin)
	require.False(t, a.RegisterSuccess())
}
