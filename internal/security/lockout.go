package security

import "time"

// LockState evaluates the lock at now. An expired lock is cleared in place
// and changed is true; the caller must persist the account right away.
// A lock without a timestamp never expires on its own.
func (a *Account) LockState(now time.Time, p Policy) (locked, changed bool) {
	if !a.Locked {
		return false, false
	}
	if a.LockoutTime == nil {
		return true, false
	}
	if now.After(a.LockoutTime.Add(p.LockoutDuration())) {
		a.clearLock()
		return false, true
	}
	return true, false
}

// RegisterFailure counts a failed credential check. It reports whether this
// failure locked the account.
func (a *Account) RegisterFailure(now time.Time, p Policy) bool {
	a.FailedLoginAttempts++
	ts := now
	a.LastFailedLogin = &ts
	if !a.Locked && a.FailedLoginAttempts >= p.MaxFailedAttempts {
		a.Locked = true
		a.LockoutTime = &ts
		return true
	}
	return false
}

// RegisterSuccess clears counters and any lock. It reports whether anything changed.
func (a *Account) RegisterSuccess() bool {
	changed := a.Locked || a.FailedLoginAttempts != 0 || a.LastFailedLogin != nil || a.LockoutTime != nil
	a.clearLock()
	return changed
}

func (a *Account) clearLock() {
	a.Locked = false
	a.LockoutTime = nil
	a.FailedLoginAttempts = 0
	a.LastFailedLogin = nil
}
