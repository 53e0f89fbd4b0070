package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"sntacc.org/internal/audit"
	"sntacc.org/internal/obs"
)

// LoginRequest carries submitted credentials.
type LoginRequest struct {
	Username string
	Password string
	Client   ClientInfo
}

// VerifyRequest carries the second factor for a pending challenge.
// AccountID is optional; when set it must match the challenge.
type VerifyRequest struct {
	ChallengeToken string
	AccountID      string
	Code           string
	Client         ClientInfo
}

// LoginResult is either a challenge (TwoFactorRequired with AccountID and
// Challenge set) or a completed login with a session.
type LoginResult struct {
	AccountID         string     `json:"account_id"`
	TwoFactorRequired bool       `json:"two_factor_required"`
	Challenge         *Challenge `json:"challenge,omitempty"`
	Account           *Account   `json:"account,omitempty"`
	Session           *Session   `json:"session,omitempty"`
	PasswordExpired   bool       `json:"password_expired"`
	PasswordExpiresAt *time.Time `json:"password_expires_at,omitempty"`
	// TwoFactorSetupRequired is set when the policy demands 2FA for the
	// role but the account has not enrolled yet.
	TwoFactorSetupRequired bool `json:"two_factor_setup_required"`
}

// Login runs the gates in order: address, lock, credentials, second factor.
// Exactly one login attempt is recorded per call.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	now := s.now().UTC()
	username := strings.TrimSpace(req.Username)

	blocked, err := s.ipBlocked(ctx, req.Client.IP, now)
	if err != nil {
		return LoginResult{}, err
	}
	if blocked {
		s.recordAttempt(ctx, "", req.Client, now, false, reasonIPBlocked)
		s.auditLogin(ctx, nil, username, req.Client, false, reasonIPBlocked)
		obs.ObserveLogin("ip_blocked")
		return LoginResult{}, ErrIPBlocked
	}

	acct, err := s.store.AccountByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) || username == "" {
		burnVerify(req.Password)
		s.recordAttempt(ctx, "", req.Client, now, false, reasonUnknownUser)
		s.auditLogin(ctx, nil, username, req.Client, false, reasonUnknownUser)
		obs.ObserveLogin("invalid")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("load account: %w", err)
	}

	policy, err := s.EffectivePolicy(ctx, acct.TenantID)
	if err != nil {
		return LoginResult{}, err
	}

	acct, locked, err := s.checkLock(ctx, acct, policy, now)
	if err != nil {
		return LoginResult{}, err
	}
	if locked {
		return LoginResult{}, s.rejectLocked(ctx, acct, policy, req.Client, now)
	}

	ok, verr := VerifyPassword(acct.PasswordHash, req.Password)
	if verr != nil {
		s.log().Warn("stored password hash unreadable", zap.String("account_id", acct.ID), zap.Error(verr))
	}
	if !ok {
		if err := s.registerFailure(ctx, acct, policy, now); err != nil {
			return LoginResult{}, err
		}
		s.recordAttempt(ctx, acct.ID, req.Client, now, false, reasonBadPassword)
		s.auditLoginFor(ctx, acct, policy, req.Client, false, reasonBadPassword)
		obs.ObserveLogin("invalid")
		return LoginResult{}, ErrInvalidCredentials
	}

	acct, err = s.registerSuccess(ctx, acct, policy, now)
	if errors.Is(err, ErrAccountLocked) {
		return LoginResult{}, s.rejectLocked(ctx, acct, policy, req.Client, now)
	}
	if err != nil {
		return LoginResult{}, err
	}

	if acct.TwoFactorEnabled && acct.TwoFactorSecret != "" {
		ch, err := s.sessions.IssueChallenge(ctx, acct, challengeTTL)
		if err != nil {
			return LoginResult{}, fmt.Errorf("issue challenge: %w", err)
		}
		s.recordAttempt(ctx, acct.ID, req.Client, now, true, "")
		if policy.LogLoginAttempts {
			s.auditor.Record(ctx, loginEvent(&acct, acct.Username, req.Client, true, "password accepted, two-factor code required"))
		}
		obs.ObserveLogin("challenge")
		return LoginResult{AccountID: acct.ID, TwoFactorRequired: true, Challenge: &ch}, nil
	}
	return s.completeLogin(ctx, acct, policy, req.Client, now)
}

// VerifyTwoFactor completes a challenged login. The challenge proves the
// password step happened; it is consumed only when the code is right. Wrong
// codes count as failed credential checks for both the address gate and the
// lockout counter.
func (s *Service) VerifyTwoFactor(ctx context.Context, req VerifyRequest) (LoginResult, error) {
	now := s.now().UTC()

	blocked, err := s.ipBlocked(ctx, req.Client.IP, now)
	if err != nil {
		return LoginResult{}, err
	}
	if blocked {
		s.recordAttempt(ctx, "", req.Client, now, false, reasonIPBlocked)
		obs.ObserveLogin("ip_blocked")
		return LoginResult{}, ErrIPBlocked
	}

	ch, err := s.sessions.ResolveChallenge(ctx, strings.TrimSpace(req.ChallengeToken))
	if err == nil && req.AccountID != "" && strings.TrimSpace(req.AccountID) != ch.AccountID {
		err = ErrInvalidChallenge
	}
	if errors.Is(err, ErrInvalidChallenge) {
		s.recordAttempt(ctx, "", req.Client, now, false, reasonBadChallenge)
		obs.ObserveLogin("invalid")
		return LoginResult{}, ErrInvalidChallenge
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("resolve challenge: %w", err)
	}

	acct, err := s.store.AccountByID(ctx, ch.AccountID)
	if errors.Is(err, ErrNotFound) {
		s.recordAttempt(ctx, "", req.Client, now, false, reasonUnknownAccount)
		obs.ObserveLogin("invalid")
		return LoginResult{}, ErrAccountNotFound
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("load account: %w", err)
	}

	policy, err := s.EffectivePolicy(ctx, acct.TenantID)
	if err != nil {
		return LoginResult{}, err
	}
	acct, locked, err := s.checkLock(ctx, acct, policy, now)
	if err != nil {
		return LoginResult{}, err
	}
	if locked {
		return LoginResult{}, s.rejectLocked(ctx, acct, policy, req.Client, now)
	}
	if !acct.TwoFactorEnabled || acct.TwoFactorSecret == "" {
		s.recordAttempt(ctx, acct.ID, req.Client, now, false, reasonTwoFactorOff)
		obs.ObserveLogin("invalid")
		return LoginResult{}, ErrNotEnabled
	}
	if !s.totp.Verify(acct.TwoFactorSecret, strings.TrimSpace(req.Code), now) {
		if err := s.registerFailure(ctx, acct, policy, now); err != nil {
			return LoginResult{}, err
		}
		s.recordAttempt(ctx, acct.ID, req.Client, now, false, reasonBadCode)
		s.auditLoginFor(ctx, acct, policy, req.Client, false, reasonBadCode)
		obs.ObserveLogin("invalid")
		return LoginResult{}, ErrInvalidCode
	}

	consumed, err := s.sessions.ConsumeChallenge(ctx, ch)
	if err != nil {
		return LoginResult{}, fmt.Errorf("consume challenge: %w", err)
	}
	if !consumed {
		s.recordAttempt(ctx, acct.ID, req.Client, now, false, reasonBadChallenge)
		obs.ObserveLogin("invalid")
		return LoginResult{}, ErrInvalidChallenge
	}

	acct, err = s.registerSuccess(ctx, acct, policy, now)
	if errors.Is(err, ErrAccountLocked) {
		return LoginResult{}, s.rejectLocked(ctx, acct, policy, req.Client, now)
	}
	if err != nil {
		return LoginResult{}, err
	}
	return s.completeLogin(ctx, acct, policy, req.Client, now)
}

// Refresh trades a live session for a new one and revokes the old token.
// Deleted and locked accounts cannot refresh.
func (s *Service) Refresh(ctx context.Context, accountID, tokenID string, expiresAt time.Time, client ClientInfo) (Session, error) {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return Session{}, err
	}
	policy, err := s.EffectivePolicy(ctx, acct.TenantID)
	if err != nil {
		return Session{}, err
	}
	acct, locked, err := s.checkLock(ctx, acct, policy, s.now().UTC())
	if err != nil {
		return Session{}, err
	}
	if locked {
		return Session{}, ErrAccountLocked
	}
	sess, err := s.sessions.Issue(ctx, acct, policy.SessionTTL())
	if err != nil {
		return Session{}, fmt.Errorf("issue session: %w", err)
	}
	if err := s.sessions.Revoke(ctx, tokenID, expiresAt); err != nil {
		return Session{}, fmt.Errorf("revoke session: %w", err)
	}
	s.log().Debug("session refreshed", zap.String("account_id", acct.ID), zap.String("ip", client.IP))
	return sess, nil
}

// Logout revokes the session token and audits the event.
func (s *Service) Logout(ctx context.Context, accountID, tokenID string, expiresAt time.Time, client ClientInfo) error {
	if err := s.sessions.Revoke(ctx, tokenID, expiresAt); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	acct, err := s.store.AccountByID(ctx, accountID)
	if err != nil {
		s.log().Warn("logout for unknown account", zap.String("account_id", accountID), zap.Error(err))
		return nil
	}
	s.auditor.Record(ctx, audit.Event{
		ActorID:     acct.ID,
		ActorName:   acct.DisplayName(),
		Action:      audit.ActionLogout,
		EntityType:  "account",
		EntityID:    acct.ID,
		Description: "logout " + acct.Username,
		IP:          client.IP,
		UserAgent:   client.UserAgent,
	})
	return nil
}

// checkLock evaluates the lock and persists a lazy unlock right away.
func (s *Service) checkLock(ctx context.Context, acct Account, policy Policy, now time.Time) (Account, bool, error) {
	locked, changed := acct.LockState(now, policy)
	if !changed {
		return acct, locked, nil
	}
	updated, err := s.store.UpdateLockout(ctx, acct.ID, func(a *Account) error {
		locked, _ = a.LockState(now, policy)
		return nil
	})
	if err != nil {
		return Account{}, false, fmt.Errorf("persist unlock: %w", err)
	}
	s.log().Info("account lock expired", zap.String("account_id", acct.ID))
	return updated, locked, nil
}

// registerSuccess clears the failure counter unless a concurrent failure
// locked the account after it was loaded. The returned account is the
// stored row in both cases.
func (s *Service) registerSuccess(ctx context.Context, acct Account, policy Policy, now time.Time) (Account, error) {
	var lockedNow bool
	updated, err := s.store.UpdateLockout(ctx, acct.ID, func(a *Account) error {
		if locked, _ := a.LockState(now, policy); locked {
			lockedNow = true
			return ErrAccountLocked
		}
		a.RegisterSuccess()
		return nil
	})
	if lockedNow {
		return acct, ErrAccountLocked
	}
	if err != nil {
		return Account{}, fmt.Errorf("reset lockout: %w", err)
	}
	return updated, nil
}

// rejectLocked records the refused attempt and returns ErrAccountLocked.
func (s *Service) rejectLocked(ctx context.Context, acct Account, policy Policy, client ClientInfo, now time.Time) error {
	s.recordAttempt(ctx, acct.ID, client, now, false, reasonLocked)
	s.auditLoginFor(ctx, acct, policy, client, false, reasonLocked)
	obs.ObserveLogin("locked")
	return ErrAccountLocked
}

func (s *Service) registerFailure(ctx context.Context, acct Account, policy Policy, now time.Time) error {
	var lockedNow bool
	updated, err := s.store.UpdateLockout(ctx, acct.ID, func(a *Account) error {
		if locked, _ := a.LockState(now, policy); locked {
			return nil
		}
		lockedNow = a.RegisterFailure(now, policy)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if lockedNow {
		obs.ObserveLockout()
		s.log().Warn("account locked",
			zap.String("account_id", updated.ID),
			zap.Int("failed_attempts", updated.FailedLoginAttempts),
			zap.Duration("lockout", policy.LockoutDuration()),
		)
		if policy.LogSensitiveActions {
			s.auditor.Record(ctx, audit.Event{
				ActorID:     updated.ID,
				ActorName:   updated.DisplayName(),
				Action:      audit.ActionUpdate,
				EntityType:  "account",
				EntityID:    updated.ID,
				Description: fmt.Sprintf("account locked after %d failed attempts", updated.FailedLoginAttempts),
			})
		}
	}
	return nil
}

func (s *Service) completeLogin(ctx context.Context, acct Account, policy Policy, client ClientInfo, now time.Time) (LoginResult, error) {
	s.recordAttempt(ctx, acct.ID, client, now, true, "")
	sess, err := s.sessions.Issue(ctx, acct, policy.SessionTTL())
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue session: %w", err)
	}
	s.auditLoginFor(ctx, acct, policy, client, true, "")
	obs.ObserveLogin("success")
	return LoginResult{
		AccountID:              acct.ID,
		Account:                &acct,
		Session:                &sess,
		PasswordExpired:        policy.PasswordExpired(acct.PasswordChangedAt, now),
		PasswordExpiresAt:      policy.PasswordExpiresAt(acct.PasswordChangedAt),
		TwoFactorSetupRequired: policy.RequiresTwoFactor(acct.Role) && !acct.TwoFactorEnabled,
	}, nil
}

// auditLogin covers attempts with no resolved account; those are always audited.
func (s *Service) auditLogin(ctx context.Context, acct *Account, username string, client ClientInfo, success bool, reason string) {
	s.auditor.Record(ctx, loginEvent(acct, username, client, success, reason))
}

func (s *Service) auditLoginFor(ctx context.Context, acct Account, policy Policy, client ClientInfo, success bool, reason string) {
	if !policy.LogLoginAttempts {
		return
	}
	s.auditor.Record(ctx, loginEvent(&acct, acct.Username, client, success, reason))
}

func loginEvent(acct *Account, username string, client ClientInfo, success bool, reason string) audit.Event {
	ev := audit.Event{
		Action:     audit.ActionLogin,
		EntityType: "account",
		IP:         client.IP,
		UserAgent:  client.UserAgent,
		Extra:      map[string]any{"username": username, "success": success},
	}
	if acct != nil {
		ev.ActorID = acct.ID
		ev.ActorName = acct.DisplayName()
		ev.EntityID = acct.ID
	}
	switch {
	case success && reason != "":
		ev.Description = reason
	case success:
		ev.Description = "login " + username
	default:
		ev.Description = "failed login: " + reason
		ev.Extra["reason"] = reason
	}
	return ev
}
