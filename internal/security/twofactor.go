package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sntacc.org/internal/audit"
)

// Enrollment is the pending (or active) TOTP secret shown to the user once.
type Enrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
	Enabled         bool   `json:"enabled"`
}

// EnableTwoFactor starts enrollment. Until confirmed, repeated calls return
// the same pending secret; login never consults it. Once enabled the secret
// is never shown again and the call fails with ErrConflict.
func (s *Service) EnableTwoFactor(ctx context.Context, accountID string) (Enrollment, error) {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return Enrollment{}, err
	}
	policy, err := s.EffectivePolicy(ctx, acct.TenantID)
	if err != nil {
		return Enrollment{}, err
	}
	if !policy.AllowsTwoFactor(acct.Role) {
		return Enrollment{}, fmt.Errorf("%w: two-factor authentication is disabled for this role", ErrForbidden)
	}

	if acct.TwoFactorEnabled {
		return Enrollment{}, fmt.Errorf("%w: two-factor authentication is already enabled", ErrConflict)
	}
	if acct.TwoFactorSecret != "" {
		uri, err := s.totp.ProvisioningURI(acct.TwoFactorSecret, acct.Username)
		if err != nil {
			return Enrollment{}, err
		}
		return Enrollment{Secret: acct.TwoFactorSecret, ProvisioningURI: uri}, nil
	}

	secret, uri, err := s.totp.GenerateSecret(acct.Username)
	if err != nil {
		return Enrollment{}, err
	}
	if err := s.store.UpdateTwoFactor(ctx, acct.ID, false, secret); err != nil {
		return Enrollment{}, fmt.Errorf("store pending secret: %w", err)
	}
	if policy.LogSensitiveActions {
		s.auditAccount(ctx, acct.asActor(), acct, audit.ActionUpdate, "two-factor enrollment started", nil)
	}
	return Enrollment{Secret: secret, ProvisioningURI: uri}, nil
}

// ConfirmTwoFactor activates the pending secret once the user proves they
// can produce codes from it.
func (s *Service) ConfirmTwoFactor(ctx context.Context, accountID, code string) error {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.TwoFactorSecret == "" {
		return ErrNoPendingSecret
	}
	if !s.totp.Verify(acct.TwoFactorSecret, strings.TrimSpace(code), s.now().UTC()) {
		return ErrInvalidCode
	}
	if acct.TwoFactorEnabled {
		return nil
	}
	if err := s.store.UpdateTwoFactor(ctx, acct.ID, true, acct.TwoFactorSecret); err != nil {
		return fmt.Errorf("enable two-factor: %w", err)
	}
	s.auditSensitive(ctx, acct, "two-factor authentication enabled")
	return nil
}

// DisableTwoFactor clears the flag and the secret together.
func (s *Service) DisableTwoFactor(ctx context.Context, accountID string) error {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateTwoFactor(ctx, acct.ID, false, ""); err != nil {
		return fmt.Errorf("disable two-factor: %w", err)
	}
	s.auditSensitive(ctx, acct, "two-factor authentication disabled")
	return nil
}

// SecurityStatus summarizes an account's security settings.
type SecurityStatus struct {
	AccountID           string     `json:"account_id"`
	TwoFactorEnabled    bool       `json:"two_factor_enabled"`
	TwoFactorPending    bool       `json:"two_factor_pending"`
	TwoFactorRequired   bool       `json:"two_factor_required"`
	TwoFactorAllowed    bool       `json:"two_factor_allowed"`
	PasswordChangedAt   *time.Time `json:"password_changed_at,omitempty"`
	PasswordExpiresAt   *time.Time `json:"password_expires_at,omitempty"`
	PasswordExpired     bool       `json:"password_expired"`
	Locked              bool       `json:"locked"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	Policy              Policy     `json:"policy"`
}

// SecurityStatus reports 2FA state, password age and the lock. Reading the
// lock clears an expired one.
func (s *Service) SecurityStatus(ctx context.Context, accountID string) (SecurityStatus, error) {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return SecurityStatus{}, err
	}
	policy, err := s.EffectivePolicy(ctx, acct.TenantID)
	if err != nil {
		return SecurityStatus{}, err
	}
	now := s.now().UTC()
	acct, locked, err := s.checkLock(ctx, acct, policy, now)
	if err != nil {
		return SecurityStatus{}, err
	}
	return SecurityStatus{
		AccountID:           acct.ID,
		TwoFactorEnabled:    acct.TwoFactorEnabled,
		TwoFactorPending:    !acct.TwoFactorEnabled && acct.TwoFactorSecret != "",
		TwoFactorRequired:   policy.RequiresTwoFactor(acct.Role),
		TwoFactorAllowed:    policy.AllowsTwoFactor(acct.Role),
		PasswordChangedAt:   acct.PasswordChangedAt,
		PasswordExpiresAt:   policy.PasswordExpiresAt(acct.PasswordChangedAt),
		PasswordExpired:     policy.PasswordExpired(acct.PasswordChangedAt, now),
		Locked:              locked,
		FailedLoginAttempts: acct.FailedLoginAttempts,
		Policy:              policy,
	}, nil
}

// auditSensitive records a self-service change when the tenant asks for it.
func (s *Service) auditSensitive(ctx context.Context, acct Account, description string) {
	policy, err := s.EffectivePolicy(ctx, acct.TenantID)
	if err != nil || !policy.LogSensitiveActions {
		return
	}
	s.auditAccount(ctx, acct.asActor(), acct, audit.ActionUpdate, description, nil)
}
