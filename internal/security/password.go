package security

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"sntacc.org/internal/audit"
)

// ChangePasswordRequest is a self-service password change.
type ChangePasswordRequest struct {
	AccountID    string
	OldPassword  string
	NewPassword  string
	Confirmation string
}

// ChangePassword checks the old password, the confirmation and the tenant
// policy, in that order, then stores the new hash and resets the expiry clock.
func (s *Service) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	acct, err := s.Account(ctx, req.AccountID)
	if err != nil {
		return err
	}
	ok, err := VerifyPassword(acct.PasswordHash, req.OldPassword)
	if err != nil {
		s.log().Warn("stored password hash unreadable", zap.String("account_id", acct.ID), zap.Error(err))
	}
	if !ok {
		return ErrWrongOldPassword
	}
	if req.NewPassword != req.Confirmation {
		return ErrPasswordMismatch
	}
	policy, err := s.EffectivePolicy(ctx, acct.TenantID)
	if err != nil {
		return err
	}
	if err := ValidatePassword(req.NewPassword, &acct, policy); err != nil {
		return err
	}
	hash, err := HashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, acct.ID, hash, s.now().UTC()); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if policy.LogPasswordChanges {
		s.auditAccount(ctx, acct.asActor(), acct, audit.ActionUpdate, "password changed", nil)
	}
	return nil
}
