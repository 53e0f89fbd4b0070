package security

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"sntacc.org/internal/audit"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ProfileUpdate carries the fields a PATCH may change. Nil leaves a field as
// it is; an empty string clears it.
type ProfileUpdate struct {
	Email     *string
	Phone     *string
	FirstName *string
	LastName  *string
	Role      *string
}

func (u ProfileUpdate) empty() bool {
	return u.Email == nil && u.Phone == nil && u.FirstName == nil && u.LastName == nil && u.Role == nil
}

// GetAccount returns an account to its owner or to a manager of its tenant.
func (s *Service) GetAccount(ctx context.Context, actor Actor, accountID string) (Account, error) {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if err := s.canSee(actor, acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// ListAccounts lists a tenant's accounts for its managers. Admins may list
// every tenant by leaving TenantID empty.
func (s *Service) ListAccounts(ctx context.Context, actor Actor, f AccountFilter) ([]Account, error) {
	if !actor.Role.CanManageAccounts() {
		return nil, fmt.Errorf("%w: role %s may not list accounts", ErrForbidden, actor.Role)
	}
	if actor.Role != RoleAdmin || f.TenantID != "" {
		tenantID, err := s.scopeTenant(actor, f.TenantID)
		if err != nil {
			return nil, err
		}
		f.TenantID = tenantID
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultListLimit
	case f.Limit > maxListLimit:
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	out, err := s.store.ListAccounts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

// UpdateProfile edits contact details and names. Owners may edit their own
// profile but not their role; managers edit accounts of their tenant and
// only admins grant or revoke the admin role. Changing an address clears
// its verified flag.
func (s *Service) UpdateProfile(ctx context.Context, actor Actor, accountID string, u ProfileUpdate) (Account, error) {
	if u.empty() {
		return Account{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if err := s.canSee(actor, acct); err != nil {
		return Account{}, err
	}
	if acct.ID != actor.AccountID {
		if err := s.canManage(actor, acct); err != nil {
			return Account{}, err
		}
	}

	before := acct
	if u.Email != nil {
		if v := strings.TrimSpace(*u.Email); v != acct.Email {
			acct.Email, acct.EmailVerified = v, false
		}
	}
	if u.Phone != nil {
		if v := strings.TrimSpace(*u.Phone); v != acct.Phone {
			acct.Phone, acct.PhoneVerified = v, false
		}
	}
	if u.FirstName != nil {
		acct.FirstName = strings.TrimSpace(*u.FirstName)
	}
	if u.LastName != nil {
		acct.LastName = strings.TrimSpace(*u.LastName)
	}
	if u.Role != nil {
		role, err := ParseRole(*u.Role)
		if err != nil {
			return Account{}, err
		}
		if role != acct.Role {
			switch {
			case acct.ID == actor.AccountID:
				return Account{}, fmt.Errorf("%w: you cannot change your own role", ErrForbidden)
			case (role == RoleAdmin || acct.Role == RoleAdmin) && actor.Role != RoleAdmin:
				return Account{}, fmt.Errorf("%w: only admins grant or revoke the admin role", ErrForbidden)
			}
			acct.Role = role
		}
	}

	changes := profileDiff(before, acct)
	if len(changes) == 0 {
		return acct, nil
	}
	return audit.Do(ctx, s.auditor,
		func(ctx context.Context) (Account, error) {
			if err := s.store.UpdateProfile(ctx, &acct); err != nil {
				return Account{}, fmt.Errorf("update account: %w", err)
			}
			return acct, nil
		},
		func(a Account) audit.Event {
			return audit.Event{
				ActorID:     actor.AccountID,
				ActorName:   actor.Username,
				Action:      audit.ActionUpdate,
				EntityType:  "account",
				EntityID:    a.ID,
				Description: "account profile " + a.Username,
				Extra:       map[string]any{"changes": changes},
			}
		},
	)
}

// DeleteAccount removes an account. Nobody deletes themselves and only
// admins delete admins. Login history and audit entries stay behind with
// the reference cleared.
func (s *Service) DeleteAccount(ctx context.Context, actor Actor, accountID string) error {
	if !actor.Role.CanManageAccounts() {
		return fmt.Errorf("%w: role %s may not delete accounts", ErrForbidden, actor.Role)
	}
	if accountID == actor.AccountID {
		return fmt.Errorf("%w: you cannot delete your own account", ErrForbidden)
	}
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.canManage(actor, acct); err != nil {
		return err
	}
	_, err = audit.Do(ctx, s.auditor,
		func(ctx context.Context) (Account, error) {
			if err := s.store.DeleteAccount(ctx, acct.ID); err != nil {
				return Account{}, fmt.Errorf("delete account: %w", err)
			}
			return acct, nil
		},
		func(a Account) audit.Event {
			return audit.Event{
				ActorID:     actor.AccountID,
				ActorName:   actor.Username,
				Action:      audit.ActionDelete,
				EntityType:  "account",
				EntityID:    a.ID,
				Description: fmt.Sprintf("account %s (%s)", a.Username, a.Role),
			}
		},
	)
	if err != nil {
		return err
	}
	s.log().Info("account deleted", zap.String("account_id", acct.ID), zap.String("by", actor.AccountID))
	return nil
}

// canSee lets owners read themselves and managers read their tenant.
func (s *Service) canSee(actor Actor, acct Account) error {
	if acct.ID == actor.AccountID {
		return nil
	}
	if !actor.Role.CanManageAccounts() {
		return fmt.Errorf("%w: role %s may not view other accounts", ErrForbidden, actor.Role)
	}
	return inTenant(actor, acct)
}

// canManage is canSee plus the rule that chairmen leave admins alone.
func (s *Service) canManage(actor Actor, acct Account) error {
	if !actor.Role.CanManageAccounts() {
		return fmt.Errorf("%w: role %s may not manage accounts", ErrForbidden, actor.Role)
	}
	if acct.Role == RoleAdmin && actor.Role != RoleAdmin {
		return fmt.Errorf("%w: only admins manage admin accounts", ErrForbidden)
	}
	return inTenant(actor, acct)
}

func inTenant(actor Actor, acct Account) error {
	if actor.Role == RoleAdmin {
		return nil
	}
	if acct.TenantID == "" || acct.TenantID != actor.TenantID {
		return fmt.Errorf("%w: account %s is outside your association", ErrForbidden, acct.ID)
	}
	return nil
}

func profileDiff(before, after Account) map[string]any {
	out := map[string]any{}
	add := func(name string, old, cur any) {
		if old != cur {
			out[name] = map[string]any{"old": old, "new": cur}
		}
	}
	add("email", before.Email, after.Email)
	add("phone", before.Phone, after.Phone)
	add("first_name", before.FirstName, after.FirstName)
	add("last_name", before.LastName, after.LastName)
	add("role", string(before.Role), string(after.Role))
	return out
}
