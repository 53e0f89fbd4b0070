package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"sntacc.org/internal/audit"
	"sntacc.org/internal/ids"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// CreateAccountRequest is direct account creation by an administrator.
type CreateAccountRequest struct {
	TenantID  string
	Username  string
	Password  string
	Email     string
	Phone     string
	FirstName string
	LastName  string
	Role      string
}

// CreateTenant registers an association. Admin only.
func (s *Service) CreateTenant(ctx context.Context, actor Actor, t Tenant) (Tenant, error) {
	if actor.Role != RoleAdmin {
		return Tenant{}, fmt.Errorf("%w: only admins create associations", ErrForbidden)
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return Tenant{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	t.ID = ids.New()
	t.CreatedAt = s.now().UTC()
	return audit.Do(ctx, s.auditor,
		func(ctx context.Context) (Tenant, error) {
			if err := s.store.CreateTenant(ctx, &t); err != nil {
				return Tenant{}, fmt.Errorf("create tenant: %w", err)
			}
			return t, nil
		},
		func(t Tenant) audit.Event {
			return audit.Event{
				ActorID:     actor.AccountID,
				ActorName:   actor.Username,
				Action:      audit.ActionCreate,
				EntityType:  "tenant",
				EntityID:    t.ID,
				Description: "association " + t.Name,
			}
		},
	)
}

// CreateAccount lets admins and chairmen add accounts without an invitation.
// Only admins may create other admins.
func (s *Service) CreateAccount(ctx context.Context, actor Actor, req CreateAccountRequest) (Account, error) {
	if !actor.Role.CanManageAccounts() {
		return Account{}, fmt.Errorf("%w: role %s may not create accounts", ErrForbidden, actor.Role)
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		return Account{}, err
	}
	if role == RoleAdmin && actor.Role != RoleAdmin {
		return Account{}, fmt.Errorf("%w: only admins grant the admin role", ErrForbidden)
	}
	tenantID, err := s.scopeTenant(actor, req.TenantID)
	if err != nil {
		return Account{}, err
	}
	if _, err := s.store.TenantByID(ctx, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
		}
		return Account{}, fmt.Errorf("load tenant: %w", err)
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return Account{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	acct := Account{
		ID:                ids.New(),
		TenantID:          tenantID,
		Username:          username,
		Email:             strings.TrimSpace(req.Email),
		Phone:             strings.TrimSpace(req.Phone),
		FirstName:         strings.TrimSpace(req.FirstName),
		LastName:          strings.TrimSpace(req.LastName),
		Role:              role,
		PasswordChangedAt: &now,
		CreatedAt:         now,
	}
	policy, err := s.EffectivePolicy(ctx, tenantID)
	if err != nil {
		return Account{}, err
	}
	if err := ValidatePassword(req.Password, &acct, policy); err != nil {
		return Account{}, err
	}
	if acct.PasswordHash, err = HashPassword(req.Password); err != nil {
		return Account{}, err
	}
	return audit.Do(ctx, s.auditor,
		func(ctx context.Context) (Account, error) {
			if err := s.store.CreateAccount(ctx, &acct); err != nil {
				return Account{}, fmt.Errorf("create account: %w", err)
			}
			return acct, nil
		},
		func(a Account) audit.Event {
			return audit.Event{
				ActorID:     actor.AccountID,
				ActorName:   actor.Username,
				Action:      audit.ActionCreate,
				EntityType:  "account",
				EntityID:    a.ID,
				Description: fmt.Sprintf("account %s (%s)", a.Username, a.Role),
			}
		},
	)
}

// UnlockAccount clears a lock and the failure counter by hand.
func (s *Service) UnlockAccount(ctx context.Context, actor Actor, accountID string) (Account, error) {
	if !actor.Role.CanManageAccounts() {
		return Account{}, fmt.Errorf("%w: role %s may not unlock accounts", ErrForbidden, actor.Role)
	}
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if _, err := s.scopeTenant(actor, acct.TenantID); err != nil {
		return Account{}, err
	}
	wasLocked := acct.Locked
	acct, err = s.store.UpdateLockout(ctx, acct.ID, func(a *Account) error {
		a.RegisterSuccess()
		return nil
	})
	if err != nil {
		return Account{}, fmt.Errorf("unlock account: %w", err)
	}
	s.log().Info("account unlocked", zap.String("account_id", acct.ID), zap.String("by", actor.AccountID))
	s.auditAccount(ctx, actor, acct, audit.ActionUpdate, "account unlocked "+acct.Username,
		map[string]any{"was_locked": wasLocked})
	return acct, nil
}

// TenantPolicy returns the effective policy; stored is false when it is the
// built-in default. Members may read their own tenant's policy.
func (s *Service) TenantPolicy(ctx context.Context, actor Actor, tenantID string) (Policy, bool, error) {
	if actor.Role != RoleAdmin && actor.TenantID != tenantID {
		return Policy{}, false, fmt.Errorf("%w: tenant %s is outside your association", ErrForbidden, tenantID)
	}
	if _, err := s.store.TenantByID(ctx, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Policy{}, false, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
		}
		return Policy{}, false, fmt.Errorf("load tenant: %w", err)
	}
	p, found, err := s.store.Policy(ctx, tenantID)
	if err != nil {
		return Policy{}, false, fmt.Errorf("load policy: %w", err)
	}
	if !found {
		return DefaultPolicy(), false, nil
	}
	return p, true, nil
}

// UpdateTenantPolicy stores an explicit policy for the tenant. Admins may
// update any tenant, chairmen only their own.
func (s *Service) UpdateTenantPolicy(ctx context.Context, actor Actor, tenantID string, p Policy) (Policy, error) {
	if !actor.Role.Elevated() {
		return Policy{}, fmt.Errorf("%w: role %s may not change the security policy", ErrForbidden, actor.Role)
	}
	if _, err := s.scopeTenant(actor, tenantID); err != nil {
		return Policy{}, err
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	before, _, err := s.TenantPolicy(ctx, actor, tenantID)
	if err != nil {
		return Policy{}, err
	}
	if err := s.store.UpsertPolicy(ctx, tenantID, p); err != nil {
		return Policy{}, fmt.Errorf("store policy: %w", err)
	}
	s.auditor.Record(ctx, audit.Event{
		ActorID:     actor.AccountID,
		ActorName:   actor.Username,
		Action:      audit.ActionUpdate,
		EntityType:  "security_policy",
		EntityID:    tenantID,
		Description: "security policy updated",
		Changes:     diffPolicy(before, p),
	})
	return p, nil
}

// LoginHistory lists an account's recent attempts, most recent first.
// Accounts may read their own history; managers any account in scope.
func (s *Service) LoginHistory(ctx context.Context, actor Actor, accountID string, limit int) ([]LoginAttempt, error) {
	if actor.AccountID != accountID {
		if !actor.Role.CanManageAccounts() {
			return nil, fmt.Errorf("%w: login history of another account", ErrForbidden)
		}
		acct, err := s.Account(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if _, err := s.scopeTenant(actor, acct.TenantID); err != nil {
			return nil, err
		}
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	out, err := s.store.AttemptsByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("load login attempts: %w", err)
	}
	return out, nil
}

// Bootstrap makes sure an initial admin exists so a fresh installation can be
// administered. It is a no-op when the username is already taken.
func (s *Service) Bootstrap(ctx context.Context, tenantName, username, password string) (Account, error) {
	if existing, err := s.store.AccountByUsername(ctx, username); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	now := s.now().UTC()
	acct := Account{
		ID:                ids.New(),
		Username:          strings.TrimSpace(username),
		Role:              RoleAdmin,
		PasswordChangedAt: &now,
		CreatedAt:         now,
	}
	if err := ValidatePassword(password, &acct, DefaultPolicy()); err != nil {
		return Account{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, err
	}
	acct.PasswordHash = hash

	t := Tenant{ID: ids.New(), Name: strings.TrimSpace(tenantName), CreatedAt: now}
	if t.Name == "" {
		t.Name = "default"
	}
	err = s.store.CreateTenantWithAccount(ctx, &t, &acct)
	if errors.Is(err, ErrConflict) {
		// Another instance bootstrapped the same admin first.
		if existing, lerr := s.store.AccountByUsername(ctx, username); lerr == nil {
			return existing, nil
		}
	}
	if err != nil {
		return Account{}, fmt.Errorf("create admin: %w", err)
	}
	s.log().Info("bootstrap admin created", zap.String("account_id", acct.ID), zap.String("tenant_id", t.ID))
	s.auditor.Record(ctx, audit.Event{
		ActorID:     acct.ID,
		ActorName:   acct.Username,
		Action:      audit.ActionCreate,
		EntityType:  "account",
		EntityID:    acct.ID,
		Description: "bootstrap admin " + acct.Username,
	})
	return acct, nil
}

// diffPolicy returns field -> {old, new} for every changed setting.
func diffPolicy(before, after Policy) map[string]any {
	toMap := func(p Policy) map[string]any {
		raw, _ := json.Marshal(p)
		m := map[string]any{}
		_ = json.Unmarshal(raw, &m)
		return m
	}
	old, cur := toMap(before), toMap(after)
	changes := map[string]any{}
	for k, v := range cur {
		if old[k] != v {
			changes[k] = map[string]any{"old": old[k], "new": v}
		}
	}
	return changes
}
