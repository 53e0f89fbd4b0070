package security

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sntacc.org/internal/audit"
	"sntacc.org/internal/ids"
)

// InvitationRequest names the tenant and at least one contact of the invitee.
// An empty TenantID means the actor's own tenant.
type InvitationRequest struct {
	TenantID string
	Email    string
	Phone    string
}

// RegisterRequest redeems an invitation token.
type RegisterRequest struct {
	Token     string
	Username  string
	Password  string
	FirstName string
	LastName  string
	Phone     string
	Client    ClientInfo
}

// CreateInvitation issues a single-use token valid for seven days.
func (s *Service) CreateInvitation(ctx context.Context, actor Actor, req InvitationRequest) (Invitation, error) {
	if !actor.Role.CanManageAccounts() {
		return Invitation{}, fmt.Errorf("%w: role %s may not invite", ErrForbidden, actor.Role)
	}
	tenantID, err := s.scopeTenant(actor, req.TenantID)
	if err != nil {
		return Invitation{}, err
	}
	email := strings.TrimSpace(req.Email)
	phone := strings.TrimSpace(req.Phone)
	if email == "" && phone == "" {
		return Invitation{}, ErrMissingContact
	}
	if _, err := s.store.TenantByID(ctx, tenantID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Invitation{}, fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID)
		}
		return Invitation{}, fmt.Errorf("load tenant: %w", err)
	}

	now := s.now().UTC()
	inv := Invitation{
		ID:        ids.New(),
		TenantID:  tenantID,
		Email:     email,
		Phone:     phone,
		Token:     ids.NewToken(),
		CreatedAt: now,
		ExpiresAt: now.Add(invitationTTL),
	}
	return audit.Do(ctx, s.auditor,
		func(ctx context.Context) (Invitation, error) {
			if err := s.store.CreateInvitation(ctx, &inv); err != nil {
				return Invitation{}, fmt.Errorf("create invitation: %w", err)
			}
			return inv, nil
		},
		func(inv Invitation) audit.Event {
			return audit.Event{
				ActorID:     actor.AccountID,
				ActorName:   actor.Username,
				Action:      audit.ActionCreate,
				EntityType:  "invitation",
				EntityID:    inv.ID,
				Description: "invitation for " + contactOf(inv),
				Extra:       map[string]any{"tenant_id": inv.TenantID, "expires_at": inv.ExpiresAt},
			}
		},
	)
}

// Register creates an account from an invitation. The token is checked for
// existence, use and expiry in that order; the account and the used flag are
// written together.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Account, error) {
	now := s.now().UTC()
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return Account{}, ErrInvalidToken
	}
	inv, err := s.store.InvitationByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return Account{}, ErrInvalidToken
	}
	if err != nil {
		return Account{}, fmt.Errorf("load invitation: %w", err)
	}
	if err := inv.Check(now); err != nil {
		return Account{}, err
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		return Account{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		phone = inv.Phone
	}
	changed := now
	acct := Account{
		ID:                ids.New(),
		TenantID:          inv.TenantID,
		Username:          username,
		Email:             inv.Email,
		Phone:             phone,
		FirstName:         strings.TrimSpace(req.FirstName),
		LastName:          strings.TrimSpace(req.LastName),
		Role:              RoleUser,
		PasswordChangedAt: &changed,
		CreatedAt:         now,
	}

	policy, err := s.EffectivePolicy(ctx, inv.TenantID)
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
			if err := s.store.Redeem(ctx, token, &acct, now); err != nil {
				return Account{}, err
			}
			return acct, nil
		},
		func(a Account) audit.Event {
			return audit.Event{
				ActorID:     a.ID,
				ActorName:   a.DisplayName(),
				Action:      audit.ActionCreate,
				EntityType:  "account",
				EntityID:    a.ID,
				Description: "registered by invitation: " + a.Username,
				IP:          req.Client.IP,
				UserAgent:   req.Client.UserAgent,
				Extra:       map[string]any{"invitation_id": inv.ID, "tenant_id": a.TenantID},
			}
		},
	)
}

// scopeTenant resolves the tenant an actor operates on. Only admins act
// outside their own tenant.
func (s *Service) scopeTenant(actor Actor, requested string) (string, error) {
	tenantID := strings.TrimSpace(requested)
	if tenantID == "" {
		tenantID = actor.TenantID
	}
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if actor.Role != RoleAdmin && tenantID != actor.TenantID {
		return "", fmt.Errorf("%w: tenant %s is outside your association", ErrForbidden, tenantID)
	}
	return tenantID, nil
}

func contactOf(inv Invitation) string {
	if inv.Email != "" {
		return inv.Email
	}
	return inv.Phone
}
