package security

import (
	"context"
	"time"
)

// AccountStore persists accounts. Lookups return ErrNotFound; duplicate
// usernames return ErrConflict.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct *Account) error
	AccountByID(ctx context.Context, id string) (Account, error)
	AccountByUsername(ctx context.Context, username string) (Account, error)
	// UpdateLockout runs fn on the current row under a write lock and
	// persists the lockout fields fn leaves behind.
	UpdateLockout(ctx context.Context, id string, fn func(*Account) error) (Account, error)
	UpdatePassword(ctx context.Context, id, hash string, changedAt time.Time) error
	UpdateTwoFactor(ctx context.Context, id string, enabled bool, secret string) error
	// UpdateProfile persists contact details, names, verification flags and
	// the role of acct.
	UpdateProfile(ctx context.Context, acct *Account) error
	// ListAccounts returns accounts ordered by username.
	ListAccounts(ctx context.Context, f AccountFilter) ([]Account, error)
	// DeleteAccount removes the account. Login attempts and audit entries
	// keep their rows with the account reference cleared.
	DeleteAccount(ctx context.Context, id string) error
}

// TenantStore persists associations.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	TenantByID(ctx context.Context, id string) (Tenant, error)
	// CreateTenantWithAccount writes a tenant and its first account in one
	// transaction; neither exists if either insert fails.
	CreateTenantWithAccount(ctx context.Context, t *Tenant, acct *Account) error
}

// PolicyStore persists per-tenant policies. found is false when the tenant
// has none stored.
type PolicyStore interface {
	Policy(ctx context.Context, tenantID string) (p Policy, found bool, err error)
	UpsertPolicy(ctx context.Context, tenantID string, p Policy) error
}

// LoginAttemptStore is the append-only attempt log.
type LoginAttemptStore interface {
	RecordAttempt(ctx context.Context, a LoginAttempt) error
	CountFailedByIP(ctx context.Context, ip string, since time.Time) (int, error)
	AttemptsByAccount(ctx context.Context, accountID string, limit int) ([]LoginAttempt, error)
}

// InvitationStore persists invitations.
type InvitationStore interface {
	CreateInvitation(ctx context.Context, inv *Invitation) error
	InvitationByToken(ctx context.Context, token string) (Invitation, error)
	// Redeem marks the invitation used and creates acct in one transaction.
	// It fails with ErrInvalidToken, ErrAlreadyUsed or ErrExpired without
	// creating anything.
	Redeem(ctx context.Context, token string, acct *Account, now time.Time) error
}

// Store aggregates everything the service persists.
type Store interface {
	AccountStore
	TenantStore
	PolicyStore
	LoginAttemptStore
	InvitationStore
}
