package security

import (
	"fmt"
	"strings"
	"time"
)

// Role is an account's position in the association.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAccountant Role = "accountant"
	RoleChairman   Role = "chairman"
	RoleUser       Role = "user"
)

// ParseRole validates a role name; empty input yields RoleUser.
func ParseRole(raw string) (Role, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return RoleUser, nil
	}
	switch r := Role(raw); r {
	case RoleAdmin, RoleAccountant, RoleChairman, RoleUser:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
}

// Elevated reports whether the role administers the tenant.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleChairman
}

// CanManageAccounts reports whether the role may invite or create accounts.
func (r Role) CanManageAccounts() bool {
	return r == RoleAdmin || r == RoleChairman
}

// CanReadAudit reports whether the role may browse the audit log.
func (r Role) CanReadAudit() bool {
	return r == RoleAdmin || r == RoleChairman || r == RoleAccountant
}

// Tenant is an association (СНТ) that owns accounts and a security policy.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	INN       string    `json:"inn,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Account holds credentials and security state. The password hash and the
// TOTP secret never leave the service in JSON.
type Account struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id,omitempty"`
	Username      string `json:"username"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	PasswordHash  string `json:"-"`
	Role          Role   `json:"role"`
	EmailVerified bool   `json:"email_verified"`
	PhoneVerified bool   `json:"phone_verified"`

	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LastFailedLogin     *time.Time `json:"last_failed_login,omitempty"`
	Locked              bool       `json:"locked"`
	LockoutTime         *time.Time `json:"lockout_time,omitempty"`
	PasswordChangedAt   *time.Time `json:"password_changed_at,omitempty"`
	TwoFactorEnabled    bool       `json:"two_factor_enabled"`
	TwoFactorSecret     string     `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName is the snapshot stored alongside audit entries.
func (a Account) DisplayName() string {
	full := strings.TrimSpace(a.FirstName + " " + a.LastName)
	if full != "" {
		return full
	}
	return a.Username
}

// Actor is the authenticated caller of an administrative operation.
type Actor struct {
	AccountID string
	Username  string
	Role      Role
	TenantID  string
}

// ClientInfo describes where a request came from.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// LoginAttempt is an append-only record of one authentication attempt.
// AccountID is empty for attempts against unknown usernames.
type LoginAttempt struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id,omitempty"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

const invitationTTL = 7 * 24 * time.Hour

// Invitation authorizes a single self-registration into a tenant.
type Invitation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Token     string    `json:"token"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the invitation can no longer be redeemed at now.
func (i Invitation) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// Check returns the redemption error for the invitation, used before expiry.
func (i Invitation) Check(now time.Time) error {
	if i.Used {
		return ErrAlreadyUsed
	}
	if i.Expired(now) {
		return ErrExpired
	}
	return nil
}

// Session is what a successful login hands back to the client.
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	TokenID     string    `json:"-"`
}

// Challenge is handed out when the password was accepted but a TOTP code is
// still required. Only a challenge minted by Login can complete the login,
// and only once.
type Challenge struct {
	Token     string    `json:"challenge_token"`
	ExpiresAt time.Time `json:"expires_at"`
	ID        string    `json:"-"`
	AccountID string    `json:"-"`
}

// AccountFilter narrows ListAccounts. An empty TenantID lists every tenant.
type AccountFilter struct {
	TenantID string
	Role     Role
	Limit    int
	Offset   int
}
