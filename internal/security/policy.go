package security

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Policy is a tenant's security configuration. A tenant without a stored
// policy uses DefaultPolicy; reading never persists anything.
type Policy struct {
	MinPasswordLength  int  `json:"min_password_length"`
	RequireUppercase   bool `json:"require_uppercase"`
	RequireLowercase   bool `json:"require_lowercase"`
	RequireDigits      bool `json:"require_digits"`
	RequireSpecial     bool `json:"require_special"`
	PasswordExpiryDays int  `json:"password_expiry_days"`

	MaxFailedAttempts     int `json:"max_failed_attempts"`
	LockoutMinutes        int `json:"lockout_minutes"`
	SessionTimeoutMinutes int `json:"session_timeout_minutes"`

	Require2FAForAdmins bool `json:"require_2fa_for_admins"`
	Allow2FAForUsers    bool `json:"allow_2fa_for_users"`

	LogLoginAttempts    bool `json:"log_login_attempts"`
	LogPasswordChanges  bool `json:"log_password_changes"`
	LogSensitiveActions bool `json:"log_sensitive_actions"`
}

// DefaultPolicy returns the built-in policy value.
func DefaultPolicy() Policy {
	return Policy{
		MinPasswordLength:     8,
		RequireUppercase:      true,
		RequireLowercase:      true,
		RequireDigits:         true,
		RequireSpecial:        true,
		PasswordExpiryDays:    90,
		MaxFailedAttempts:     5,
		LockoutMinutes:        30,
		SessionTimeoutMinutes: 30,
		Require2FAForAdmins:   true,
		Allow2FAForUsers:      true,
		LogLoginAttempts:      true,
		LogPasswordChanges:    true,
		LogSensitiveActions:   true,
	}
}

// Validate checks that an administrator-supplied policy is usable.
func (p Policy) Validate() error {
	switch {
	case p.MinPasswordLength < 1 || p.MinPasswordLength > 128:
		return fmt.Errorf("%w: min_password_length must be between 1 and 128", ErrInvalidInput)
	case p.PasswordExpiryDays < 0:
		return fmt.Errorf("%w: password_expiry_days must not be negative", ErrInvalidInput)
	case p.MaxFailedAttempts < 1:
		return fmt.Errorf("%w: max_failed_attempts must be positive", ErrInvalidInput)
	case p.LockoutMinutes < 1:
		return fmt.Errorf("%w: lockout_minutes must be positive", ErrInvalidInput)
	case p.SessionTimeoutMinutes < 1:
		return fmt.Errorf("%w: session_timeout_minutes must be positive", ErrInvalidInput)
	}
	return nil
}

func (p Policy) LockoutDuration() time.Duration {
	return time.Duration(p.LockoutMinutes) * time.Minute
}

func (p Policy) SessionTTL() time.Duration {
	return time.Duration(p.SessionTimeoutMinutes) * time.Minute
}

// PasswordExpiresAt returns nil when the password never expires or was never stamped.
func (p Policy) PasswordExpiresAt(changedAt *time.Time) *time.Time {
	if changedAt == nil || p.PasswordExpiryDays <= 0 {
		return nil
	}
	at := changedAt.Add(time.Duration(p.PasswordExpiryDays) * 24 * time.Hour)
	return &at
}

// PasswordExpired reports whether a password stamped at changedAt is past expiry.
func (p Policy) PasswordExpired(changedAt *time.Time, now time.Time) bool {
	at := p.PasswordExpiresAt(changedAt)
	return at != nil && now.After(*at)
}

// RequiresTwoFactor reports whether accounts with role must enroll.
func (p Policy) RequiresTwoFactor(role Role) bool {
	return p.Require2FAForAdmins && role.Elevated()
}

// AllowsTwoFactor reports whether accounts with role may enroll.
func (p Policy) AllowsTwoFactor(role Role) bool {
	return p.Allow2FAForUsers || role.Elevated()
}

const specialChars = `!@#$%^&*(),.?":{}|<>`

var trivialFragments = []string{"password", "123456"}

// Rule codes reported in Violation.Rule.
const (
	RuleMinLength        = "min_length"
	RuleUppercase        = "uppercase"
	RuleLowercase        = "lowercase"
	RuleDigit            = "digit"
	RuleSpecial          = "special"
	RuleContainsUsername = "contains_username"
	RuleTooSimple        = "too_simple"
)

// ValidatePassword checks password against policy and returns a
// *WeakPasswordError listing every violated rule, or nil. account may be nil.
func ValidatePassword(password string, account *Account, policy Policy) error {
	var violations []Violation
	add := func(rule, msg string) {
		violations = append(violations, Violation{Rule: rule, Message: msg})
	}

	if utf8.RuneCountInString(password) < policy.MinPasswordLength {
		add(RuleMinLength, fmt.Sprintf("password must be at least %d characters long", policy.MinPasswordLength))
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(specialChars, r):
			special = true
		}
	}
	if policy.RequireUppercase && !upper {
		add(RuleUppercase, "password must contain an uppercase letter")
	}
	if policy.RequireLowercase && !lower {
		add(RuleLowercase, "password must contain a lowercase letter")
	}
	if policy.RequireDigits && !digit {
		add(RuleDigit, "password must contain a digit")
	}
	if policy.RequireSpecial && !special {
		add(RuleSpecial, "password must contain one of "+specialChars)
	}

	lowered := strings.ToLower(password)
	if account != nil {
		if name := strings.ToLower(strings.TrimSpace(account.Username)); name != "" && strings.Contains(lowered, name) {
			add(RuleContainsUsername, "password must not contain the username")
		}
	}
	for _, frag := range trivialFragments {
		if strings.Contains(lowered, frag) {
			add(RuleTooSimple, "password is too simple")
			break
		}
	}

	if len(violations) > 0 {
		return &WeakPasswordError{Violations: violations}
	}
	return nil
}
