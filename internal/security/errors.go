package security

import (
	"errors"
	"strings"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("resource conflict")
	ErrForbidden    = errors.New("forbidden")

	// login gates
	ErrIPBlocked          = errors.New("too many failed attempts from this address")
	ErrAccountLocked      = errors.New("account is locked")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// two-factor
	ErrNotEnabled      = errors.New("two-factor authentication is not enabled")
	ErrInvalidCode     = errors.New("invalid verification code")
	ErrAccountNotFound = errors.New("account not found")
	ErrNoPendingSecret = errors.New("no pending two-factor secret")
	// ErrInvalidChallenge covers a missing, forged, expired or already used
	// login challenge.
	ErrInvalidChallenge = errors.New("invalid or expired two-factor challenge")

	// password change
	ErrWrongOldPassword = errors.New("current password is incorrect")
	ErrPasswordMismatch = errors.New("password confirmation does not match")
	ErrWeakPassword     = errors.New("password does not satisfy policy")

	// invitations
	ErrMissingContact = errors.New("email or phone is required")
	ErrInvalidToken   = errors.New("invalid invitation token")
	ErrAlreadyUsed    = errors.New("invitation already used")
	ErrExpired        = errors.New("invitation expired")
)

// Violation is a single failed password rule.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// WeakPasswordError carries every rule the password failed.
type WeakPasswordError struct {
	Violations []Violation
}

func (e *WeakPasswordError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return ErrWeakPassword.Error() + ": " + strings.Join(msgs, "; ")
}

func (e *WeakPasswordError) Is(target error) bool {
	return target == ErrWeakPassword
}

// Rules returns the violated rule codes in evaluation order.
func (e *WeakPasswordError) Rules() []string {
	out := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		out = append(out, v.Rule)
	}
	return out
}
