package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"sntacc.org/internal/security"
)

const (
	defaultIssuer = "sntacc"
	tokenType     = "Bearer"

	purposeTwoFactor = "2fa"
)

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrRevoked indicates the token was valid but has been logged out.
	ErrRevoked = errors.New("session revoked")

	errMissingSecret = errors.New("session secret is not configured")
)

// Claims represents JWT claims carried by access tokens.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
	// Purpose is empty for access tokens. Challenge tokens carry "2fa" and
	// are never accepted as access tokens.
	Purpose string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller resolved from a token.
type Principal struct {
	AccountID string
	Username  string
	Role      security.Role
	TenantID  string
	TokenID   string
	ExpiresAt time.Time
}

// Actor converts the principal for service calls.
func (p Principal) Actor() security.Actor {
	return security.Actor{AccountID: p.AccountID, Username: p.Username, Role: p.Role, TenantID: p.TenantID}
}

// Manager signs and validates HS256 access tokens and tracks revocations.
type Manager struct {
	secret  []byte
	issuer  string
	revoked RevocationStore
	now     func() time.Time
}

var _ security.SessionIssuer = (*Manager)(nil)

// Option configures the manager.
type Option func(*Manager)

func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			m.issuer = issuer
		}
	}
}

// WithRevocations sets where logged-out token ids are kept. Defaults to memory.
func WithRevocations(store RevocationStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.revoked = store
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager builds a manager for the shared signing secret.
func NewManager(secret string, opts ...Option) (*Manager, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	m := &Manager{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.revoked == nil {
		m.revoked = NewMemoryRevocations(m.now)
	}
	return m, nil
}

// Issue signs a token for acct valid for ttl.
func (m *Manager) Issue(_ context.Context, acct security.Account, ttl time.Duration) (security.Session, error) {
	if strings.TrimSpace(acct.ID) == "" {
		return security.Session{}, errors.New("account id is required")
	}
	if ttl <= 0 {
		return security.Session{}, errors.New("ttl must be greater than zero")
	}
	now := m.now().UTC().Truncate(time.Second)
	expires := now.Add(ttl)
	claims := Claims{
		Username: acct.Username,
		Role:     string(acct.Role),
		TenantID: acct.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   acct.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return security.Session{}, fmt.Errorf("sign token: %w", err)
	}
	return security.Session{
		AccessToken: signed,
		TokenType:   tokenType,
		ExpiresAt:   expires,
		TokenID:     claims.ID,
	}, nil
}

// Authenticate verifies the signature, the registered claims and the
// revocation list.
func (m *Manager) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := m.parse(token)
	if err != nil || claims.Purpose != "" {
		return Principal{}, ErrInvalidToken
	}
	role, err := security.ParseRole(claims.Role)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	revoked, err := m.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Principal{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Principal{}, ErrRevoked
	}
	return Principal{
		AccountID: claims.Subject,
		Username:  claims.Username,
		Role:      role,
		TenantID:  claims.TenantID,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (m *Manager) parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueChallenge signs a short-lived token proving acct passed the password
// step. It only unlocks VerifyTwoFactor.
func (m *Manager) IssueChallenge(_ context.Context, acct security.Account, ttl time.Duration) (security.Challenge, error) {
	if strings.TrimSpace(acct.ID) == "" {
		return security.Challenge{}, errors.New("account id is required")
	}
	if ttl <= 0 {
		return security.Challenge{}, errors.New("ttl must be greater than zero")
	}
	now := m.now().UTC().Truncate(time.Second)
	expires := now.Add(ttl)
	claims := Claims{
		Purpose: purposeTwoFactor,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   acct.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return security.Challenge{}, fmt.Errorf("sign challenge: %w", err)
	}
	return security.Challenge{Token: signed, ExpiresAt: expires, ID: claims.ID, AccountID: acct.ID}, nil
}

// ResolveChallenge validates a challenge token without consuming it.
// Anything other than an unused, unexpired challenge yields
// security.ErrInvalidChallenge.
func (m *Manager) ResolveChallenge(ctx context.Context, token string) (security.Challenge, error) {
	claims, err := m.parse(token)
	if err != nil || claims.Purpose != purposeTwoFactor {
		return security.Challenge{}, security.ErrInvalidChallenge
	}
	used, err := m.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return security.Challenge{}, fmt.Errorf("check challenge: %w", err)
	}
	if used {
		return security.Challenge{}, security.ErrInvalidChallenge
	}
	return security.Challenge{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		ID:        claims.ID,
		AccountID: claims.Subject,
	}, nil
}

// ConsumeChallenge marks the challenge used. Exactly one concurrent caller
// gets true.
func (m *Manager) ConsumeChallenge(ctx context.Context, c security.Challenge) (bool, error) {
	if strings.TrimSpace(c.ID) == "" {
		return false, ErrInvalidToken
	}
	return m.revoked.Claim(ctx, c.ID, c.ExpiresAt)
}

// Revoke marks tokenID unusable until its natural expiry.
func (m *Manager) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if strings.TrimSpace(tokenID) == "" {
		return ErrInvalidToken
	}
	return m.revoked.MarkRevoked(ctx, tokenID, expiresAt)
}
