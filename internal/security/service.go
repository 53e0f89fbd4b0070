package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sntacc.org/internal/audit"
	"sntacc.org/internal/ids"
	"sntacc.org/internal/obs"
)

const (
	defaultIPThreshold = 10
	defaultIPWindow    = 30 * time.Minute

	maxAttemptUserAgent = 500
	maxAttemptReason    = 100
)

// Failure reasons stored on login attempts and in the audit trail. Clients
// only ever see ErrInvalidCredentials for the password-related ones.
const (
	reasonIPBlocked      = "IP blocked"
	reasonLocked         = "account locked"
	reasonUnknownUser    = "unknown username"
	reasonBadPassword    = "invalid password"
	reasonTwoFactorOff   = "two-factor not enabled"
	reasonBadCode        = "invalid two-factor code"
	reasonUnknownAccount = "unknown account"
	reasonBadChallenge   = "invalid two-factor challenge"
)

// challengeTTL bounds the gap between the password check and the TOTP code.
const challengeTTL = 5 * time.Minute

// SessionIssuer mints and revokes client sessions and the short-lived
// challenges that sit between the password check and the second factor.
type SessionIssuer interface {
	Issue(ctx context.Context, acct Account, ttl time.Duration) (Session, error)
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error

	IssueChallenge(ctx context.Context, acct Account, ttl time.Duration) (Challenge, error)
	// ResolveChallenge validates a challenge token without using it up.
	// Unknown, expired and consumed challenges yield ErrInvalidChallenge.
	ResolveChallenge(ctx context.Context, token string) (Challenge, error)
	// ConsumeChallenge marks the challenge used. It reports false when
	// another request consumed it first.
	ConsumeChallenge(ctx context.Context, c Challenge) (bool, error)
}

// Service implements authentication, lockout, two-factor enrollment,
// invitations and tenant policy management on top of a Store.
type Service struct {
	store    Store
	sessions SessionIssuer
	auditor  audit.Auditor
	totp     TwoFactor
	logger   *zap.Logger
	now      func() time.Time

	ipThreshold int
	ipWindow    time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSessionIssuer sets the session backend. Required.
func WithSessionIssuer(issuer SessionIssuer) ServiceOption {
	return func(s *Service) error {
		s.sessions = issuer
		return nil
	}
}

// WithAuditor routes audit events; defaults to discarding them.
func WithAuditor(a audit.Auditor) ServiceOption {
	return func(s *Service) error {
		if a != nil {
			s.auditor = a
		}
		return nil
	}
}

// WithTwoFactor overrides the TOTP issuer label.
func WithTwoFactor(tf TwoFactor) ServiceOption {
	return func(s *Service) error {
		s.totp = tf
		return nil
	}
}

// WithLogger overrides the operational logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		s.logger = l
		return nil
	}
}

// WithIPGate sets how many failed attempts from one address within window
// block further logins from it.
func WithIPGate(threshold int, window time.Duration) ServiceOption {
	return func(s *Service) error {
		if threshold < 1 || window <= 0 {
			return fmt.Errorf("%w: ip gate needs a positive threshold and window", ErrInvalidInput)
		}
		s.ipThreshold = threshold
		s.ipWindow = window
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("security: store is required")
	}
	svc := &Service{
		store:       store,
		auditor:     audit.Nop{},
		totp:        NewTwoFactor(""),
		now:         time.Now,
		ipThreshold: defaultIPThreshold,
		ipWindow:    defaultIPWindow,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.sessions == nil {
		return nil, errors.New("security: session issuer is required")
	}
	return svc, nil
}

func (s *Service) log() *zap.Logger {
	if s.logger != nil {
		return s.logger
	}
	return obs.Logger()
}

// EffectivePolicy returns the stored policy for tenantID or the default value.
func (s *Service) EffectivePolicy(ctx context.Context, tenantID string) (Policy, error) {
	if tenantID == "" {
		return DefaultPolicy(), nil
	}
	p, found, err := s.store.Policy(ctx, tenantID)
	if err != nil {
		return Policy{}, fmt.Errorf("load policy: %w", err)
	}
	if !found {
		return DefaultPolicy(), nil
	}
	return p, nil
}

// Account returns the account by id.
func (s *Service) Account(ctx context.Context, id string) (Account, error) {
	acct, err := s.store.AccountByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Account{}, ErrAccountNotFound
	}
	return acct, err
}

func (s *Service) recordAttempt(ctx context.Context, accountID string, client ClientInfo, at time.Time, success bool, reason string) {
	attempt := LoginAttempt{
		ID:            ids.NewAt(at),
		AccountID:     accountID,
		IP:            client.IP,
		UserAgent:     audit.Truncate(client.UserAgent, maxAttemptUserAgent),
		Success:       success,
		Timestamp:     at,
		FailureReason: audit.Truncate(reason, maxAttemptReason),
	}
	if err := s.store.RecordAttempt(ctx, attempt); err != nil {
		s.log().Error("record login attempt failed",
			zap.String("ip", client.IP),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}

func (s *Service) ipBlocked(ctx context.Context, ip string, now time.Time) (bool, error) {
	n, err := s.store.CountFailedByIP(ctx, ip, now.Add(-s.ipWindow))
	if err != nil {
		return false, fmt.Errorf("count failed attempts: %w", err)
	}
	return n >= s.ipThreshold, nil
}

func (s *Service) auditAccount(ctx context.Context, actor Actor, acct Account, action audit.Action, description string, extra map[string]any) {
	s.auditor.Record(ctx, audit.Event{
		ActorID:     actor.AccountID,
		ActorName:   actor.Username,
		Action:      action,
		EntityType:  "account",
		EntityID:    acct.ID,
		Description: description,
		Extra:       extra,
	})
}

func (a Account) asActor() Actor {
	return Actor{AccountID: a.ID, Username: a.Username, Role: a.Role, TenantID: a.TenantID}
}
