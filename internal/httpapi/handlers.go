package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sntacc.org/internal/audit"
	"sntacc.org/internal/obs"
	"sntacc.org/internal/security"
	"sntacc.org/internal/session"
)

const serviceName = "sntacc-api"

// ReadyCheck reports whether a dependency (database, redis) is reachable.
type ReadyCheck interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a ping function to ReadyCheck.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// Authenticator resolves bearer tokens to principals.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (session.Principal, error)
}

// API is the HTTP layer over the security service and the audit log.
type API struct {
	security *security.Service
	sessions Authenticator
	auditor  audit.Auditor
	auditLog audit.Store
	checks   []ReadyCheck
	version  string
	logger   *zap.Logger
	now      func() time.Time

	maxBodyBytes int64
	rateBurst    int
	ratePerSec   float64
	corsOrigins  []string
	trusted      []netip.Prefix
}

// Option configures the API.
type Option func(*API)

func WithReadyCheck(p ReadyCheck) Option {
	return func(a *API) {
		if p != nil {
			a.checks = append(a.checks, p)
		}
	}
}

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

// WithRateLimit sets the per-address token bucket. Non-positive values
// disable limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithTrustedProxies names the reverse proxies whose X-Forwarded-For header
// identifies the client. Without it the socket peer is the client.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trusted = prefixes }
}

// New wires the API. auditor receives externally reported events and
// auditLog serves the read side.
func New(svc *security.Service, sessions Authenticator, auditor audit.Auditor, auditLog audit.Store, opts ...Option) *API {
	a := &API{
		security:     svc,
		sessions:     sessions,
		auditor:      auditor,
		auditLog:     auditLog,
		version:      "dev",
		now:          time.Now,
		maxBodyBytes: 1 << 20,
		rateBurst:    20,
		ratePerSec:   10,
	}
	if a.auditor == nil {
		a.auditor = audit.Nop{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) log() *zap.Logger {
	if a.logger != nil {
		return a.logger
	}
	return obs.Logger()
}

// Handler returns the full middleware stack and routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(ClientIP(a.trusted))
	r.Use(Recoverer(a.log()))
	r.Use(LoggingJSON(a.log()))
	r.Use(SecurityHeaders)
	r.Use(CORS(a.corsOrigins))
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBodyBytes) })
	if a.ratePerSec > 0 && a.rateBurst > 0 {
		r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
	}
	r.Use(auditRequestMeta)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/2fa/verify", a.handleVerifyTwoFactor)
		r.Post("/auth/register", a.handleRegister)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)

			r.Post("/auth/2fa/enable", a.handleEnableTwoFactor)
			r.Post("/auth/2fa/confirm", a.handleConfirmTwoFactor)
			r.Post("/auth/2fa/disable", a.handleDisableTwoFactor)
			r.Post("/auth/password", a.handleChangePassword)
			r.Post("/auth/logout", a.handleLogout)
			r.Post("/auth/refresh", a.handleRefresh)
			r.Get("/auth/security", a.handleSecurityStatus)

			r.Post("/tenants", a.handleCreateTenant)
			r.Get("/tenants/{id}/policy", a.handleGetPolicy)
			r.Put("/tenants/{id}/policy", a.handleUpdatePolicy)

			r.Post("/invitations", a.handleCreateInvitation)
			r.Get("/accounts", a.handleListAccounts)
			r.Post("/accounts", a.handleCreateAccount)
			r.Get("/accounts/{id}", a.handleGetAccount)
			r.Patch("/accounts/{id}", a.handleUpdateAccount)
			r.Delete("/accounts/{id}", a.handleDeleteAccount)
			r.Post("/accounts/{id}/unlock", a.handleUnlockAccount)
			r.Get("/accounts/{id}/login-attempts", a.handleLoginHistory)

			r.Get("/audit", a.handleAuditQuery)
			r.Get("/audit/stats", a.handleAuditStats)
			r.Post("/audit", a.handleAuditRecord)
		})
	})

	return obs.Instrument(r)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// Check runs every readiness check; the gRPC health server shares it.
func (a *API) Check(ctx context.Context) error {
	for _, p := range a.checks {
		if err := p.Check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorWith(w, r, code, msg, nil)
}

func writeErrorWith(w http.ResponseWriter, r *http.Request, code int, msg string, extra map[string]any) {
	payload := map[string]any{
		"error": msg,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw, name string, def, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if val < 0 || val > max {
		return 0, errors.New(name + " must be between 0 and " + strconv.Itoa(max))
	}
	return val, nil
}

func parseTime(raw, name string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}
