package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"sntacc.org/internal/audit"
	"sntacc.org/internal/security"
	"sntacc.org/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth requires a valid, unrevoked bearer token and puts the principal
// on the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sntacc"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		if a.sessions == nil {
			writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}

		principal, err := a.sessions.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, session.ErrRevoked):
				writeError(w, r, http.StatusUnauthorized, "token revoked")
			case errors.Is(err, session.ErrInvalidToken):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				a.log().Error("authenticate token", zap.Error(err))
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := session.ContextWithPrincipal(r.Context(), principal)
		ctx = audit.WithActor(ctx, principal.AccountID, principal.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal returns the authenticated caller or answers 401.
func principal(w http.ResponseWriter, r *http.Request) (session.Principal, bool) {
	p, ok := session.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return session.Principal{}, false
	}
	return p, true
}

// requireRole answers 403 unless the caller holds one of roles.
func requireRole(w http.ResponseWriter, r *http.Request, roles ...security.Role) (session.Principal, bool) {
	p, ok := principal(w, r)
	if !ok {
		return p, false
	}
	for _, role := range roles {
		if p.Role == role {
			return p, true
		}
	}
	writeError(w, r, http.StatusForbidden, "insufficient role")
	return p, false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
