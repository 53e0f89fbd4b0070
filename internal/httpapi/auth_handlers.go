package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"sntacc.org/internal/security"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type verifyRequest struct {
	ChallengeToken string `json:"challenge_token"`
	AccountID      string `json:"account_id"`
	Code           string `json:"code"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type changePasswordRequest struct {
	OldPassword  string `json:"old_password"`
	NewPassword  string `json:"new_password"`
	Confirmation string `json:"confirmation"`
}

type registerRequest struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.security.Login(r.Context(), security.LoginRequest{
		Username: req.Username,
		Password: req.Password,
		Client:   clientInfo(r),
	})
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleVerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.security.VerifyTwoFactor(r.Context(), security.VerifyRequest{
		ChallengeToken: strings.TrimSpace(req.ChallengeToken),
		AccountID:      strings.TrimSpace(req.AccountID),
		Code:           strings.TrimSpace(req.Code),
		Client:         clientInfo(r),
	})
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleEnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	enrollment, err := a.security.EnableTwoFactor(r.Context(), p.AccountID)
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (a *API) handleConfirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.security.ConfirmTwoFactor(r.Context(), p.AccountID, strings.TrimSpace(req.Code)); err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"two_factor_enabled": true})
}

func (a *API) handleDisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.security.DisableTwoFactor(r.Context(), p.AccountID); err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"two_factor_enabled": false})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.security.ChangePassword(r.Context(), security.ChangePasswordRequest{
		AccountID:    p.AccountID,
		OldPassword:  req.OldPassword,
		NewPassword:  req.NewPassword,
		Confirmation: req.Confirmation,
	})
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.security.Logout(r.Context(), p.AccountID, p.TokenID, p.ExpiresAt, clientInfo(r)); err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	sess, err := a.security.Refresh(r.Context(), p.AccountID, p.TokenID, p.ExpiresAt, clientInfo(r))
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleSecurityStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	status, err := a.security.SecurityStatus(r.Context(), p.AccountID)
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.security.Register(r.Context(), security.RegisterRequest{
		Token:     strings.TrimSpace(req.Token),
		Username:  req.Username,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Client:    clientInfo(r),
	})
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/accounts/"+acct.ID)
	writeJSON(w, http.StatusCreated, acct)
}

// handleSecurityError maps service errors to responses. Credential failures
// share one message so callers cannot tell unknown users from bad passwords.
func (a *API) handleSecurityError(w http.ResponseWriter, r *http.Request, err error) {
	var weak *security.WeakPasswordError
	switch {
	case errors.As(err, &weak):
		writeErrorWith(w, r, http.StatusBadRequest, security.ErrWeakPassword.Error(), map[string]any{
			"code":       "weak_password",
			"violations": weak.Violations,
		})
	case errors.Is(err, security.ErrPasswordMismatch):
		writeErrorWith(w, r, http.StatusBadRequest, err.Error(), map[string]any{"code": "password_mismatch"})
	case errors.Is(err, security.ErrWrongOldPassword):
		writeErrorWith(w, r, http.StatusBadRequest, err.Error(), map[string]any{"code": "wrong_old_password"})
	case errors.Is(err, security.ErrInvalidCredentials):
		writeErrorWith(w, r, http.StatusUnauthorized, "invalid credentials", map[string]any{"code": "invalid_credentials"})
	case errors.Is(err, security.ErrInvalidChallenge):
		writeErrorWith(w, r, http.StatusUnauthorized, err.Error(), map[string]any{"code": "invalid_challenge"})
	case errors.Is(err, security.ErrInvalidCode):
		writeErrorWith(w, r, http.StatusUnauthorized, err.Error(), map[string]any{"code": "invalid_code"})
	case errors.Is(err, security.ErrAccountLocked):
		writeErrorWith(w, r, http.StatusForbidden, err.Error(), map[string]any{"code": "account_locked"})
	case errors.Is(err, security.ErrIPBlocked):
		writeErrorWith(w, r, http.StatusTooManyRequests, err.Error(), map[string]any{"code": "ip_blocked"})
	case errors.Is(err, security.ErrInvalidToken):
		writeErrorWith(w, r, http.StatusNotFound, err.Error(), map[string]any{"code": "invalid_token"})
	case errors.Is(err, security.ErrAlreadyUsed):
		writeErrorWith(w, r, http.StatusGone, err.Error(), map[string]any{"code": "already_used"})
	case errors.Is(err, security.ErrExpired):
		writeErrorWith(w, r, http.StatusGone, err.Error(), map[string]any{"code": "expired"})
	case errors.Is(err, security.ErrMissingContact):
		writeErrorWith(w, r, http.StatusBadRequest, err.Error(), map[string]any{"code": "missing_contact"})
	case errors.Is(err, security.ErrNotEnabled), errors.Is(err, security.ErrNoPendingSecret):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, security.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, security.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, security.ErrAccountNotFound), errors.Is(err, security.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, security.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		a.log().Error("security operation failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
