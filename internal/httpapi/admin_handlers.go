package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"sntacc.org/internal/security"
)

type createTenantRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	INN     string `json:"inn"`
}

type createInvitationRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

type createAccountRequest struct {
	TenantID  string `json:"tenant_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

type policyResponse struct {
	TenantID string          `json:"tenant_id"`
	Stored   bool            `json:"stored"`
	Policy   security.Policy `json:"policy"`
}

type loginHistoryResponse struct {
	AccountID string                  `json:"account_id"`
	Items     []security.LoginAttempt `json:"items"`
}

func (a *API) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.security.CreateTenant(r.Context(), p.Actor(), security.Tenant{
		Name:    req.Name,
		Address: strings.TrimSpace(req.Address),
		INN:     strings.TrimSpace(req.INN),
	})
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/tenants/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, security.RoleAdmin, security.RoleChairman)
	if !ok {
		return
	}
	var req createInvitationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := a.security.CreateInvitation(r.Context(), p.Actor(), security.InvitationRequest{
		TenantID: strings.TrimSpace(req.TenantID),
		Email:    req.Email,
		Phone:    req.Phone,
	})
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, security.RoleAdmin, security.RoleChairman)
	if !ok {
		return
	}
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.security.CreateAccount(r.Context(), p.Actor(), security.CreateAccountRequest{
		TenantID:  strings.TrimSpace(req.TenantID),
		Username:  req.Username,
		Password:  req.Password,
		Email:     req.Email,
		Phone:     req.Phone,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
	})
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/accounts/"+acct.ID)
	writeJSON(w, http.StatusCreated, acct)
}

func (a *API) handleUnlockAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, security.RoleAdmin, security.RoleChairman)
	if !ok {
		return
	}
	acct, err := a.security.UnlockAccount(r.Context(), p.Actor(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) handleLoginHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), "limit", 0, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	accountID := chi.URLParam(r, "id")
	if accountID == "me" {
		accountID = p.AccountID
	}
	items, err := a.security.LoginHistory(r.Context(), p.Actor(), accountID, limit)
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginHistoryResponse{AccountID: accountID, Items: items})
}

func (a *API) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	tenantID := chi.URLParam(r, "id")
	policy, stored, err := a.security.TenantPolicy(r.Context(), p.Actor(), tenantID)
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{TenantID: tenantID, Stored: stored, Policy: policy})
}

func (a *API) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, security.RoleAdmin, security.RoleChairman)
	if !ok {
		return
	}
	var req security.Policy
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tenantID := chi.URLParam(r, "id")
	policy, err := a.security.UpdateTenantPolicy(r.Context(), p.Actor(), tenantID, req)
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyResponse{TenantID: tenantID, Stored: true, Policy: policy})
}
