package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"sntacc.org/internal/security"
	"sntacc.org/internal/session"
)

type updateProfileRequest struct {
	Email     *string `json:"email"`
	Phone     *string `json:"phone"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Role      *string `json:"role"`
}

type accountListResponse struct {
	Items  []security.Account `json:"items"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// accountParam resolves {id}, where "me" names the caller.
func accountParam(r *http.Request, p session.Principal) string {
	id := chi.URLParam(r, "id")
	if id == "me" {
		return p.AccountID
	}
	return id
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	acct, err := a.security.GetAccount(r.Context(), p.Actor(), accountParam(r, p))
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, security.RoleAdmin, security.RoleChairman)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), "limit", 50, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), "offset", 0, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var role security.Role
	if raw := q.Get("role"); raw != "" {
		if role, err = security.ParseRole(raw); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	items, err := a.security.ListAccounts(r.Context(), p.Actor(), security.AccountFilter{
		TenantID: q.Get("tenant_id"),
		Role:     role,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountListResponse{Items: items, Limit: limit, Offset: offset})
}

func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.security.UpdateProfile(r.Context(), p.Actor(), accountParam(r, p), security.ProfileUpdate{
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
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := requireRole(w, r, security.RoleAdmin, security.RoleChairman)
	if !ok {
		return
	}
	if err := a.security.DeleteAccount(r.Context(), p.Actor(), accountParam(r, p)); err != nil {
		a.handleSecurityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
