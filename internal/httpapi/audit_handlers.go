package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"sntacc.org/internal/audit"
	"sntacc.org/internal/security"
)

type auditEventRequest struct {
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Description string         `json:"description"`
	Changes     map[string]any `json:"changes"`
	Extra       map[string]any `json:"extra"`
}

type auditListResponse struct {
	Items  []audit.Entry `json:"items"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, security.RoleAdmin, security.RoleChairman, security.RoleAccountant); !ok {
		return
	}
	if a.auditLog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:    strings.TrimSpace(q.Get("actor_id")),
		EntityType: q.Get("entity_type"),
	}
	if raw := strings.TrimSpace(q.Get("action")); raw != "" {
		action, err := audit.ParseAction(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		f.Action = action
	}
	var err error
	if f.From, err = parseTime(q.Get("from"), "from"); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if f.To, err = parseTime(q.Get("to"), "to"); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit, err = parsePositiveInt(q.Get("limit"), "limit", 0, audit.MaxLimit); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = parsePositiveInt(q.Get("offset"), "offset", 0, 1_000_000); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f = f.Normalize()

	items, err := a.auditLog.Query(r.Context(), f)
	if err != nil {
		a.log().Error("audit query failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, auditListResponse{Items: items, Limit: f.Limit, Offset: f.Offset})
}

func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, security.RoleAdmin, security.RoleChairman); !ok {
		return
	}
	if a.auditLog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	st, err := a.auditLog.Stats(r.Context(), a.now().UTC())
	if err != nil {
		a.log().Error("audit stats failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "audit stats failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleAuditRecord lets other parts of the installation (billing, notices)
// report actions performed by the authenticated caller.
func (a *API) handleAuditRecord(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req auditEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	action, err := audit.ParseAction(req.Action)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.auditor.Record(r.Context(), audit.Event{
		ActorID:     p.AccountID,
		ActorName:   p.Username,
		Action:      action,
		EntityType:  strings.TrimSpace(req.EntityType),
		EntityID:    strings.TrimSpace(req.EntityID),
		Description: req.Description,
		Changes:     req.Changes,
		Extra:       req.Extra,
	})
	w.WriteHeader(http.StatusAccepted)
}
