package audit

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Action enumerates the kinds of audited actions.
type Action string

const (
	ActionCreate           Action = "create"
	ActionUpdate           Action = "update"
	ActionDelete           Action = "delete"
	ActionLogin            Action = "login"
	ActionLogout           Action = "logout"
	ActionView             Action = "view"
	ActionExport           Action = "export"
	ActionImport           Action = "import"
	ActionSendNotification Action = "send_notification"
	ActionGenerateReport   Action = "generate_report"
	ActionBackup           Action = "backup"
	ActionOther            Action = "other"
)

var actions = []Action{
	ActionCreate, ActionUpdate, ActionDelete, ActionLogin, ActionLogout, ActionView,
	ActionExport, ActionImport, ActionSendNotification, ActionGenerateReport, ActionBackup, ActionOther,
}

// Actions returns every known action in declaration order.
func Actions() []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	return out
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction validates a raw action name.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown audit action %q", raw)
	}
	return a, nil
}

const (
	maxDescription = 200
	maxUserAgent   = 500
)

// Event is what callers hand to the recorder. The actor is a weak reference:
// ActorName is a snapshot so the entry stays readable after the account is gone.
type Event struct {
	ActorID     string         `json:"actor_id,omitempty"`
	ActorName   string         `json:"actor_name,omitempty"`
	Action      Action         `json:"action"`
	EntityType  string         `json:"entity_type,omitempty"`
	EntityID    string         `json:"entity_id,omitempty"`
	Description string         `json:"description,omitempty"`
	Changes     map[string]any `json:"changes,omitempty"`
	IP          string         `json:"ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Entry is an immutable, stored audit record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Event
}

// Sink receives finished entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Store is the queryable primary sink.
type Store interface {
	Sink
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// Auditor is implemented by anything that accepts audit events without
// reporting failures back to the caller.
type Auditor interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Filter selects entries for the read side. Zero values mean "any".
type Filter struct {
	ActorID    string
	Action     Action
	EntityType string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Normalize clamps paging bounds.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.EntityType = strings.TrimSpace(f.EntityType)
	return f
}

// Matches applies the filter predicates (not paging) to a single entry.
func (f Filter) Matches(e Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && !strings.Contains(strings.ToLower(e.EntityType), strings.ToLower(f.EntityType)) {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Stats summarises the audit log.
type Stats struct {
	Total     int            `json:"total"`
	Last24h   int            `json:"last_24h"`
	ByAction  map[Action]int `json:"by_action"`
	TopActors []ActorCount   `json:"top_actors"`
}

type ActorCount struct {
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Count     int    `json:"count"`
}

const topActors = 10

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
