package audit

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestMetaKey ctxKey = "audit_request_meta"
	actorKey       ctxKey = "audit_actor"
)

// RequestMeta describes the inbound request an action originated from.
type RequestMeta struct {
	RequestID string
	IP        string
	UserAgent string
}

type actorRef struct {
	id   string
	name string
}

// WithRequestMeta attaches request metadata to the context for audit logging.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey, meta)
}

// WithRequestID attaches the request identifier, keeping other metadata.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	meta := RequestMetaFromContext(ctx)
	meta.RequestID = requestID
	return WithRequestMeta(ctx, meta)
}

// RequestMetaFromContext returns the attached metadata or the zero value.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	if v, ok := ctx.Value(requestMetaKey).(RequestMeta); ok {
		return v
	}
	return RequestMeta{}
}

// WithActor records who is acting; used when an event leaves ActorID empty.
func WithActor(ctx context.Context, id, name string) context.Context {
	if strings.TrimSpace(id) == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actorRef{id: id, name: name})
}

// ActorFromContext returns the acting account, if any.
func ActorFromContext(ctx context.Context) (id, name string, ok bool) {
	if ctx == nil {
		return "", "", false
	}
	ref, ok := ctx.Value(actorKey).(actorRef)
	if !ok {
		return "", "", false
	}
	return ref.id, ref.name, true
}
