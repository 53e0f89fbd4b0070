package audit

import (
	"context"

	"go.uber.org/zap"

	"sntacc.org/internal/obs"
)

// LogSink mirrors entries into the operational log stream as "type":"audit" lines.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Append(_ context.Context, e Entry) error {
	l := s.Logger
	if l == nil {
		l = obs.Logger()
	}
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", string(e.Action)),
		zap.String("audit_id", e.ID),
		zap.Time("at", e.Timestamp),
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	if e.ActorID != "" {
		fields = append(fields, zap.String("user_id", e.ActorID))
	}
	if e.EntityType != "" {
		fields = append(fields, zap.String("entity_type", e.EntityType), zap.String("entity_id", e.EntityID))
	}
	if e.Description != "" {
		fields = append(fields, zap.String("description", e.Description))
	}
	if len(e.Extra) > 0 {
		fields = append(fields, zap.Any("fields", e.Extra))
	}
	l.Info("audit", fields...)
	return nil
}
