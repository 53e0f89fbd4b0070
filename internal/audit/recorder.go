package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sntacc.org/internal/ids"
	"sntacc.org/internal/obs"
)

type namedSink struct {
	name string
	sink Sink
}

// Recorder builds entries from events and writes them to the primary sink
// and any mirrors. Record never fails: write errors and panics are reported
// to the operational log and the audit_write_failures_total counter.
type Recorder struct {
	primary namedSink
	mirrors []namedSink
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures Recorder.
type Option func(*Recorder)

// WithMirror adds a secondary sink (log stream, message bus).
func WithMirror(name string, s Sink) Option {
	return func(r *Recorder) {
		if s != nil {
			r.mirrors = append(r.mirrors, namedSink{name: name, sink: s})
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithLogger overrides the operational logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) {
		r.logger = l
	}
}

// NewRecorder constructs a Recorder writing to primary.
func NewRecorder(primary Sink, opts ...Option) *Recorder {
	r := &Recorder{
		primary: namedSink{name: "store", sink: primary},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record writes the event. It never returns an error.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	entry := r.build(ctx, ev)
	if r.primary.sink != nil {
		r.write(ctx, r.primary, entry)
	}
	for _, m := range r.mirrors {
		r.write(ctx, m, entry)
	}
}

func (r *Recorder) build(ctx context.Context, ev Event) Entry {
	if !ev.Action.Valid() {
		r.log().Warn("audit: unknown action, recording as other", zap.String("action", string(ev.Action)))
		ev.Action = ActionOther
	}
	if ev.ActorID == "" {
		if id, name, ok := ActorFromContext(ctx); ok {
			ev.ActorID = id
			if ev.ActorName == "" {
				ev.ActorName = name
			}
		}
	}
	meta := RequestMetaFromContext(ctx)
	if ev.IP == "" {
		ev.IP = meta.IP
	}
	if ev.UserAgent == "" {
		ev.UserAgent = meta.UserAgent
	}
	ev.Description = Truncate(ev.Description, maxDescription)
	ev.UserAgent = Truncate(ev.UserAgent, maxUserAgent)

	now := r.now().UTC()
	return Entry{
		ID:        ids.NewAt(now),
		Timestamp: now,
		RequestID: meta.RequestID,
		Event:     ev,
	}
}

func (r *Recorder) write(ctx context.Context, ns namedSink, entry Entry) {
	defer func() {
		if p := recover(); p != nil {
			r.fail(ns.name, entry, fmt.Errorf("panic: %v", p))
		}
	}()
	if err := ns.sink.Append(ctx, entry); err != nil {
		r.fail(ns.name, entry, err)
	}
}

func (r *Recorder) fail(sink string, entry Entry, err error) {
	obs.ObserveAuditFailure(sink)
	r.log().Error("audit write failed",
		zap.String("sink", sink),
		zap.String("audit_id", entry.ID),
		zap.String("action", string(entry.Action)),
		zap.String("entity_type", entry.EntityType),
		zap.Error(err),
	)
}

func (r *Recorder) log() *zap.Logger {
	if r.logger != nil {
		return r.logger
	}
	return obs.Logger()
}

// Do runs op and, only if it succeeds, records the event built from its
// result. The result and error of op are returned unchanged.
func Do[T any](ctx context.Context, a Auditor, op func(context.Context) (T, error), describe func(T) Event) (T, error) {
	res, err := op(ctx)
	if err != nil {
		return res, err
	}
	if a != nil && describe != nil {
		a.Record(ctx, describe(res))
	}
	return res, nil
}
