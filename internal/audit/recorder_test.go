package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failingSink struct{ calls int }

func (s *failingSink) Append(context.Context, Entry) error {
	s.calls++
	return errors.New("db down")
}

type panickingSink struct{}

func (panickingSink) Append(context.Context, Entry) error {
	panic("boom")
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestRecordFillsFromContextAndTruncates(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecorder(store, WithClock(fixedClock(now)))

	ctx := WithRequestMeta(context.Background(), RequestMeta{RequestID: "req-123", IP: "10.0.0.7", UserAgent: strings.Repeat("u", 600)})
	ctx = WithActor(ctx, "acc-1", "chairman")

	rec.Record(ctx, Event{
		Action:      ActionUpdate,
		EntityType:  "plot",
		EntityID:    "42",
		Description: strings.Repeat("д", 150),
	})

	entries := store.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID == "" || !e.Timestamp.Equal(now) {
		t.Fatalf("unexpected id/timestamp: %q %v", e.ID, e.Timestamp)
	}
	if e.RequestID != "req-123" || e.IP != "10.0.0.7" {
		t.Fatalf("request meta not applied: %+v", e)
	}
	if e.ActorID != "acc-1" || e.ActorName != "chairman" {
		t.Fatalf("actor not applied: %+v", e)
	}
	if len(e.UserAgent) != 500 {
		t.Fatalf("user agent not capped: %d", len(e.UserAgent))
	}
	if len(e.Description) > 200 || !strings.HasPrefix(e.Description, "д") {
		t.Fatalf("description not capped on rune boundary: %d", len(e.Description))
	}
}

func TestRecordUnknownActionBecomesOther(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, WithLogger(zap.NewNop()))
	rec.Record(context.Background(), Event{Action: "teleport"})
	if got := store.Entries()[0].Action; got != ActionOther {
		t.Fatalf("expected other, got %s", got)
	}
}

func TestRecordAbsorbsSinkFailures(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	failing := &failingSink{}
	mirror := NewMemoryStore()
	rec := NewRecorder(failing,
		WithLogger(zap.New(core)),
		WithMirror("panicky", panickingSink{}),
		WithMirror("memory", mirror),
	)

	rec.Record(context.Background(), Event{Action: ActionLogin, ActorID: "acc-1"})

	if failing.calls != 1 {
		t.Fatalf("expected primary sink to be called once, got %d", failing.calls)
	}
	if len(mirror.Entries()) != 1 {
		t.Fatalf("mirror after failing sinks should still receive the entry")
	}
	failures := logs.FilterMessage("audit write failed").All()
	if len(failures) != 2 {
		t.Fatalf("expected two logged failures, got %d", len(failures))
	}
	if failures[0].ContextMap()["sink"] != "store" || failures[1].ContextMap()["sink"] != "panicky" {
		t.Fatalf("unexpected sink labels: %v %v", failures[0].ContextMap(), failures[1].ContextMap())
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.Record(context.Background(), Event{Action: ActionView})
}

func TestDoRecordsOnlyAfterSuccess(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store)

	got, err := Do(context.Background(), rec, func(context.Context) (string, error) {
		return "plot-7", nil
	}, func(id string) Event {
		return Event{Action: ActionCreate, EntityType: "plot", EntityID: id}
	})
	if err != nil || got != "plot-7" {
		t.Fatalf("unexpected result %q %v", got, err)
	}

	opErr := errors.New("validation failed")
	_, err = Do(context.Background(), rec, func(context.Context) (string, error) {
		return "", opErr
	}, func(id string) Event {
		return Event{Action: ActionCreate, EntityType: "plot", EntityID: id}
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("expected operation error, got %v", err)
	}

	entries := store.Entries()
	if len(entries) != 1 || entries[0].EntityID != "plot-7" {
		t.Fatalf("expected only the successful call to be audited, got %+v", entries)
	}
}

func TestDoIgnoresAuditFailure(t *testing.T) {
	rec := NewRecorder(&failingSink{}, WithLogger(zap.NewNop()))
	got, err := Do(context.Background(), rec, func(context.Context) (int, error) {
		return 7, nil
	}, func(int) Event { return Event{Action: ActionExport} })
	if err != nil || got != 7 {
		t.Fatalf("audit failure leaked into result: %d %v", got, err)
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction(" Send_Notification "); err != nil || a != ActionSendNotification {
		t.Fatalf("unexpected parse: %s %v", a, err)
	}
	if _, err := ParseAction("fly"); err == nil {
		t.Fatal("expected error for unknown action")
	}
	if len(Actions()) != 12 {
		t.Fatalf("expected 12 actions, got %d", len(Actions()))
	}
}
