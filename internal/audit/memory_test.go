package audit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedStore(t *testing.T, base time.Time) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	add := func(id string, offset time.Duration, actor string, action Action, entity string) {
		if err := store.Append(ctx, Entry{
			ID:        id,
			Timestamp: base.Add(offset),
			Event:     Event{ActorID: actor, ActorName: "name-" + actor, Action: action, EntityType: entity},
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	add("01", 0, "a", ActionLogin, "")
	add("02", time.Minute, "a", ActionCreate, "Plot")
	add("03", 2*time.Minute, "b", ActionUpdate, "PlotOwner")
	add("04", 3*time.Minute, "b", ActionDelete, "Payment")
	add("05", 4*time.Minute, "", ActionOther, "")
	return store
}

func TestQueryFiltersAndOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := seedStore(t, base)
	ctx := context.Background()

	all, err := store.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 5 || all[0].ID != "05" || all[4].ID != "01" {
		t.Fatalf("expected most recent first, got %v", entryIDs(all))
	}

	plots, _ := store.Query(ctx, Filter{EntityType: "plot"})
	if len(plots) != 2 || plots[0].ID != "03" || plots[1].ID != "02" {
		t.Fatalf("entity substring filter failed: %v", entryIDs(plots))
	}

	byActor, _ := store.Query(ctx, Filter{ActorID: "b", Action: ActionDelete})
	if len(byActor) != 1 || byActor[0].ID != "04" {
		t.Fatalf("actor/action filter failed: %v", entryIDs(byActor))
	}

	window, _ := store.Query(ctx, Filter{From: base.Add(time.Minute), To: base.Add(3 * time.Minute)})
	if len(window) != 3 {
		t.Fatalf("time range filter failed: %v", entryIDs(window))
	}

	page, _ := store.Query(ctx, Filter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != "04" || page[1].ID != "03" {
		t.Fatalf("paging failed: %v", entryIDs(page))
	}

	beyond, _ := store.Query(ctx, Filter{Offset: 10})
	if len(beyond) != 0 {
		t.Fatalf("expected empty page, got %v", entryIDs(beyond))
	}
}

func TestFilterNormalizeLimits(t *testing.T) {
	if got := (Filter{}).Normalize().Limit; got != DefaultLimit {
		t.Fatalf("default limit %d", got)
	}
	if got := (Filter{Limit: 10_000}).Normalize().Limit; got != MaxLimit {
		t.Fatalf("max limit %d", got)
	}
	if got := (Filter{Offset: -3}).Normalize().Offset; got != 0 {
		t.Fatalf("offset %d", got)
	}
}

func TestQueryCapsAtMaxLimit(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now().UTC()
	for i := 0; i < MaxLimit+20; i++ {
		_ = store.Append(context.Background(), Entry{ID: fmt.Sprintf("%04d", i), Timestamp: base.Add(time.Duration(i) * time.Second), Event: Event{Action: ActionView}})
	}
	got, _ := store.Query(context.Background(), Filter{Limit: MaxLimit + 100})
	if len(got) != MaxLimit {
		t.Fatalf("expected %d, got %d", MaxLimit, len(got))
	}
}

func TestStats(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := seedStore(t, base)
	_ = store.Append(context.Background(), Entry{ID: "00", Timestamp: base.Add(-48 * time.Hour), Event: Event{ActorID: "a", Action: ActionLogin}})

	st, err := store.Stats(context.Background(), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 6 || st.Last24h != 5 {
		t.Fatalf("unexpected totals: %+v", st)
	}
	if st.ByAction[ActionLogin] != 2 {
		t.Fatalf("unexpected login count: %v", st.ByAction)
	}
	if len(st.TopActors) != 2 || st.TopActors[0].ActorID != "a" || st.TopActors[0].Count != 3 {
		t.Fatalf("unexpected top actors: %+v", st.TopActors)
	}
}

func entryIDs(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
