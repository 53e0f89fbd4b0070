package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process; used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	f = f.Normalize()
	m.mu.RLock()
	matched := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if f.Matches(e) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	sortRecentFirst(matched)
	if f.Offset >= len(matched) {
		return []Entry{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{ByAction: map[Action]int{}}
	since := now.Add(-24 * time.Hour)
	byActor := map[string]*ActorCount{}
	for _, e := range m.entries {
		st.Total++
		if !e.Timestamp.Before(since) {
			st.Last24h++
		}
		st.ByAction[e.Action]++
		if e.ActorID == "" {
			continue
		}
		ac, ok := byActor[e.ActorID]
		if !ok {
			ac = &ActorCount{ActorID: e.ActorID}
			byActor[e.ActorID] = ac
		}
		ac.Count++
		if e.ActorName != "" {
			ac.ActorName = e.ActorName
		}
	}
	for _, ac := range byActor {
		st.TopActors = append(st.TopActors, *ac)
	}
	sort.Slice(st.TopActors, func(i, j int) bool {
		if st.TopActors[i].Count != st.TopActors[j].Count {
			return st.TopActors[i].Count > st.TopActors[j].Count
		}
		return st.TopActors[i].ActorID < st.TopActors[j].ActorID
	})
	if len(st.TopActors) > topActors {
		st.TopActors = st.TopActors[:topActors]
	}
	return st, nil
}

// Entries returns a copy of everything recorded, oldest first.
func (m *MemoryStore) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func sortRecentFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].ID > entries[j].ID
	})
}
