// Package memory is an in-process EventStore for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"market-extremes/internal/storage"
)

// EventStore keeps events in a map guarded by a single mutex, which makes
// InsertEventIfQuiet trivially atomic.
type EventStore struct {
	mu     sync.RWMutex
	nextID int64
	data   map[int64]storage.ExtremeEvent
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	return &EventStore{data: make(map[int64]storage.ExtremeEvent)}
}

// InsertEvent stores ev unconditionally.
func (s *EventStore) InsertEvent(_ context.Context, ev storage.ExtremeEvent) (int64, error) {
	if err := storage.Validate(ev); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(ev), nil
}

// InsertEventIfQuiet stores ev when its key has no trigger at or after sinceMs.
func (s *EventStore) InsertEventIfQuiet(_ context.Context, ev storage.ExtremeEvent, sinceMs int64) (int64, bool, error) {
	if err := storage.Validate(ev); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recentLocked(ev.Key(), sinceMs) {
		return 0, false, nil
	}
	return s.insertLocked(ev), true, nil
}

// InsertEventIfAbsent stores ev unless its key already triggered at ev.TriggeredAt.
func (s *EventStore) InsertEventIfAbsent(_ context.Context, ev storage.ExtremeEvent) (int64, bool, error) {
	if err := storage.Validate(ev); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.Key()
	for _, stored := range s.data {
		if stored.Key() == key && stored.TriggeredAt == ev.TriggeredAt {
			return 0, false, nil
		}
	}
	return s.insertLocked(ev), true, nil
}

func (s *EventStore) insertLocked(ev storage.ExtremeEvent) int64 {
	s.nextID++
	stored := ev.Clone()
	stored.ID = s.nextID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.data[stored.ID] = stored
	return stored.ID
}

func (s *EventStore) recentLocked(key storage.EventKey, sinceMs int64) bool {
	for _, ev := range s.data {
		if ev.Key() == key && ev.TriggeredAt >= sinceMs {
			return true
		}
	}
	return false
}

// QueryEvents lists events for one key, newest first.
func (s *EventStore) QueryEvents(_ context.Context, q storage.EventQuery) ([]storage.ExtremeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := storage.EventKey{Symbol: q.Symbol, Dimension: q.Dimension, WindowDays: q.WindowDays}
	var out []storage.ExtremeEvent
	for _, ev := range s.data {
		if ev.Key() != key {
			continue
		}
		if q.OutcomeOnly && !ev.HasOutcome() {
			continue
		}
		out = append(out, ev.Clone())
	}
	sortNewestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// UpdateEventField sets one checkpoint price if still unset.
func (s *EventStore) UpdateEventField(_ context.Context, id int64, cp storage.Checkpoint, price float64) (bool, error) {
	if err := storage.CheckCheckpoint(cp); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.data[id]
	if !ok {
		return false, nil
	}
	changed, err := ev.SetPrice(cp, price)
	if err != nil || !changed {
		return false, err
	}
	s.data[id] = ev
	return true, nil
}

// QueryPendingBackfill lists events with a due, unset checkpoint, oldest first.
func (s *EventStore) QueryPendingBackfill(_ context.Context, nowMs int64) ([]storage.ExtremeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.ExtremeEvent
	for _, ev := range s.data {
		if ev.Pending(nowMs) {
			out = append(out, ev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt != out[j].TriggeredAt {
			return out[i].TriggeredAt < out[j].TriggeredAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// HasRecentTrigger reports whether key triggered at or after sinceMs.
func (s *EventStore) HasRecentTrigger(_ context.Context, key storage.EventKey, sinceMs int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentLocked(key, sinceMs), nil
}

// DeleteEventsBefore removes events triggered before cutoffMs.
func (s *EventStore) DeleteEventsBefore(_ context.Context, cutoffMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ev := range s.data {
		if ev.TriggeredAt < cutoffMs {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *EventStore) Close() error { return nil }

func sortNewestFirst(events []storage.ExtremeEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].TriggeredAt != events[j].TriggeredAt {
			return events[i].TriggeredAt > events[j].TriggeredAt
		}
		return events[i].ID > events[j].ID
	})
}

var _ storage.EventStore = (*EventStore)(nil)
