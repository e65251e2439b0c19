// Package storagetest runs the same behavioural checks against every
// storage.EventStore engine.
package storagetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-extremes/internal/storage"
)

const hourMs = int64(3_600_000)

// Factory returns a fresh, empty store. Cleanup is the caller's job.
type Factory func(t *testing.T) storage.EventStore

func event(symbol string, triggeredAt int64, price *float64) storage.ExtremeEvent {
	return storage.ExtremeEvent{
		Symbol:         symbol,
		Dimension:      "flow_1h",
		WindowDays:     7,
		TriggeredAt:    triggeredAt,
		Value:          -1_250_000,
		Percentile:     96.5,
		PriceAtTrigger: price,
	}
}

// Run executes the full contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndQuery", func(t *testing.T) { testInsertAndQuery(t, newStore(t)) })
	t.Run("InsertIfQuiet", func(t *testing.T) { testInsertIfQuiet(t, newStore(t)) })
	t.Run("InsertIfAbsent", func(t *testing.T) { testInsertIfAbsent(t, newStore(t)) })
	t.Run("InsertIfQuietConcurrent", func(t *testing.T) { testInsertIfQuietConcurrent(t, newStore(t)) })
	t.Run("UpdateEventField", func(t *testing.T) { testUpdateEventField(t, newStore(t)) })
	t.Run("PendingBackfill", func(t *testing.T) { testPendingBackfill(t, newStore(t)) })
	t.Run("OutcomeOnly", func(t *testing.T) { testOutcomeOnly(t, newStore(t)) })
	t.Run("DeleteBefore", func(t *testing.T) { testDeleteBefore(t, newStore(t)) })
	t.Run("Validation", func(t *testing.T) { testValidation(t, newStore(t)) })
}

func testInsertAndQuery(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	base := int64(1_700_000_000_000)

	for i := int64(0); i < 3; i++ {
		id, err := s.InsertEvent(ctx, event("BTC", base+i*hourMs, storage.Price(100+float64(i))))
		require.NoError(t, err)
		require.Positive(t, id)
	}
	_, err := s.InsertEvent(ctx, event("ETH", base, nil))
	require.NoError(t, err)

	got, err := s.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, base+2*hourMs, got[0].TriggeredAt)
	assert.Equal(t, base, got[2].TriggeredAt)
	require.NotNil(t, got[0].PriceAtTrigger)
	assert.InDelta(t, 102.0, *got[0].PriceAtTrigger, 1e-9)
	assert.Nil(t, got[0].Price4h)
	assert.InDelta(t, 96.5, got[0].Percentile, 1e-9)

	limited, err := s.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, base+2*hourMs, limited[0].TriggeredAt)

	other, err := s.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 30})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testInsertIfQuiet(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	t0 := int64(1_700_000_000_000)

	id, ok, err := s.InsertEventIfQuiet(ctx, event("BTC", t0, nil), t0-hourMs)
	require.NoError(t, err)
	require.True(t, ok)
	require.Positive(t, id)

	// 30 minutes later, still inside a one hour cooldown.
	t1 := t0 + hourMs/2
	id, ok, err = s.InsertEventIfQuiet(ctx, event("BTC", t1, nil), t1-hourMs)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, id)

	recent, err := s.HasRecentTrigger(ctx, storage.EventKey{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7}, t1-hourMs)
	require.NoError(t, err)
	assert.True(t, recent)

	// A different window is a different key.
	other := event("BTC", t1, nil)
	other.WindowDays = 30
	_, ok, err = s.InsertEventIfQuiet(ctx, other, t1-hourMs)
	require.NoError(t, err)
	assert.True(t, ok)

	t2 := t0 + 2*hourMs
	_, ok, err = s.InsertEventIfQuiet(ctx, event("BTC", t2, nil), t2-hourMs)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testInsertIfAbsent(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	t0 := int64(1_700_000_000_000)

	id, ok, err := s.InsertEventIfAbsent(ctx, event("BTC", t0, storage.Price(100)))
	require.NoError(t, err)
	require.True(t, ok)
	require.Positive(t, id)

	id, ok, err = s.InsertEventIfAbsent(ctx, event("BTC", t0, storage.Price(100)))
	require.NoError(t, err)
	assert.False(t, ok, "same key and trigger time")
	assert.Zero(t, id)

	// An earlier trigger is still inserted even though a later one exists.
	_, ok, err = s.InsertEventIfAbsent(ctx, event("BTC", t0-hourMs, nil))
	require.NoError(t, err)
	assert.True(t, ok)

	other := event("BTC", t0, nil)
	other.WindowDays = 30
	_, ok, err = s.InsertEventIfAbsent(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func testInsertIfQuietConcurrent(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	t0 := int64(1_700_000_000_000)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.InsertEventIfQuiet(ctx, event("SOL", t0, nil), t0-hourMs)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
}

func testUpdateEventField(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	id, err := s.InsertEvent(ctx, event("BTC", 1_700_000_000_000, storage.Price(100)))
	require.NoError(t, err)

	changed, err := s.UpdateEventField(ctx, id, storage.Checkpoint4h, 104)
	require.NoError(t, err)
	assert.True(t, changed)

	// Write-once: a second value for the same checkpoint is ignored.
	changed, err = s.UpdateEventField(ctx, id, storage.Checkpoint4h, 999)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.UpdateEventField(ctx, id, storage.Checkpoint("7h"), 1)
	require.ErrorIs(t, err, storage.ErrUnknownCheckpoint)

	changed, err = s.UpdateEventField(ctx, id+1000, storage.Checkpoint12h, 1)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Price4h)
	assert.InDelta(t, 104.0, *got[0].Price4h, 1e-9)
	assert.Nil(t, got[0].Price12h)
}

func testPendingBackfill(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	t0 := int64(1_700_000_000_000)

	fresh, err := s.InsertEvent(ctx, event("BTC", t0, storage.Price(100)))
	require.NoError(t, err)

	done := event("ETH", t0-72*hourMs, storage.Price(10))
	done.Price4h, done.Price12h = storage.Price(11), storage.Price(12)
	done.Price24h, done.Price48h = storage.Price(13), storage.Price(14)
	_, err = s.InsertEvent(ctx, done)
	require.NoError(t, err)

	pending, err := s.QueryPendingBackfill(ctx, t0+3*hourMs)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = s.QueryPendingBackfill(ctx, t0+5*hourMs)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh, pending[0].ID)

	_, err = s.UpdateEventField(ctx, fresh, storage.Checkpoint4h, 101)
	require.NoError(t, err)
	pending, err = s.QueryPendingBackfill(ctx, t0+5*hourMs)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testOutcomeOnly(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	t0 := int64(1_700_000_000_000)

	withOutcome := event("BTC", t0, storage.Price(100))
	withOutcome.Price24h = storage.Price(110)
	_, err := s.InsertEvent(ctx, withOutcome)
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, event("BTC", t0+hourMs, storage.Price(100)))
	require.NoError(t, err)
	noTrigger := event("BTC", t0+2*hourMs, nil)
	noTrigger.Price4h = storage.Price(50)
	_, err = s.InsertEvent(ctx, noTrigger)
	require.NoError(t, err)

	got, err := s.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7, OutcomeOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, t0, got[0].TriggeredAt)
}

func testDeleteBefore(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	t0 := int64(1_700_000_000_000)
	for i := int64(0); i < 4; i++ {
		_, err := s.InsertEvent(ctx, event("BTC", t0+i*hourMs, nil))
		require.NoError(t, err)
	}
	n, err := s.DeleteEventsBefore(ctx, t0+2*hourMs)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := s.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func testValidation(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	bad := event("", 1_700_000_000_000, nil)
	_, err := s.InsertEvent(ctx, bad)
	require.ErrorIs(t, err, storage.ErrInvalidInput)

	bad = event("BTC", 1_700_000_000_000, nil)
	bad.Percentile = 101
	_, _, err = s.InsertEventIfQuiet(ctx, bad, 0)
	require.ErrorIs(t, err, storage.ErrInvalidInput)
}
