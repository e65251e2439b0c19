package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-extremes/internal/storage"
	"market-extremes/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.EventStore {
		s, err := Open(filepath.Join(t.TempDir(), "events.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	id, err := s.InsertEvent(context.Background(), storage.ExtremeEvent{
		Symbol: "ETH", Dimension: "liq_1h", WindowDays: 30, TriggeredAt: 1_700_000_000_000, Percentile: 99,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, storage.ExtremeEvent{
		Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7, TriggeredAt: 1_700_000_000_000, Percentile: 93,
		PriceAtTrigger: storage.Price(42000),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.QueryEvents(ctx, storage.EventQuery{Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].PriceAtTrigger)
	assert.InDelta(t, 42000.0, *got[0].PriceAtTrigger, 1e-9)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestNilStore(t *testing.T) {
	var s *Store
	_, err := s.QueryPendingBackfill(context.Background(), 0)
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}
