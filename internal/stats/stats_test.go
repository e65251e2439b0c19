package stats

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-extremes/internal/storage"
	"market-extremes/internal/storage/memory"
)

const base = int64(1_700_000_000_000)

func insert(t *testing.T, s storage.EventStore, at int64, trigger *float64, p24 *float64) {
	t.Helper()
	_, err := s.InsertEvent(context.Background(), storage.ExtremeEvent{
		Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7,
		TriggeredAt: at, Value: 1, Percentile: 95,
		PriceAtTrigger: trigger, Price24h: p24,
	})
	require.NoError(t, err)
}

func TestSummarizeFiftyFifty(t *testing.T) {
	store := memory.NewEventStore()
	for i := 0; i < 10; i++ {
		later := 110.0
		if i%2 == 1 {
			later = 90.0
		}
		insert(t, store, base+int64(i)*3_600_000, storage.Price(100), storage.Price(later))
	}

	sum, err := New(store).Summarize(context.Background(), "BTC", "flow_1h", 7, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, sum.Count)
	require.True(t, sum.Has(storage.Checkpoint24h))
	st := sum.Stats[storage.Checkpoint24h]
	assert.Equal(t, 10, st.Samples)
	assert.Equal(t, 50.0, st.UpPct)
	assert.Equal(t, 50.0, st.DownPct)
	assert.Equal(t, 0.0, st.AvgChange)

	assert.False(t, sum.Has(storage.Checkpoint4h), "no samples means no entry, not zeros")
}

func TestSummarizeRoundingAndLimit(t *testing.T) {
	store := memory.NewEventStore()
	insert(t, store, base, storage.Price(100), storage.Price(101))
	insert(t, store, base+1, storage.Price(100), storage.Price(101))
	insert(t, store, base+2, storage.Price(300), storage.Price(299))
	// Without an outcome the event is not loaded at all.
	insert(t, store, base+3, storage.Price(100), nil)

	sum, err := New(store).Summarize(context.Background(), "BTC", "flow_1h", 7, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Count)
	st := sum.Stats[storage.Checkpoint24h]
	assert.Equal(t, 66.7, st.UpPct)
	assert.Equal(t, 33.3, st.DownPct)
	assert.Equal(t, 0.56, st.AvgChange)

	sum, err = New(store).Summarize(context.Background(), "BTC", "flow_1h", 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, 0.0, sum.Stats[storage.Checkpoint24h].UpPct)
}

func TestSummarizeSkipsNonPositiveTrigger(t *testing.T) {
	store := memory.NewEventStore()
	insert(t, store, base, storage.Price(0), storage.Price(10))

	sum, err := New(store).Summarize(context.Background(), "BTC", "flow_1h", 7, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Count)
	assert.Empty(t, sum.Stats)
}

func TestSummarizeEmpty(t *testing.T) {
	sum, err := New(memory.NewEventStore()).Summarize(context.Background(), "BTC", "flow_1h", 7, 20)
	require.NoError(t, err)
	assert.Zero(t, sum.Count)
	assert.Empty(t, sum.Stats)
}

func TestLatest(t *testing.T) {
	store := memory.NewEventStore()
	s := New(store)

	got, err := s.Latest(context.Background(), "BTC", "flow_1h", 7)
	require.NoError(t, err)
	assert.Nil(t, got)

	insert(t, store, base, storage.Price(100), storage.Price(90))
	insert(t, store, base+10, storage.Price(200), storage.Price(203))

	got, err = s.Latest(context.Background(), "BTC", "flow_1h", 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, base+10, got.TriggeredAt)
	assert.Equal(t, 200.0, got.PriceAtTrigger)
	require.NotNil(t, got.Change24h)
	assert.Equal(t, 1.5, *got.Change24h)
}

func TestLatestWithoutDayOutcome(t *testing.T) {
	store := memory.NewEventStore()
	_, err := store.InsertEvent(context.Background(), storage.ExtremeEvent{
		Symbol: "BTC", Dimension: "flow_1h", WindowDays: 7, TriggeredAt: base, Percentile: 95,
		PriceAtTrigger: storage.Price(100), Price4h: storage.Price(101),
	})
	require.NoError(t, err)

	got, err := New(store).Latest(context.Background(), "BTC", "flow_1h", 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Change24h, "unknown stays unknown")
}

type failingReader struct{}

func (failingReader) QueryEvents(context.Context, storage.EventQuery) ([]storage.ExtremeEvent, error) {
	return nil, errors.New("timeout")
}

func TestStoreErrorsPropagate(t *testing.T) {
	_, err := New(failingReader{}).Summarize(context.Background(), "BTC", "flow_1h", 7, 20)
	assert.Error(t, err)
	_, err = New(failingReader{}).Latest(context.Background(), "BTC", "flow_1h", 7)
	assert.Error(t, err)
}

func TestPercentChange(t *testing.T) {
	c, ok := PercentChange(200, 210)
	require.True(t, ok)
	assert.InDelta(t, 5.0, c, 1e-9)

	_, ok = PercentChange(0, 10)
	assert.False(t, ok)
	_, ok = PercentChange(-1, 10)
	assert.False(t, ok)
}
