package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIsolatedPerInstance(t *testing.T) {
	a := New("test")
	b := New("test")

	a.EventRecorded("flow_1h", 7)
	a.EventRecorded("flow_1h", 7)
	a.EventSuppressed("flow_1h", 30)
	a.CheckpointFilled("4h")
	a.PriceFetchFailed("binance")
	a.Classified("IMPORTANT")
	a.InsightTriggered("whale_flip")
	a.NotificationSent("IMPORTANT")
	a.NotificationSkipped("OBSERVE", "cooldown")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.EventsRecorded.WithLabelValues("flow_1h", "7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.EventsSuppressed.WithLabelValues("flow_1h", "30")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.CheckpointsFilled.WithLabelValues("4h")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.PriceFetchFailures.WithLabelValues("binance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Classifications.WithLabelValues("IMPORTANT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.NotificationsSkipped.WithLabelValues("OBSERVE", "cooldown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EventsRecorded.WithLabelValues("flow_1h", "7")))
}

func TestObserveCycleAndHandler(t *testing.T) {
	m := New("")
	m.ObserveCycle("evaluate", 150*time.Millisecond, nil)
	m.ObserveCycle("backfill", time.Second, errors.New("boom"))

	assert.Positive(t, testutil.ToFloat64(m.LastCycle))
	assert.Equal(t, 2, testutil.CollectAndCount(m.CycleDuration))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `extremewatch_service_cycle_duration_seconds_count{job="backfill",status="error"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
