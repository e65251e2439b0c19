// Package metrics exposes Prometheus collectors for the detection pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "extremewatch"

// Metrics bundles every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsRecorded       *prometheus.CounterVec
	EventsSuppressed     *prometheus.CounterVec
	CheckpointsFilled    *prometheus.CounterVec
	PriceFetchFailures   *prometheus.CounterVec
	Classifications      *prometheus.CounterVec
	Insights             *prometheus.CounterVec
	NotificationsSent    *prometheus.CounterVec
	NotificationsSkipped *prometheus.CounterVec
	CycleDuration        *prometheus.HistogramVec
	LastCycle            prometheus.Gauge
}

// New constructs and registers metrics under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "events_recorded_total",
			Help:      "Extreme events written to the event store",
		}, []string{"dimension", "window_days"}),
		EventsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "events_suppressed_total",
			Help:      "Extreme readings skipped because the key was cooling down",
		}, []string{"dimension", "window_days"}),
		CheckpointsFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "checkpoints_filled_total",
			Help:      "Checkpoint prices written by the backfiller",
		}, []string{"checkpoint"}),
		PriceFetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "price_fetch_failures_total",
			Help:      "Price lookups that returned no usable price",
		}, []string{"source"}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "classifications_total",
			Help:      "Alert classifications produced per level",
		}, []string{"level"}),
		Insights: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "insights_total",
			Help:      "Insight alerts triggered per kind",
		}, []string{"kind"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "notifications_sent_total",
			Help:      "Notifications delivered per level",
		}, []string{"level"}),
		NotificationsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "notifications_skipped_total",
			Help:      "Notifications withheld per level and reason",
		}, []string{"level", "reason"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of scheduled jobs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job", "status"}),
		LastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last completed evaluation cycle",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsRecorded,
		m.EventsSuppressed,
		m.CheckpointsFilled,
		m.PriceFetchFailures,
		m.Classifications,
		m.Insights,
		m.NotificationsSent,
		m.NotificationsSkipped,
		m.CycleDuration,
		m.LastCycle,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EventRecorded(dimension string, windowDays int) {
	m.EventsRecorded.WithLabelValues(dimension, strconv.Itoa(windowDays)).Inc()
}

func (m *Metrics) EventSuppressed(dimension string, windowDays int) {
	m.EventsSuppressed.WithLabelValues(dimension, strconv.Itoa(windowDays)).Inc()
}

func (m *Metrics) CheckpointFilled(cp string) {
	m.CheckpointsFilled.WithLabelValues(cp).Inc()
}

func (m *Metrics) PriceFetchFailed(source string) {
	m.PriceFetchFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) Classified(level string) {
	m.Classifications.WithLabelValues(level).Inc()
}

func (m *Metrics) InsightTriggered(kind string) {
	m.Insights.WithLabelValues(kind).Inc()
}

func (m *Metrics) NotificationSent(level string) {
	m.NotificationsSent.WithLabelValues(level).Inc()
}

func (m *Metrics) NotificationSkipped(level, reason string) {
	m.NotificationsSkipped.WithLabelValues(level, reason).Inc()
}

// ObserveCycle records one job run.
func (m *Metrics) ObserveCycle(job string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CycleDuration.WithLabelValues(job, status).Observe(d.Seconds())
	if job == "evaluate" && err == nil {
		m.LastCycle.SetToCurrentTime()
	}
}
