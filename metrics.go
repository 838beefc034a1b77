package driftline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver is an Observer exporting delivery metrics through
// Prometheus. Register it on the client config and scrape the registry the
// embedding process already serves.
//
// Example:
//
//	m := driftline.NewMetricsObserver(prometheus.DefaultRegisterer)
//	cfg := driftline.DefaultConfig().WithAPIKey(key).WithObserver(m)
type MetricsObserver struct {
	sends       *prometheus.CounterVec
	sendErrors  *prometheus.CounterVec
	retries     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	sendLatency *prometheus.HistogramVec
}

// NewMetricsObserver creates and registers the delivery metrics.
// Registration panics if the collectors are already registered, matching
// prometheus.MustRegister semantics.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	m := &MetricsObserver{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftline",
			Name:      "sends_total",
			Help:      "Delivery attempts, by ingestion path.",
		}, []string{"path"}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftline",
			Name:      "send_errors_total",
			Help:      "Failed delivery attempts, by ingestion path and error type.",
		}, []string{"path", "error_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftline",
			Name:      "retries_total",
			Help:      "Scheduled event retries, by ingestion path.",
		}, []string{"path"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftline",
			Name:      "events_dropped_total",
			Help:      "Events dropped without delivery, by event type and reason.",
		}, []string{"event_type", "reason"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "driftline",
			Name:      "send_duration_seconds",
			Help:      "Delivery attempt latency, by ingestion path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
	}
	reg.MustRegister(m.sends, m.sendErrors, m.retries, m.dropped, m.sendLatency)
	return m
}

// OnSendStart counts a delivery attempt.
func (m *MetricsObserver) OnSendStart(path string, events int) {
	m.sends.WithLabelValues(path).Inc()
}

// OnSendEnd records latency and failures.
func (m *MetricsObserver) OnSendEnd(path string, events int, duration time.Duration, err error) {
	m.sendLatency.WithLabelValues(path).Observe(duration.Seconds())
	if err != nil {
		m.sendErrors.WithLabelValues(path, classify(err).String()).Inc()
	}
}

// OnRetry counts a scheduled retry.
func (m *MetricsObserver) OnRetry(path string, attempt int, delay time.Duration, err error) {
	m.retries.WithLabelValues(path).Inc()
}

// OnEventDropped counts a dropped event.
func (m *MetricsObserver) OnEventDropped(eventType, reason string) {
	m.dropped.WithLabelValues(eventType, reason).Inc()
}

// OnConsentChange is a no-op; consent is not a metric dimension.
func (m *MetricsObserver) OnConsentChange(from, to ConsentState) {}
