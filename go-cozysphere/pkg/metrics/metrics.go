// Package metrics defines the service's Prometheus collectors. A nil
// *Metrics is valid and records nothing, which keeps tests free of
// registry plumbing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cozysphere"

// Ingestion outcomes.
const (
	ResultStored       = "stored"
	ResultInvalid      = "invalid"
	ResultStorageError = "storage_error"
)

type Metrics struct {
	ingested        *prometheus.CounterVec
	appendSeconds   prometheus.Histogram
	aggregations    *prometheus.CounterVec
	modeActivations *prometheus.CounterVec
	published       *prometheus.CounterVec
	bridgeMessages  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_ingested_total",
			Help:      "Inbound readings by outcome.",
		}, []string{"result"}),
		appendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_append_seconds",
			Help:      "Latency of event store appends.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		aggregations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregations_total",
			Help:      "Average queries served by granularity.",
		}, []string{"granularity"}),
		modeActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_activations_total",
			Help:      "Successful mode activations by mode.",
		}, []string{"mode"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_published_total",
			Help:      "Readings forwarded downstream by outcome.",
		}, []string{"result"}),
		bridgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_total",
			Help:      "MQTT messages handled by outcome.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.ingested, m.appendSeconds, m.aggregations, m.modeActivations, m.published, m.bridgeMessages)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Ingested(result string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAppend(d time.Duration) {
	if m == nil {
		return
	}
	m.appendSeconds.Observe(d.Seconds())
}

func (m *Metrics) Aggregated(granularity string) {
	if m == nil {
		return
	}
	m.aggregations.WithLabelValues(granularity).Inc()
}

func (m *Metrics) ModeActivated(mode string) {
	if m == nil {
		return
	}
	m.modeActivations.WithLabelValues(mode).Inc()
}

func (m *Metrics) Published(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.published.WithLabelValues(result).Inc()
}

func (m *Metrics) BridgeMessage(result string) {
	if m == nil {
		return
	}
	m.bridgeMessages.WithLabelValues(result).Inc()
}
