// Package exporter exposes operational counters in Prometheus format. It
// implements the recorder interfaces the pipeline packages define, so each
// stage counts its own outcomes without importing Prometheus directly.
package exporter

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters for the ingestion and aggregation pipeline.
type Metrics struct {
	registry        *prometheus.Registry
	webhookEvents   *prometheus.CounterVec
	queueJobs       *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	aggregationRuns *prometheus.CounterVec
}

// NewMetrics creates the counters on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devpulse_webhook_events_total",
			Help: "Webhook deliveries by handling result.",
		}, []string{"result"}),
		queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devpulse_queue_jobs_total",
			Help: "Queue jobs by kind and outcome.",
		}, []string{"kind", "result"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devpulse_anomalies_total",
			Help: "Detected anomalies by severity.",
		}, []string{"severity"}),
		aggregationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devpulse_aggregation_runs_total",
			Help: "Aggregation runs by trigger and result.",
		}, []string{"trigger", "result"}),
	}

	registry.MustRegister(m.webhookEvents, m.queueJobs, m.anomalies, m.aggregationRuns)
	return m
}

// WebhookEvent counts one webhook delivery outcome.
func (m *Metrics) WebhookEvent(result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(result).Inc()
}

// QueueJob counts one processed queue job outcome.
func (m *Metrics) QueueJob(kind, result string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(kind, result).Inc()
}

// AnomalyDetected counts one detected anomaly.
func (m *Metrics) AnomalyDetected(severity string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(severity).Inc()
}

// AggregationRun counts one completed aggregation run.
func (m *Metrics) AggregationRun(trigger, result string) {
	if m == nil {
		return
	}
	m.aggregationRuns.WithLabelValues(trigger, result).Inc()
}

// Handler renders the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
