// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppiankov/autoremedy/internal/escalation"
	"github.com/ppiankov/autoremedy/internal/model"
)

const namespace = "autoremedy"

// Metrics holds the engine collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActionAttempts    *prometheus.CounterVec
	EscalationsTotal  *prometheus.CounterVec
	EscalationsOpen   prometheus.Gauge
	QueueDepth        prometheus.Gauge
	WebhooksRejected  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Alert events by source and final status",
		}, []string{"source", "status"}),
		ExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Rule executions by rule and status",
		}, []string{"rule", "status"}),
		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of rule executions",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"rule"}),
		ActionAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_attempts_total",
			Help:      "Action attempts by type and outcome",
		}, []string{"action", "outcome"}),
		EscalationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation lifecycle changes",
		}, []string{"change"}),
		EscalationsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escalations_open",
			Help:      "Escalations started and not yet resolved by this process",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting for a worker",
		}),
		WebhooksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_rejected_total",
			Help:      "Inbound webhooks refused before ingestion",
		}, []string{"source", "reason"}),
	}
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt counts one action attempt.
func (m *Metrics) ObserveAttempt(action model.ActionType, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.ActionAttempts.WithLabelValues(string(action), outcome).Inc()
}

// ObserveExecution counts a finished execution. Dry runs are not recorded.
func (m *Metrics) ObserveExecution(exec *model.MappingExecution) {
	if exec.DryRun {
		return
	}
	m.ExecutionsTotal.WithLabelValues(exec.RuleID, string(exec.Status)).Inc()
	m.ExecutionDuration.WithLabelValues(exec.RuleID).Observe(exec.Duration().Seconds())
}

// ObserveEvent counts events that reached a final status.
func (m *Metrics) ObserveEvent(ev *model.AlertEvent) {
	if !ev.Status.Terminal() {
		return
	}
	m.EventsTotal.WithLabelValues(ev.Source, string(ev.Status)).Inc()
}

// ObserveQueue records the current queue depth.
func (m *Metrics) ObserveQueue(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// ObserveEscalation counts lifecycle changes and tracks open escalations.
func (m *Metrics) ObserveEscalation(change escalation.Change, _ *model.EscalationExecution) {
	m.EscalationsTotal.WithLabelValues(string(change)).Inc()
	switch change {
	case escalation.Started:
		m.EscalationsOpen.Inc()
	case escalation.Resolved:
		m.EscalationsOpen.Dec()
	}
}

// RejectWebhook counts a refused inbound webhook.
func (m *Metrics) RejectWebhook(source, reason string) {
	m.WebhooksRejected.WithLabelValues(source, reason).Inc()
}
