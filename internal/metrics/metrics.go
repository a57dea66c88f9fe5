// Package metrics exposes Prometheus metrics for the gateway schedulers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openclaw/gateway/internal/events"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted  prometheus.Counter
	jobsTerminal   *prometheus.CounterVec
	attemptsTotal  *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	queueDepth     prometheus.Gauge
	nodesConnected prometheus.Gauge
}

// New creates the metrics set on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_gpu_jobs_submitted_total",
			Help: "Total number of GPU jobs submitted",
		}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_gpu_jobs_terminal_total",
			Help: "Total number of GPU jobs reaching a terminal state",
		}, []string{"state"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_gpu_attempts_total",
			Help: "Total number of dispatch attempts by result",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_gpu_jobs_running",
			Help: "GPU jobs currently in the running state",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_gpu_queue_depth",
			Help: "GPU jobs currently queued",
		}),
		nodesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_nodes_connected",
			Help: "Worker nodes currently connected",
		}),
	}

	m.registry.MustRegister(
		m.jobsSubmitted,
		m.jobsTerminal,
		m.attemptsTotal,
		m.jobsRunning,
		m.queueDepth,
		m.nodesConnected,
	)

	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe wires the metrics to the event bus.
func (m *Metrics) Observe(bus *events.Bus) {
	bus.Subscribe(m.handle)
}

// SetCounts updates the running/queued gauges from a scheduler snapshot.
func (m *Metrics) SetCounts(running, queued int) {
	m.jobsRunning.Set(float64(running))
	m.queueDepth.Set(float64(queued))
}

func (m *Metrics) handle(e events.Event) {
	switch e.Type {
	case events.JobSubmitted:
		m.jobsSubmitted.Inc()
	case events.JobSucceeded:
		m.jobsTerminal.WithLabelValues("succeeded").Inc()
	case events.JobFailed:
		m.jobsTerminal.WithLabelValues("failed").Inc()
	case events.JobCanceled:
		m.jobsTerminal.WithLabelValues("canceled").Inc()
	case events.JobAttemptFinished:
		result := "failed"
		if p, ok := e.Payload.(map[string]any); ok {
			if v, _ := p["ok"].(bool); v {
				result = "ok"
			}
		}
		m.attemptsTotal.WithLabelValues(result).Inc()
	case events.NodeConnected:
		m.nodesConnected.Inc()
	case events.NodeDisconnected:
		m.nodesConnected.Dec()
	}
}
