package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects routing and presence metrics.
//
// All recording methods are safe on a nil *Metrics, so components can take
// an optional collector without checking for it.
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.RecordDecision("assigned", "least_loaded", time.Since(start))
type Metrics struct {
	// Decisions counts distribution decisions.
	// Labels: outcome (assigned|queued|skipped|error), reason
	Decisions *prometheus.CounterVec

	// DecisionDuration measures one distribution decision in seconds.
	// Buckets: 5ms to 5s
	DecisionDuration prometheus.Histogram

	// SweepItems counts conversations handled by the queue sweep.
	// Labels: result (assigned|queued|skipped|error)
	SweepItems *prometheus.CounterVec

	// SweepRuns counts completed sweeps.
	// Labels: result (ok|partial|error)
	SweepRuns *prometheus.CounterVec

	// ReconnectAttempts counts scheduled presence reconnects per tenant.
	ReconnectAttempts *prometheus.CounterVec

	// ChannelConnected is 1 while the presence channel of a tenant is open.
	ChannelConnected *prometheus.GaugeVec

	// AgentsOnline is the number of live agents in the last presence sync.
	AgentsOnline *prometheus.GaugeVec

	// EventsPublished counts routing events handed to the broker.
	// Labels: type, status (success|error)
	EventsPublished *prometheus.CounterVec

	// EventsConsumed counts routing events taken off a queue.
	// Labels: type, result (ack|retry|poison)
	EventsConsumed *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raycon_dispatch_decisions_total",
				Help: "Distribution decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		DecisionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "raycon_dispatch_decision_duration_seconds",
				Help:    "Duration of one distribution decision in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		SweepItems: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raycon_dispatch_sweep_items_total",
				Help: "Pending conversations processed by the queue sweep",
			},
			[]string{"result"},
		),
		SweepRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raycon_dispatch_sweep_runs_total",
				Help: "Completed queue sweeps by result",
			},
			[]string{"result"},
		),
		ReconnectAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raycon_dispatch_reconnect_attempts_total",
				Help: "Presence channel reconnects scheduled per tenant",
			},
			[]string{"tenant"},
		),
		ChannelConnected: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "raycon_dispatch_presence_connected",
				Help: "1 while the presence channel is connected",
			},
			[]string{"tenant"},
		),
		AgentsOnline: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "raycon_dispatch_agents_online",
				Help: "Live agents in the last presence snapshot",
			},
			[]string{"tenant"},
		),
		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raycon_dispatch_events_published_total",
				Help: "Routing events published by type and status",
			},
			[]string{"type", "status"},
		),
		EventsConsumed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raycon_dispatch_events_consumed_total",
				Help: "Routing events consumed by type and result",
			},
			[]string{"type", "result"},
		),
	}
}

func (m *Metrics) RecordDecision(outcome, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome, reason).Inc()
	m.DecisionDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordSweepItem(result string) {
	if m == nil {
		return
	}
	m.SweepItems.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSweep(result string) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) ReconnectScheduled(tenant string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(tenant).Inc()
}

func (m *Metrics) SetConnected(tenant string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.ChannelConnected.WithLabelValues(tenant).Set(v)
}

func (m *Metrics) SetAgentsOnline(tenant string, n int) {
	if m == nil {
		return
	}
	m.AgentsOnline.WithLabelValues(tenant).Set(float64(n))
}

func (m *Metrics) RecordPublish(eventType string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordConsume(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsConsumed.WithLabelValues(eventType, result).Inc()
}
