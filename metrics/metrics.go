// Package metrics instruments the synchronization engine with Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can take one optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatstream"

type Metrics struct {
	// HistoryFetchesTotal counts history fetches by outcome (success, error, timeout).
	HistoryFetchesTotal *prometheus.CounterVec

	// HistoryFetchSeconds measures history fetch latency.
	HistoryFetchSeconds prometheus.Histogram

	// LiveEventsTotal counts events received from the push channel by kind.
	LiveEventsTotal *prometheus.CounterVec

	// LiveReconnectsTotal counts connection attempts made after a drop.
	LiveReconnectsTotal prometheus.Counter

	// LiveDropsTotal counts established connections that were lost.
	LiveDropsTotal prometheus.Counter

	// LiveState is the channel's current state as a number (see live.State).
	LiveState prometheus.Gauge

	// MergedEventsTotal counts events handled by the merger by kind and outcome.
	MergedEventsTotal *prometheus.CounterVec

	// OpenStreams is the number of open streams.
	OpenStreams prometheus.Gauge

	// PushConnections is the number of connected push clients on the reference backend.
	PushConnections prometheus.Gauge
}

// New creates the collectors and registers them with reg. If reg is nil, the collectors are
// created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HistoryFetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "fetches_total",
			Help:      "Total history page fetches by outcome",
		}, []string{"outcome"}),
		HistoryFetchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "fetch_seconds",
			Help:      "History page fetch latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		LiveEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "events_total",
			Help:      "Total events received from the push channel by kind",
		}, []string{"kind"}),
		LiveReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "reconnects_total",
			Help:      "Total push channel reconnection attempts",
		}),
		LiveDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "drops_total",
			Help:      "Total push channel connections lost",
		}),
		LiveState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "state",
			Help:      "Push channel state (0 disconnected, 1 connecting, 2 joined)",
		}),
		MergedEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "events_total",
			Help:      "Total events handled by the merger by kind and outcome",
		}, []string{"kind", "outcome"}),
		OpenStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_streams",
			Help:      "Number of currently open streams",
		}),
		PushConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "push_connections",
			Help:      "Number of connected push clients",
		}),
	}
}

func (m *Metrics) RecordFetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.HistoryFetchesTotal.WithLabelValues(outcome).Inc()
	m.HistoryFetchSeconds.Observe(d.Seconds())
}

func (m *Metrics) RecordLiveEvent(kind string) {
	if m == nil {
		return
	}
	m.LiveEventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.LiveReconnectsTotal.Inc()
}

func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.LiveDropsTotal.Inc()
}

func (m *Metrics) SetLiveState(state int) {
	if m == nil {
		return
	}
	m.LiveState.Set(float64(state))
}

func (m *Metrics) RecordMerge(kind, outcome string) {
	if m == nil {
		return
	}
	m.MergedEventsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.OpenStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.OpenStreams.Dec()
}

func (m *Metrics) PushConnected() {
	if m == nil {
		return
	}
	m.PushConnections.Inc()
}

func (m *Metrics) PushDisconnected() {
	if m == nil {
		return
	}
	m.PushConnections.Dec()
}
