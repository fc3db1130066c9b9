// Package metrics holds the Prometheus collectors of a ring node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "chordring"

// Metrics groups the collectors of one node. Each node owns its registry so that
// several nodes can live in one process. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	RPCFailures      *prometheus.CounterVec
	InboundRPCs      *prometheus.CounterVec
	StabilizeRounds  prometheus.Counter
	SpliceOuts       prometheus.Counter
	PointerChanges   *prometheus.CounterVec
	FingerRefreshes  prometheus.Counter
	LookupHops       prometheus.Histogram
	RingNeighbours   prometheus.Gauge
	SchedulerPanics  *prometheus.CounterVec
	WebsocketClients prometheus.Gauge
}

// New creates and registers the node collectors plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RPCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_failures_total",
			Help:      "Outbound calls to peers that failed, by operation.",
		}, []string{"op"}),
		InboundRPCs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_rpcs_total",
			Help:      "Calls served to peers, by method and status code.",
		}, []string{"method", "code"}),
		StabilizeRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stabilize_rounds_total",
			Help:      "Completed stabilization passes.",
		}),
		SpliceOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spliceouts_total",
			Help:      "Dead successors spliced out of the ring by the failure monitor.",
		}),
		PointerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pointer_changes_total",
			Help:      "Changes of the predecessor or successor pointer.",
		}, []string{"pointer"}),
		FingerRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finger_updates_total",
			Help:      "Finger table entries that changed during refresh.",
		}),
		LookupHops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_hops",
			Help:      "Peers visited by traced lookups started at this node.",
			Buckets:   prometheus.LinearBuckets(0, 1, 16),
		}),
		RingNeighbours: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_neighbours",
			Help:      "Distinct peers referenced by the predecessor, successor and fingers.",
		}),
		SchedulerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_panics_total",
			Help:      "Background tasks that panicked and were recovered.",
		}, []string{"task"}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected ring event subscribers.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RPCFailures,
		m.InboundRPCs,
		m.StabilizeRounds,
		m.SpliceOuts,
		m.PointerChanges,
		m.FingerRefreshes,
		m.LookupHops,
		m.RingNeighbours,
		m.SchedulerPanics,
		m.WebsocketClients,
	)
	return m
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RPCFailed counts a failed outbound call.
func (m *Metrics) RPCFailed(op string) {
	if m == nil {
		return
	}
	m.RPCFailures.WithLabelValues(op).Inc()
}

// RPCServed counts an inbound call.
func (m *Metrics) RPCServed(method, code string) {
	if m == nil {
		return
	}
	m.InboundRPCs.WithLabelValues(method, code).Inc()
}

// StabilizeRound counts a stabilization pass.
func (m *Metrics) StabilizeRound() {
	if m == nil {
		return
	}
	m.StabilizeRounds.Inc()
}

// SplicedOut counts a splice-out.
func (m *Metrics) SplicedOut() {
	if m == nil {
		return
	}
	m.SpliceOuts.Inc()
}

// PointerChanged counts a predecessor or successor change.
func (m *Metrics) PointerChanged(pointer string) {
	if m == nil {
		return
	}
	m.PointerChanges.WithLabelValues(pointer).Inc()
}

// FingersUpdated adds n changed finger entries.
func (m *Metrics) FingersUpdated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FingerRefreshes.Add(float64(n))
}

// ObserveLookup records the hop count of a traced lookup.
func (m *Metrics) ObserveLookup(hops int) {
	if m == nil {
		return
	}
	m.LookupHops.Observe(float64(hops))
}

// SetNeighbours records the number of distinct known peers.
func (m *Metrics) SetNeighbours(n int) {
	if m == nil {
		return
	}
	m.RingNeighbours.Set(float64(n))
}

// TaskPanicked counts a recovered panic in a background task.
func (m *Metrics) TaskPanicked(task string) {
	if m == nil {
		return
	}
	m.SchedulerPanics.WithLabelValues(task).Inc()
}

// ClientConnected adjusts the websocket subscriber gauge by delta.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Add(float64(delta))
}
