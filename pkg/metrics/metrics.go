// Package metrics exposes fleetsched's Prometheus instrumentation,
// following the same package-level promauto var + record-function
// shape as the teacher's pkg/agent/metrics.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ServerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetsched",
			Name:      "server_status",
			Help:      "Derived server health: 0=Healthy 1=Degraded 2=Overloaded 3=Offline",
		},
		[]string{"server"},
	)

	ServerCommittedRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetsched",
			Name:      "server_committed_ratio",
			Help:      "Committed-to-capacity ratio per server per dimension",
		},
		[]string{"server", "dimension"},
	)

	PressureLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetsched",
			Name:      "pressure_level",
			Help:      "Pressure classification: 0=Normal 1=Moderate 2=High 3=Critical 4=Emergency",
		},
		[]string{"server", "dimension"},
	)

	ShadowPrice = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetsched",
			Name:      "shadow_price",
			Help:      "Per-dimension shadow price derived from current utilization",
		},
		[]string{"server", "dimension"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetsched",
			Name:      "pending_queue_depth",
			Help:      "Number of allocation requests waiting in the pending queue",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetsched",
			Name:      "events_dropped_total",
			Help:      "Events dropped by the event bus under overflow",
		},
	)

	AllocationsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetsched",
			Name:      "allocations_committed_total",
			Help:      "Allocation requests successfully committed, by strategy",
		},
		[]string{"strategy"},
	)

	AllocationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetsched",
			Name:      "allocations_failed_total",
			Help:      "Allocation requests that failed admission, by reason",
		},
		[]string{"reason"},
	)

	RebalanceActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetsched",
			Name:      "rebalance_actions_total",
			Help:      "Rebalancer actions taken, by kind (shed/evacuate)",
		},
		[]string{"kind"},
	)
)

// RecordServerHealth records a server's derived status and per-dimension
// committed ratio.
func RecordServerHealth(server string, status int, ratios map[string]float64) {
	ServerStatus.WithLabelValues(server).Set(float64(status))
	for dim, ratio := range ratios {
		ServerCommittedRatio.WithLabelValues(server, dim).Set(ratio)
	}
}

// RecordPressure records a server/dimension's pressure level and shadow
// price together, since the detector always produces them as a pair.
func RecordPressure(server, dimension string, level int, shadowPrice float64) {
	PressureLevel.WithLabelValues(server, dimension).Set(float64(level))
	ShadowPrice.WithLabelValues(server, dimension).Set(shadowPrice)
}

// ClearServerMetrics removes all per-server label combinations for a
// server that has been deregistered, mirroring the teacher's
// ClearPodMetrics.
func ClearServerMetrics(server string, dimensions []string) {
	ServerStatus.DeleteLabelValues(server)
	for _, dim := range dimensions {
		ServerCommittedRatio.DeleteLabelValues(server, dim)
		PressureLevel.DeleteLabelValues(server, dim)
		ShadowPrice.DeleteLabelValues(server, dim)
	}
}
