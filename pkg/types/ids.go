// Package types holds the identifier and enum types shared across every
// fleetsched package. Keeping them in one leaf package avoids import
// cycles between registry, ledger, strategy, scheduler and friends.
package types

import "k8s.io/apimachinery/pkg/types"

// ServerId uniquely and immutably identifies a server in the fleet.
type ServerId = types.UID

// AgentId uniquely identifies a long-running agent (workload) instance.
type AgentId = types.UID

// RequestId uniquely identifies an AllocationRequest/Reservation.
type RequestId = types.UID

// AgentType is an opaque label naming the kind of workload an agent runs
// (e.g. "researcher", "indexer"). The core never interprets it beyond
// equality comparisons used by the Locality strategy.
type AgentType string

// Priority orders requests and reservations for admission, shedding and
// evacuation. Higher values are more important.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Valid reports whether p is one of the defined Priority constants.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// QoSClass controls initial grant sizing and eviction order (§4.8).
type QoSClass int

const (
	QoSGuaranteed QoSClass = iota
	QoSBurstable
	QoSBestEffort
)

func (q QoSClass) Valid() bool {
	return q >= QoSGuaranteed && q <= QoSBestEffort
}

func (q QoSClass) String() string {
	switch q {
	case QoSGuaranteed:
		return "Guaranteed"
	case QoSBurstable:
		return "Burstable"
	case QoSBestEffort:
		return "BestEffort"
	default:
		return "Unknown"
	}
}

// ServerStatus is the registry-derived health of a server (§4.2). It is
// never taken from the reporter's own opinion of itself — reportedStatus
// on ServerReport is advisory only.
type ServerStatus int

const (
	ServerHealthy ServerStatus = iota
	ServerDegraded
	ServerOverloaded
	ServerOffline
)

func (s ServerStatus) String() string {
	switch s {
	case ServerHealthy:
		return "Healthy"
	case ServerDegraded:
		return "Degraded"
	case ServerOverloaded:
		return "Overloaded"
	case ServerOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// ReservationState is the §4.5 reservation state machine.
type ReservationState int

const (
	ReservationPending ReservationState = iota
	ReservationActive
	ReservationMigrating
	ReservationReleased
)

func (s ReservationState) String() string {
	switch s {
	case ReservationPending:
		return "Pending"
	case ReservationActive:
		return "Active"
	case ReservationMigrating:
		return "Migrating"
	case ReservationReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// ReleaseReason records why a reservation moved to Released.
type ReleaseReason int

const (
	ReleaseClient ReleaseReason = iota
	ReleaseEvicted
	ReleaseMigrationFailed
)

func (r ReleaseReason) String() string {
	switch r {
	case ReleaseClient:
		return "Client"
	case ReleaseEvicted:
		return "Evicted"
	case ReleaseMigrationFailed:
		return "MigrationFailed"
	default:
		return "Unknown"
	}
}

// PressureLevel is the §4.6 per-dimension / per-server classification.
type PressureLevel int

const (
	PressureNormal PressureLevel = iota
	PressureModerate
	PressureHigh
	PressureCritical
	PressureEmergency
)

func (l PressureLevel) String() string {
	switch l {
	case PressureNormal:
		return "Normal"
	case PressureModerate:
		return "Moderate"
	case PressureHigh:
		return "High"
	case PressureCritical:
		return "Critical"
	case PressureEmergency:
		return "Emergency"
	default:
		return "Unknown"
	}
}

// StrategyName selects a registered placement strategy (§4.4, §6).
type StrategyName string

const (
	StrategyBalanced    StrategyName = "balanced"
	StrategyPerformance StrategyName = "performance"
	StrategyEfficiency  StrategyName = "efficiency"
	StrategyLocality    StrategyName = "locality"
	StrategyPriority    StrategyName = "priority"
	StrategyFairShare   StrategyName = "fair-share"
	StrategyBestFit     StrategyName = "best-fit"
)
