// Package registry implements C2, the ServerRegistry: the registry owns
// every ServerState entity and is the single source of truth for a
// server's derived health status (§4.2). Mirrors the teacher's
// pkg/agent.PodInformer in spirit: one RWMutex guarding a map, readers
// hold it only long enough to clone a snapshot (§5).
package registry

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"fleetsched/pkg/eventbus"
	"fleetsched/pkg/fleetconfig"
	"fleetsched/pkg/resource"
	"fleetsched/pkg/types"
)

// ServerState is an immutable snapshot of one server's registry entry,
// safe to read without holding the registry's lock (§3).
type ServerState struct {
	ServerId       types.ServerId
	LastReport     resource.Vector
	LastHeartbeat  time.Time
	ReportedStatus types.ServerStatus
	Status         types.ServerStatus
	Committed      resource.Vector
	Generation     uint64
}

type entry struct {
	lastReport     resource.Vector
	lastHeartbeat  time.Time
	reportedStatus types.ServerStatus
	status         types.ServerStatus
	committed      resource.Vector
	generation     uint64
}

func (e *entry) snapshot(id types.ServerId) ServerState {
	return ServerState{
		ServerId:       id,
		LastReport:     e.lastReport,
		LastHeartbeat:  e.lastHeartbeat,
		ReportedStatus: e.reportedStatus,
		Status:         e.status,
		Committed:      e.committed,
		Generation:     e.generation,
	}
}

// Registry owns the fleet's ServerState entities.
type Registry struct {
	mu      sync.RWMutex
	servers map[types.ServerId]*entry
	cfg     *fleetconfig.Config
	bus     *eventbus.Bus
}

// New constructs an empty Registry.
func New(cfg *fleetconfig.Config, bus *eventbus.Bus) *Registry {
	return &Registry{
		servers: make(map[types.ServerId]*entry),
		cfg:     cfg,
		bus:     bus,
	}
}

// IngestReport applies a ServerReport (§6). Reports whose timestamp
// regresses relative to the last accepted report for the same serverId
// are rejected (§5 ordering guarantee); the very first report for a
// serverId always creates the entry.
func (r *Registry) IngestReport(id types.ServerId, report resource.Vector, reportedStatus types.ServerStatus, timestamp time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.servers[id]
	if exists && !timestamp.After(e.lastHeartbeat) && !e.lastHeartbeat.IsZero() {
		return nil
	}

	oldStatus := types.ServerOffline
	if exists {
		oldStatus = e.status
	} else {
		e = &entry{}
		r.servers[id] = e
	}

	e.lastReport = report
	e.lastHeartbeat = timestamp
	e.reportedStatus = reportedStatus
	e.status = deriveStatus(report, r.cfg)
	e.generation++

	if !exists || oldStatus != e.status {
		r.publishStatusChange(id, oldStatus, e.status, e.generation)
	}
	return nil
}

// deriveStatus computes the registry-owned status from the report's
// CPU/memory/GPU utilization against configured thresholds (§4.2). The
// server's reportedStatus is never consulted — it is advisory only.
func deriveStatus(v resource.Vector, cfg *fleetconfig.Config) types.ServerStatus {
	cpu := v.UtilizationOf(resource.DimensionCPU)
	mem := v.UtilizationOf(resource.DimensionMemory)
	gpu := v.UtilizationOf(resource.DimensionGPU)

	if cpu >= cfg.CPUCritPct || mem >= cfg.MemCritPct || (len(v.GPUs) > 0 && gpu >= cfg.GPUCritPct) {
		return types.ServerOverloaded
	}
	if cpu >= cfg.CPUWarnPct || mem >= cfg.MemWarnPct || (len(v.GPUs) > 0 && gpu >= cfg.GPUWarnPct) {
		return types.ServerDegraded
	}
	return types.ServerHealthy
}

// ApplyCommitted replaces the committed ResourceVector mirror the
// registry keeps for a server, called by the scheduler after each commit
// or release it performs so the registry's view stays consistent (§3).
func (r *Registry) ApplyCommitted(id types.ServerId, committed resource.Vector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.servers[id]
	if !ok {
		return
	}
	e.committed = committed
	e.generation++
}

// Snapshot returns a copy of one server's state.
func (r *Registry) Snapshot(id types.ServerId) (ServerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.servers[id]
	if !ok {
		return ServerState{}, false
	}
	return e.snapshot(id), true
}

// ListSnapshots returns a copy of every server's state, useful to
// strategies that need the whole fleet.
func (r *Registry) ListSnapshots() []ServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerState, 0, len(r.servers))
	for id, e := range r.servers {
		out = append(out, e.snapshot(id))
	}
	return out
}

// Deregister removes a server's entry entirely. Offline is a status,
// not a deletion — this is reserved for explicit operator removal
// (§3 lifecycle). The registry has no view of the ledger, so it cannot
// migrate reservations itself; callers that deregister a server holding
// Active reservations must evacuate it first (see engine.DeregisterServer).
func (r *Registry) Deregister(id types.ServerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, id)
}

// HeartbeatSweep marks any server whose last heartbeat is older than
// cfg.OfflineTimeout as Offline, emitting ServerStateChanged for each
// transition.
func (r *Registry) HeartbeatSweep(now time.Time) {
	r.mu.Lock()
	type transition struct {
		id   types.ServerId
		from types.ServerStatus
		to   types.ServerStatus
		gen  uint64
	}
	var transitions []transition

	for id, e := range r.servers {
		if e.status == types.ServerOffline {
			continue
		}
		if now.Sub(e.lastHeartbeat) > r.cfg.OfflineTimeout {
			old := e.status
			e.status = types.ServerOffline
			e.generation++
			transitions = append(transitions, transition{id, old, e.status, e.generation})
		}
	}
	r.mu.Unlock()

	for _, t := range transitions {
		r.publishStatusChange(t.id, t.from, t.to, t.gen)
	}
}

func (r *Registry) publishStatusChange(id types.ServerId, old, updated types.ServerStatus, generation uint64) {
	klog.V(3).InfoS("server status changed", "server", id, "old", old, "new", updated, "generation", generation)
	if r.bus != nil {
		r.bus.Publish(eventbus.ServerStateChanged{
			ServerId:   id,
			OldStatus:  old,
			NewStatus:  updated,
			Generation: generation,
		})
	}
}

// ExportState returns a plain, serializable snapshot of every server,
// the same marshal-a-plain-struct idiom the teacher's QTablePersister
// uses for Q-tables (minus the ConfigMap round-trip: the registry
// itself never performs I/O — a caller decides where the snapshot
// goes, per §6 "persisted state: none by the core").
func (r *Registry) ExportState() []ServerState {
	return r.ListSnapshots()
}

// Run starts the periodic heartbeat sweep (§5: "periodic tasks with
// explicit stop signals"), mirroring the teacher's context-driven
// informer lifecycle. It blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	wait.Until(func() {
		r.HeartbeatSweep(time.Now())
	}, r.cfg.HeartbeatInterval, ctx.Done())
}
