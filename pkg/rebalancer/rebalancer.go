// Package rebalancer implements C7: shed-on-overload, evacuate-on-
// offline and drain-on-recovery, each driven off ServerStateChanged
// events from the event bus (§4.7). Evacuate is also exported for the
// operator-driven deregister path (§4.2), which needs the same migrate-
// or-evict handling an Offline transition gets. Migrations are executed
// one reservation at a time; no cross-reservation atomicity is attempted
// (§9 open question, resolved against durability).
package rebalancer

import (
	"context"
	"math"
	"sort"

	"k8s.io/klog/v2"

	"fleetsched/pkg/eventbus"
	"fleetsched/pkg/fleetconfig"
	"fleetsched/pkg/ledger"
	"fleetsched/pkg/metrics"
	"fleetsched/pkg/scheduler"
	"fleetsched/pkg/types"
)

// Rebalancer reacts to server state transitions published on the bus.
type Rebalancer struct {
	cfg   *fleetconfig.Config
	sched *scheduler.Scheduler
	led   *ledger.Ledger
	bus   *eventbus.Bus
}

// New constructs a Rebalancer wired to the scheduler/ledger/bus.
func New(cfg *fleetconfig.Config, sched *scheduler.Scheduler, led *ledger.Ledger, bus *eventbus.Bus) *Rebalancer {
	return &Rebalancer{cfg: cfg, sched: sched, led: led, bus: bus}
}

// Run subscribes to ServerStateChanged events and reacts until ctx is
// cancelled, mirroring the teacher's context-driven background task
// lifecycle.
func (r *Rebalancer) Run(ctx context.Context) {
	ch, unsubscribe := r.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			change, ok := evt.Payload.(eventbus.ServerStateChanged)
			if !ok {
				continue
			}
			r.handle(ctx, change)
		}
	}
}

func (r *Rebalancer) handle(ctx context.Context, change eventbus.ServerStateChanged) {
	switch {
	case change.NewStatus == types.ServerOverloaded && change.OldStatus != types.ServerOverloaded:
		r.shed(ctx, change.ServerId)
	case change.NewStatus == types.ServerOffline && change.OldStatus != types.ServerOffline:
		r.Evacuate(ctx, change.ServerId)
	case change.OldStatus == types.ServerOffline || change.OldStatus == types.ServerOverloaded:
		// recovered to Healthy/Degraded: drain anything waiting for capacity
		r.sched.DrainOnce(ctx)
	}
}

// shed migrates up to ceil(cfg.RebalanceShedFraction · count) of the
// server's Active reservations, lowest priority / largest grant first
// (§4.7).
func (r *Rebalancer) shed(ctx context.Context, server types.ServerId) {
	active := activeReservations(r.led, server)
	if len(active) == 0 {
		return
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].Granted.CPUCores > active[j].Granted.CPUCores
	})

	n := int(math.Ceil(r.cfg.RebalanceShedFraction * float64(len(active))))
	if n > len(active) {
		n = len(active)
	}

	metrics.RebalanceActions.WithLabelValues("shed").Inc()
	for _, res := range active[:n] {
		r.migrate(ctx, res, false)
	}
}

// Evacuate migrates every Active reservation off a server, high-priority
// first; anything that cannot be placed is Released with reason Evicted
// (§4.7). Exported so callers outside the ServerStateChanged event loop —
// an operator-driven deregister, in particular — can drive the same
// migration path the Offline transition uses.
func (r *Rebalancer) Evacuate(ctx context.Context, server types.ServerId) {
	active := activeReservations(r.led, server)
	if len(active) == 0 {
		return
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Priority > active[j].Priority })

	metrics.RebalanceActions.WithLabelValues("evacuate").Inc()
	for _, res := range active {
		r.migrate(ctx, res, true)
	}
}

// migrate marks res Migrating, attempts to place it elsewhere, and
// either completes the move or reverts/evicts depending on sourceOffline
// (§4.7).
func (r *Rebalancer) migrate(ctx context.Context, res ledger.Reservation, sourceOffline bool) {
	r.led.Mark(res.RequestId, types.ReservationMigrating)

	target, ok := r.sched.PlanMigration(res)
	if !ok {
		if sourceOffline {
			r.led.Release(res.RequestId, types.ReleaseEvicted)
			r.bus.Publish(eventbus.Released{RequestId: res.RequestId, Reason: types.ReleaseEvicted})
			r.bus.Publish(eventbus.AllocationFailed{RequestId: res.RequestId, Reason: "migration failed: no candidate server"})
			klog.V(2).InfoS("evacuation could not place reservation, evicting", "request", res.RequestId, "server", res.ServerId)
		} else {
			r.led.Mark(res.RequestId, types.ReservationActive)
		}
		return
	}

	result := r.sched.Allocate(ctx, scheduler.AllocationRequest{
		RequestId:       ledger.NewRequestId(),
		AgentId:         res.AgentId,
		AgentType:       res.AgentType,
		Requested:       res.Requested,
		Priority:        res.Priority,
		QoSClass:        res.QoSClass,
		PreferredServers: map[types.ServerId]struct{}{target: {}},
	})
	if result.Kind != scheduler.ResultCommitted {
		if sourceOffline {
			r.led.Release(res.RequestId, types.ReleaseEvicted)
			r.bus.Publish(eventbus.Released{RequestId: res.RequestId, Reason: types.ReleaseEvicted})
		} else {
			r.led.Mark(res.RequestId, types.ReservationActive)
		}
		r.bus.Publish(eventbus.AllocationFailed{RequestId: res.RequestId, Reason: "migration failed"})
		return
	}

	// the old reservation is superseded by the new one just committed;
	// AgentMigrated is the externally-visible signal, so no separate
	// Released event fires here.
	r.led.Release(res.RequestId, types.ReleaseClient)
	r.bus.Publish(eventbus.AgentMigrated{AgentId: res.AgentId, FromServerId: res.ServerId, ToServerId: result.ServerId})
	klog.V(2).InfoS("agent migrated", "agent", res.AgentId, "from", res.ServerId, "to", result.ServerId)
}

func activeReservations(led *ledger.Ledger, server types.ServerId) []ledger.Reservation {
	all := led.ListByServer(server)
	out := make([]ledger.Reservation, 0, len(all))
	for _, res := range all {
		if res.State == types.ReservationActive {
			out = append(out, res)
		}
	}
	return out
}
