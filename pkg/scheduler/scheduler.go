// Package scheduler implements C5: the admission pipeline described in
// §4.5 — validate, filter candidates, dispatch to a strategy, commit
// with bounded retry, queue or fail, then emit an event.
package scheduler

import (
	"context"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"fleetsched/pkg/eventbus"
	"fleetsched/pkg/ferr"
	"fleetsched/pkg/fleetconfig"
	"fleetsched/pkg/ledger"
	"fleetsched/pkg/metrics"
	"fleetsched/pkg/registry"
	"fleetsched/pkg/resource"
	"fleetsched/pkg/strategy"
	"fleetsched/pkg/types"
)

// AllocationRequest is the public input to Allocate (§6).
type AllocationRequest struct {
	RequestId        types.RequestId
	AgentId          types.AgentId
	AgentType        types.AgentType
	Requested        resource.Requirements
	Priority         types.Priority
	QoSClass         types.QoSClass
	PreferredServers map[types.ServerId]struct{}
	ExcludedServers  map[types.ServerId]struct{}
	MaxQueueWait     time.Duration
	Deadline         time.Time
}

// ResultKind discriminates the three shapes AllocationResult can take.
type ResultKind int

const (
	ResultCommitted ResultKind = iota
	ResultQueued
	ResultFailed
)

// AllocationResult is the outcome of Allocate.
type AllocationResult struct {
	Kind     ResultKind
	ServerId types.ServerId
	Granted  resource.Vector
	Position int
	Err      error
}

// Scheduler wires the registry, ledger and a configured strategy into
// the admission pipeline.
type Scheduler struct {
	cfg      *fleetconfig.Config
	registry *registry.Registry
	ledger   *ledger.Ledger
	bus      *eventbus.Bus
	strategy strategy.Func
	queue    *PendingQueue
}

// New constructs a Scheduler using the strategy named by cfg.DefaultStrategy.
func New(cfg *fleetconfig.Config, reg *registry.Registry, led *ledger.Ledger, bus *eventbus.Bus) (*Scheduler, error) {
	fn, ok := strategy.Registry[cfg.DefaultStrategy]
	if !ok {
		return nil, ferr.New(ferr.KindStrategyUnknown, "unknown strategy %q", cfg.DefaultStrategy)
	}
	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		ledger:   led,
		bus:      bus,
		strategy: fn,
		queue:    NewPendingQueue(),
	}, nil
}

// grantedFromRequirements converts a Requirements floor into the
// ResourceVector actually subtracted from the server (§3: "granted" is
// what is held, as opposed to "requested").
func grantedFromRequirements(req resource.Requirements) resource.Vector {
	v := resource.NewVector()
	v.CPUCores = req.CPUCores
	v.MemoryUsedBytes = req.MemoryBytes
	v.DiskUsedBytes = req.DiskBytes
	v.NetworkBandwidthBps = req.NetworkBandwidthBps
	if req.GPUCount > 0 {
		gpus := make([]resource.GPU, req.GPUCount)
		for i := range gpus {
			gpus[i] = resource.GPU{MemoryUsedBytes: req.GPUMemoryBytes}
		}
		v.GPUs = gpus
	}
	for _, c := range req.Capabilities {
		v.Capabilities[c] = struct{}{}
	}
	return v
}

// validate implements pipeline step 1 (§4.5).
func validate(req AllocationRequest) error {
	if req.AgentId == "" {
		return ferr.New(ferr.KindInvalidRequest, "agentId must not be empty")
	}
	if req.Requested.CPUCores < 0 {
		return ferr.New(ferr.KindInvalidRequest, "requested.cpu must be >= 0")
	}
	if req.Requested.MemoryBytes <= 0 {
		return ferr.New(ferr.KindInvalidRequest, "requested.memoryMin must be > 0")
	}
	if !req.Priority.Valid() {
		return ferr.New(ferr.KindInvalidRequest, "invalid priority %v", req.Priority)
	}
	return nil
}

// buildCandidates implements pipeline step 2: filter registry snapshots
// down to servers that are healthy enough, not excluded, and that meet
// req's requirements once committed capacity is subtracted.
func (s *Scheduler) buildCandidates(req AllocationRequest) []strategy.Candidate {
	snapshots := s.registry.ListSnapshots()
	var out []strategy.Candidate

	for _, snap := range snapshots {
		if snap.Status != types.ServerHealthy && snap.Status != types.ServerDegraded {
			continue
		}
		if req.ExcludedServers != nil {
			if _, excluded := req.ExcludedServers[snap.ServerId]; excluded {
				continue
			}
		}
		if len(req.PreferredServers) > 0 {
			if _, preferred := req.PreferredServers[snap.ServerId]; !preferred {
				continue
			}
		}

		committed := s.ledger.Committed(snap.ServerId)
		s.ledger.SetCapacity(snap.ServerId, snap.LastReport)
		avail, _ := snap.LastReport.SubtractSaturating(committed)
		if !avail.Meets(req.Requested) {
			continue
		}

		out = append(out, strategy.Candidate{
			ServerId:       snap.ServerId,
			Capacity:       snap.LastReport,
			Committed:      committed,
			SameTypeAgents: s.countSameType(snap.ServerId, req.AgentType),
			AgentShare:     s.agentShare(snap.ServerId, req.AgentId, snap.LastReport),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ServerId < out[j].ServerId })
	return out
}

func (s *Scheduler) countSameType(server types.ServerId, agentType types.AgentType) int {
	count := 0
	for _, res := range s.ledger.ListByServer(server) {
		if res.State == types.ReservationActive && res.AgentType == agentType {
			count++
		}
	}
	return count
}

func (s *Scheduler) agentShare(server types.ServerId, agentId types.AgentId, capacity resource.Vector) float64 {
	if capacity.CPUCores <= 0 {
		return 0
	}
	var held float64
	for _, res := range s.ledger.ListByServer(server) {
		if res.State == types.ReservationActive && res.AgentId == agentId {
			held += res.Granted.CPUCores
		}
	}
	return held / capacity.CPUCores
}

// Allocate runs the full admission pipeline for req (§4.5).
func (s *Scheduler) Allocate(ctx context.Context, req AllocationRequest) AllocationResult {
	if req.RequestId == "" {
		req.RequestId = ledger.NewRequestId()
	}
	if existing, ok := s.ledger.Get(req.RequestId); ok && existing.State == types.ReservationActive {
		return AllocationResult{Kind: ResultCommitted, ServerId: existing.ServerId, Granted: existing.Granted}
	}

	if err := validate(req); err != nil {
		return s.fail(req, err)
	}

	result := s.attemptCommit(req)
	if result.Kind == ResultCommitted {
		return result
	}

	if req.MaxQueueWait > 0 {
		position := s.queue.Enqueue(req, time.Now())
		s.bus.Publish(eventbus.AllocationQueued{RequestId: req.RequestId, Position: position})
		return AllocationResult{Kind: ResultQueued, Position: position}
	}

	return s.fail(req, result.Err)
}

// attemptCommit runs the filter→strategy→commit loop (§4.5 steps 2-4)
// without ever touching the PendingQueue; it is shared by Allocate and
// DrainOnce so a queued request is never double-enqueued.
func (s *Scheduler) attemptCommit(req AllocationRequest) AllocationResult {
	maxRetries := s.cfg.MaxCommitRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastCandidates []strategy.Candidate
	for attempt := 0; attempt < maxRetries; attempt++ {
		candidates := s.buildCandidates(req)
		lastCandidates = candidates
		if len(candidates) == 0 {
			break
		}

		chosen, ok := s.strategy(candidates, strategy.Request{
			RequestId: req.RequestId,
			AgentId:   req.AgentId,
			AgentType: req.AgentType,
			Requested: req.Requested,
			Priority:  req.Priority,
			QoSClass:  req.QoSClass,
		})
		if !ok {
			break
		}

		res := ledger.Reservation{
			RequestId: req.RequestId,
			AgentId:   req.AgentId,
			AgentType: req.AgentType,
			ServerId:  chosen,
			Requested: req.Requested,
			Granted:   grantedFromRequirements(req.Requested),
			Priority:  req.Priority,
			QoSClass:  req.QoSClass,
		}
		committed, err := s.ledger.Commit(res)
		if err == nil {
			s.registry.ApplyCommitted(chosen, s.ledger.Committed(chosen))
			s.bus.Publish(eventbus.AllocationCommitted{RequestId: req.RequestId, ServerId: chosen, Granted: committed.Granted})
			metrics.AllocationsCommitted.WithLabelValues(string(s.cfg.DefaultStrategy)).Inc()
			klog.V(3).InfoS("allocation committed", "request", req.RequestId, "server", chosen, "attempt", attempt)
			return AllocationResult{Kind: ResultCommitted, ServerId: chosen, Granted: committed.Granted}
		}
		if kind, _ := ferr.OfKind(err); kind != ferr.KindCapacityExhausted {
			return AllocationResult{Kind: ResultFailed, Err: err}
		}
		// lost the race against a concurrent commit; retry with a fresh snapshot
	}

	return AllocationResult{Kind: ResultFailed, Err: ferr.NoCapacity(shortageOf(lastCandidates, req.Requested))}
}

func (s *Scheduler) fail(req AllocationRequest, err error) AllocationResult {
	reason := "unknown"
	if kind, ok := ferr.OfKind(err); ok {
		reason = kind.String()
	}
	metrics.AllocationsFailed.WithLabelValues(reason).Inc()
	s.bus.Publish(eventbus.AllocationFailed{RequestId: req.RequestId, Reason: err.Error()})
	return AllocationResult{Kind: ResultFailed, Err: err}
}

// shortageOf computes the minimum missing quantity across the best
// (largest-available-CPU) candidate, or an all-missing requirement if
// there were no candidates at all.
func shortageOf(candidates []strategy.Candidate, req resource.Requirements) resource.Requirements {
	if len(candidates) == 0 {
		return req
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		avail, _ := c.Capacity.SubtractSaturating(c.Committed)
		bestAvail, _ := best.Capacity.SubtractSaturating(best.Committed)
		if avail.CPUCores > bestAvail.CPUCores {
			best = c
		}
	}
	avail, _ := best.Capacity.SubtractSaturating(best.Committed)
	shortage := resource.Requirements{}
	if d := req.CPUCores - avail.CPUCores; d > 0 {
		shortage.CPUCores = d
	}
	if d := req.MemoryBytes - avail.AvailableMemoryBytes(); d > 0 {
		shortage.MemoryBytes = d
	}
	if d := req.DiskBytes - avail.AvailableDiskBytes(); d > 0 {
		shortage.DiskBytes = d
	}
	return shortage
}

// Release releases a reservation and triggers a queue drain so waiting
// requests can claim the freed capacity.
func (s *Scheduler) Release(ctx context.Context, requestId types.RequestId, reason types.ReleaseReason) bool {
	res, ok := s.ledger.Get(requestId)
	if !ok {
		return false
	}
	if !s.ledger.Release(requestId, reason) {
		return false
	}
	s.registry.ApplyCommitted(res.ServerId, s.ledger.Committed(res.ServerId))
	s.bus.Publish(eventbus.Released{RequestId: requestId, Reason: reason})
	s.DrainOnce(ctx)
	return true
}

// PlanMigration selects a new server for an existing reservation,
// excluding its current server, without mutating the ledger (§4.5).
func (s *Scheduler) PlanMigration(res ledger.Reservation) (types.ServerId, bool) {
	excluded := map[types.ServerId]struct{}{res.ServerId: {}}
	candidates := s.buildCandidates(AllocationRequest{
		AgentId:         res.AgentId,
		AgentType:       res.AgentType,
		Requested:       res.Requested,
		Priority:        res.Priority,
		QoSClass:        res.QoSClass,
		ExcludedServers: excluded,
	})
	return s.strategy(candidates, strategy.Request{
		RequestId: res.RequestId,
		AgentId:   res.AgentId,
		AgentType: res.AgentType,
		Requested: res.Requested,
		Priority:  res.Priority,
		QoSClass:  res.QoSClass,
	})
}

// DrainOnce attempts to place every currently-ready queued request once
// (§4.5: "drained whenever a ServerStateChanged event indicates
// increased free capacity, or on a new report, or on release").
func (s *Scheduler) DrainOnce(ctx context.Context) {
	pending := s.queue.Len()
	for i := 0; i < pending; i++ {
		req, arrival, ok := s.popNonBlocking()
		if !ok {
			return
		}

		now := time.Now()
		expired := (!req.Deadline.IsZero() && now.After(req.Deadline)) ||
			(req.MaxQueueWait > 0 && now.Sub(arrival) > req.MaxQueueWait)
		if expired {
			s.fail(req, ferr.New(ferr.KindCancelled, "deadline exceeded while queued"))
			continue
		}

		result := s.attemptCommit(req)
		if result.Kind != ResultCommitted {
			// still no capacity: put it back so other queued requests get a turn
			s.queue.Enqueue(req, arrival)
		}
	}
}

// popNonBlocking pops the highest-priority ready item without blocking
// on an empty queue.
func (s *Scheduler) popNonBlocking() (AllocationRequest, time.Time, bool) {
	if s.queue.Len() == 0 {
		return AllocationRequest{}, time.Time{}, false
	}
	return s.queue.PopReady()
}

// QueueLen reports how many requests are currently waiting.
func (s *Scheduler) QueueLen() int { return s.queue.Len() }

// CancelQueued removes a queued request atomically (§5 cancellation).
func (s *Scheduler) CancelQueued(requestId types.RequestId) bool {
	return s.queue.Remove(requestId)
}

// Shutdown stops the pending queue's underlying workqueue.
func (s *Scheduler) Shutdown() {
	s.queue.ShutDown()
}
