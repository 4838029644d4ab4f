// Package ledger implements C3, the AllocationLedger: the authoritative
// requestId → Reservation map and the per-server committed rollup. Lock
// ordering follows §5: ledger-wide lock, then per-server lock, to
// prevent deadlock against concurrent commits on different servers.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"fleetsched/pkg/ferr"
	"fleetsched/pkg/resource"
	"fleetsched/pkg/types"
)

// Reservation is the ledger's entity (§3).
type Reservation struct {
	RequestId        types.RequestId
	AgentId          types.AgentId
	AgentType        types.AgentType
	ServerId         types.ServerId
	Requested        resource.Requirements
	Granted          resource.Vector
	Priority         types.Priority
	QoSClass         types.QoSClass
	State            types.ReservationState
	CreatedAt        time.Time
	LastTransitionAt time.Time
}

type serverBucket struct {
	mu        sync.Mutex
	committed resource.Vector
	capacity  resource.Vector
	requests  map[types.RequestId]struct{}
}

// Ledger owns every Reservation and the per-server committed rollup.
type Ledger struct {
	mu           sync.Mutex // ledger-wide: requestId index + bucket creation
	reservations map[types.RequestId]*Reservation
	byAgent      map[types.AgentId]map[types.RequestId]struct{}
	buckets      map[types.ServerId]*serverBucket
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{
		reservations: make(map[types.RequestId]*Reservation),
		byAgent:      make(map[types.AgentId]map[types.RequestId]struct{}),
		buckets:      make(map[types.ServerId]*serverBucket),
	}
}

// SetCapacity records the capacity the ledger checks commits against
// for a server; the scheduler calls this from the latest registry
// snapshot before each commit attempt.
func (l *Ledger) SetCapacity(server types.ServerId, capacity resource.Vector) {
	l.mu.Lock()
	b, ok := l.buckets[server]
	if !ok {
		b = &serverBucket{requests: make(map[types.RequestId]struct{})}
		l.buckets[server] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	b.capacity = capacity
	b.mu.Unlock()
}

// Committed returns the current committed ResourceVector for a server.
func (l *Ledger) Committed(server types.ServerId) resource.Vector {
	l.mu.Lock()
	b, ok := l.buckets[server]
	l.mu.Unlock()
	if !ok {
		return resource.Vector{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed
}

// Commit attempts to place res on res.ServerId, atomically with respect
// to the server's committed rollup (§4.3). Idempotent: committing an
// already-committed requestId returns the existing reservation
// unchanged. Returns a *ferr.Error of kind CapacityExhausted if the
// grant would overflow capacity−committed.
func (l *Ledger) Commit(res Reservation) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.reservations[res.RequestId]; ok {
		return existing, nil
	}
	b, ok := l.buckets[res.ServerId]
	if !ok {
		b = &serverBucket{requests: make(map[types.RequestId]struct{})}
		l.buckets[res.ServerId] = b
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	projected := b.committed.Add(res.Granted)
	if exceedsCapacity(projected, b.capacity) {
		return nil, ferr.New(ferr.KindCapacityExhausted, "server %s: commit would exceed capacity", res.ServerId)
	}

	res.State = types.ReservationActive
	now := time.Now()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.LastTransitionAt = now
	stored := res

	l.reservations[res.RequestId] = &stored
	if l.byAgent[res.AgentId] == nil {
		l.byAgent[res.AgentId] = make(map[types.RequestId]struct{})
	}
	l.byAgent[res.AgentId][res.RequestId] = struct{}{}

	b.committed = projected
	b.requests[res.RequestId] = struct{}{}

	klog.V(3).InfoS("reservation committed", "request", res.RequestId, "server", res.ServerId, "agent", res.AgentId)
	return &stored, nil
}

// exceedsCapacity reports whether projected committed usage would go
// past capacity on any dimension.
func exceedsCapacity(projected, capacity resource.Vector) bool {
	if projected.CPUCores > capacity.CPUCores {
		return true
	}
	if projected.MemoryUsedBytes > capacity.MemoryTotalBytes {
		return true
	}
	if projected.DiskUsedBytes > capacity.DiskTotalBytes {
		return true
	}
	if projected.NetworkBandwidthBps > capacity.NetworkBandwidthBps {
		return true
	}
	for i, g := range projected.GPUs {
		if i >= len(capacity.GPUs) {
			if g.MemoryUsedBytes > 0 {
				return true
			}
			continue
		}
		if g.MemoryUsedBytes > capacity.GPUs[i].MemoryTotalBytes {
			return true
		}
	}
	return false
}

// Release transitions a reservation to Released and subtracts its
// granted vector from the server rollup. Unknown ids are a no-op
// (§4.3). Idempotent: releasing an already-released reservation is a
// no-op.
func (l *Ledger) Release(requestId types.RequestId, reason types.ReleaseReason) bool {
	l.mu.Lock()
	res, ok := l.reservations[requestId]
	if !ok {
		l.mu.Unlock()
		return false
	}
	server := res.ServerId
	l.mu.Unlock()

	if res.State == types.ReservationReleased {
		return true
	}

	l.mu.Lock()
	b := l.buckets[server]
	l.mu.Unlock()
	if b != nil {
		b.mu.Lock()
		b.committed, _ = b.committed.SubtractSaturating(res.Granted)
		delete(b.requests, requestId)
		b.mu.Unlock()
	}

	l.mu.Lock()
	res.State = types.ReservationReleased
	res.LastTransitionAt = time.Now()
	if agentSet, ok := l.byAgent[res.AgentId]; ok {
		delete(agentSet, requestId)
	}
	l.mu.Unlock()

	klog.V(3).InfoS("reservation released", "request", requestId, "server", server, "reason", reason)
	return true
}

// Mark transitions a reservation to the given state without touching
// the committed rollup; used for Active→Migrating (and back to Active
// on a reverted migration) bookkeeping.
func (l *Ledger) Mark(requestId types.RequestId, state types.ReservationState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[requestId]
	if !ok {
		return false
	}
	res.State = state
	res.LastTransitionAt = time.Now()
	return true
}

// Get returns a copy of one reservation.
func (l *Ledger) Get(requestId types.RequestId) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[requestId]
	if !ok {
		return Reservation{}, false
	}
	return *res, true
}

// ListByServer returns copies of every reservation bound to server.
func (l *Ledger) ListByServer(server types.ServerId) []Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Reservation
	for _, res := range l.reservations {
		if res.ServerId == server {
			out = append(out, *res)
		}
	}
	return out
}

// ListByAgent returns copies of every reservation owned by agentId.
func (l *Ledger) ListByAgent(agentId types.AgentId) []Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.byAgent[agentId]
	out := make([]Reservation, 0, len(ids))
	for id := range ids {
		if res, ok := l.reservations[id]; ok {
			out = append(out, *res)
		}
	}
	return out
}

// NewRequestId generates a RequestId for callers that did not supply
// one, the way the scheduler's admission step does for anonymous
// requests.
func NewRequestId() types.RequestId {
	return types.RequestId(uuid.NewString())
}

// ExportState returns a plain, serializable snapshot of every
// reservation, the same marshal-a-plain-struct idiom the teacher's
// QTablePersister uses for Q-tables (minus the ConfigMap round-trip:
// the core itself never performs I/O — a caller decides where the
// snapshot goes, per §6 "persisted state: none by the core").
func (l *Ledger) ExportState() []Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Reservation, 0, len(l.reservations))
	for _, res := range l.reservations {
		out = append(out, *res)
	}
	return out
}
