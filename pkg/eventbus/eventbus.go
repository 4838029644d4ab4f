// Package eventbus implements the in-process pub/sub of C9: a bounded,
// drop-oldest channel per subscriber. No subscriber can back-pressure a
// producer past the configured buffer (§5).
package eventbus

import (
	"sync"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"fleetsched/pkg/types"
)

// Event is the common envelope; Payload is one of the concrete event
// structs below.
type Event struct {
	Payload interface{}
}

// ServerStateChanged fires whenever the registry's derived status for a
// server changes.
type ServerStateChanged struct {
	ServerId   types.ServerId
	OldStatus  types.ServerStatus
	NewStatus  types.ServerStatus
	Generation uint64
}

// AllocationCommitted fires when the ledger commits a reservation.
type AllocationCommitted struct {
	RequestId types.RequestId
	ServerId  types.ServerId
	Granted   interface{}
}

// AllocationQueued fires when a request could not be placed immediately
// and was admitted to the pending queue instead.
type AllocationQueued struct {
	RequestId types.RequestId
	Position  int
}

// AllocationFailed fires when a request is rejected outright.
type AllocationFailed struct {
	RequestId types.RequestId
	Reason    string
}

// Released fires when a reservation transitions to Released.
type Released struct {
	RequestId types.RequestId
	Reason    types.ReleaseReason
}

// PressureLevelChanged fires when the pressure detector reclassifies a
// server/dimension.
type PressureLevelChanged struct {
	ServerId  types.ServerId
	Dimension string
	NewLevel  types.PressureLevel
}

// AgentMigrated fires when the rebalancer or scheduler moves an agent's
// reservation to a different server.
type AgentMigrated struct {
	AgentId      types.AgentId
	FromServerId types.ServerId
	ToServerId   types.ServerId
}

// AgentUnhealthy fires when the agent controller's health-check tracking
// judges an agent unhealthy.
type AgentUnhealthy struct {
	AgentId             types.AgentId
	ConsecutiveFailures int
}

// subscriber is one listener's bounded mailbox.
type subscriber struct {
	id int
	ch chan Event
}

// Bus is the bounded, drop-oldest, multi-subscriber event bus described
// in §4.9/§5. The zero value is not usable; construct with New.
type Bus struct {
	mu          sync.Mutex
	subs        map[int]*subscriber
	nextID      int
	bufferSize  int
	dropped     atomic.Uint64
}

// New returns a Bus whose subscriber channels have the given buffer
// size (§6 eventBufferSize, default 1024).
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{
		subs:       make(map[int]*subscriber),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a new listener and returns a receive channel plus
// an unsubscribe function. The channel is closed by Unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{id: id, ch: make(chan Event, b.bufferSize)}
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers payload to every current subscriber. A full
// subscriber channel has its oldest queued event dropped to make room
// (§5 overflow policy), incrementing DroppedEvents; Publish itself never
// blocks.
func (b *Bus) Publish(payload interface{}) {
	evt := Event{Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s *subscriber, evt Event) {
	select {
	case s.ch <- evt:
		return
	default:
	}

	select {
	case <-s.ch:
		b.dropped.Inc()
		klog.V(4).InfoS("event bus dropped oldest event for slow subscriber", "subscriber", s.id)
	default:
	}

	select {
	case s.ch <- evt:
	default:
		b.dropped.Inc()
	}
}

// DroppedEvents returns the cumulative count of events dropped due to
// subscriber overflow.
func (b *Bus) DroppedEvents() uint64 {
	return b.dropped.Load()
}

// SubscriberCount reports how many listeners are currently registered;
// used by tests and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
