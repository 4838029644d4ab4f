package scheduler

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"fleetsched/pkg/types"
)

// pendingItem is one request waiting in the PendingQueue.
type pendingItem struct {
	req     AllocationRequest
	arrival time.Time
	index   int
}

// pendingHeap orders items by (−priority, arrivalTimestamp) — highest
// priority first, FIFO within the same priority class (§4.5 step 5).
type pendingHeap []*pendingItem

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].arrival.Before(h[j].arrival)
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *pendingHeap) Push(x interface{}) {
	item := x.(*pendingItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PendingQueue holds requests that could not be placed immediately but
// carry a non-zero maxQueueWait. The priority ordering lives in a
// container/heap layer; workqueue.Interface underneath provides the
// wake/dedup signal and rate-limited redelivery the drain loop waits
// on, the way the teacher's controllers drive reconciliation off a
// workqueue.
type PendingQueue struct {
	mu    sync.Mutex
	heap  pendingHeap
	items map[types.RequestId]*pendingItem
	wq    workqueue.RateLimitingInterface
}

// NewPendingQueue constructs an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{
		items: make(map[types.RequestId]*pendingItem),
		wq:    workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter()),
	}
}

// Enqueue admits req, returning its 1-based position in priority order.
func (q *PendingQueue) Enqueue(req AllocationRequest, arrival time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &pendingItem{req: req, arrival: arrival}
	heap.Push(&q.heap, item)
	q.items[req.RequestId] = item
	q.wq.Add(req.RequestId)

	return q.positionLocked(req.RequestId)
}

func (q *PendingQueue) positionLocked(id types.RequestId) int {
	ordered := make(pendingHeap, len(q.heap))
	copy(ordered, q.heap)
	sort.Slice(ordered, func(i, j int) bool { return ordered.Less(i, j) })

	for i, item := range ordered {
		if item.req.RequestId == id {
			return i + 1
		}
	}
	return len(ordered)
}

// Remove removes a request from the queue (cancellation, §5). Reports
// whether it was present.
func (q *PendingQueue) Remove(id types.RequestId) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.items, id)
	return true
}

// PopReady blocks (via the underlying workqueue) until a token is
// available, then pops and returns the highest-priority pending item
// regardless of which token woke the loop — tokens are just a wake
// signal, ordering is the heap's job.
func (q *PendingQueue) PopReady() (AllocationRequest, time.Time, bool) {
	token, shutdown := q.wq.Get()
	if shutdown {
		return AllocationRequest{}, time.Time{}, false
	}
	defer q.wq.Done(token)

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return AllocationRequest{}, time.Time{}, false
	}
	item := heap.Pop(&q.heap).(*pendingItem)
	delete(q.items, item.req.RequestId)
	return item.req, item.arrival, true
}

// Len reports how many requests are currently queued.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// ShutDown stops the underlying workqueue, unblocking any PopReady call.
func (q *PendingQueue) ShutDown() {
	q.wq.ShutDown()
}
