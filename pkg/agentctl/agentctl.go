// Package agentctl implements C8, the AgentController: per-agent QoS
// profiles, auto-scaling decisions driven off usage samples, and
// health-check failure tracking, mirroring the teacher's per-entity
// RWMutex-guarded map pattern from pkg/agent/informer.go generalized to
// per-profile locking (§5: "scaling decisions serialize per profile").
package agentctl

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"fleetsched/pkg/eventbus"
	"fleetsched/pkg/ferr"
	"fleetsched/pkg/ledger"
	"fleetsched/pkg/resource"
	"fleetsched/pkg/scheduler"
	"fleetsched/pkg/types"
)

// ResourceWindow is the preferred/minimum/maximum floor an agent's
// reservations are sized against, and the §4.8 scaling thresholds.
type ResourceWindow struct {
	Minimum   resource.Requirements
	Preferred resource.Requirements
	Maximum   resource.Requirements

	MinReplicas           int
	MaxReplicas           int
	UpThresholdPercent    float64
	DownThresholdPercent  float64
	UpCooldown            time.Duration
	DownCooldown          time.Duration
}

// HealthCheckPolicy controls how many consecutive failures are
// tolerated before AgentUnhealthy fires.
type HealthCheckPolicy struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// AgentProfile is the §4.8 entity owned by AgentController.
type AgentProfile struct {
	mu sync.Mutex

	AgentId   types.AgentId
	AgentType types.AgentType
	QoSClass  types.QoSClass
	Priority  types.Priority
	Window    ResourceWindow
	Health    HealthCheckPolicy

	ReplicaCount       int
	LastScaleUpAt      time.Time
	LastScaleDownAt    time.Time
	consecutiveFailures int
}

// snapshot returns a value copy safe to hand to callers (no embedded
// mutex).
func (p *AgentProfile) snapshot() AgentProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *p
	cp.mu = sync.Mutex{}
	return cp
}

// Controller owns every registered AgentProfile and drives §4.8's
// auto-scaling and health-check logic against the scheduler.
type Controller struct {
	sched *scheduler.Scheduler
	led   *ledger.Ledger
	bus   *eventbus.Bus

	mu       sync.RWMutex
	profiles map[types.AgentId]*AgentProfile

	predictor *predictor
}

// New constructs a Controller wired to the scheduler/ledger/bus the
// same way Rebalancer and PressureDetector are wired.
func New(sched *scheduler.Scheduler, led *ledger.Ledger, bus *eventbus.Bus) *Controller {
	return &Controller{
		sched:     sched,
		led:       led,
		bus:       bus,
		profiles:  make(map[types.AgentId]*AgentProfile),
		predictor: newPredictor(),
	}
}

// Register creates (or replaces) an AgentProfile.
func (c *Controller) Register(profile AgentProfile) {
	if profile.Window.MinReplicas < 0 {
		profile.Window.MinReplicas = 0
	}
	if profile.Window.MaxReplicas < profile.Window.MinReplicas {
		profile.Window.MaxReplicas = profile.Window.MinReplicas
	}
	if profile.ReplicaCount < profile.Window.MinReplicas {
		profile.ReplicaCount = profile.Window.MinReplicas
	}

	stored := &AgentProfile{
		AgentId:      profile.AgentId,
		AgentType:    profile.AgentType,
		QoSClass:     profile.QoSClass,
		Priority:     profile.Priority,
		Window:       profile.Window,
		Health:       profile.Health,
		ReplicaCount: profile.ReplicaCount,
	}

	c.mu.Lock()
	c.profiles[profile.AgentId] = stored
	c.mu.Unlock()

	klog.V(3).InfoS("agent registered", "agent", profile.AgentId, "qos", profile.QoSClass, "replicas", stored.ReplicaCount)
}

// Deregister removes an AgentProfile and its predictor state. It does
// not release any outstanding reservations; callers that want that
// should Release them first.
func (c *Controller) Deregister(id types.AgentId) {
	c.mu.Lock()
	delete(c.profiles, id)
	c.mu.Unlock()
	c.predictor.reset(id)
}

// Get returns a snapshot of a profile.
func (c *Controller) Get(id types.AgentId) (AgentProfile, bool) {
	c.mu.RLock()
	p, ok := c.profiles[id]
	c.mu.RUnlock()
	if !ok {
		return AgentProfile{}, false
	}
	return p.snapshot(), true
}

// grantedRequirements picks the Requirements floor appropriate to the
// profile's QoS class (§4.8): Guaranteed always asks for its preferred
// amount, Burstable/BestEffort ask for their minimum.
func grantedRequirements(p *AgentProfile) resource.Requirements {
	if p.QoSClass == types.QoSGuaranteed {
		return p.Window.Preferred
	}
	return p.Window.Minimum
}

// ScaleUp commits one additional reservation for the agent, bypassing
// the cooldown/threshold checks reportUsage applies — a direct,
// caller-driven scale-up (e.g. from an operator action).
func (c *Controller) ScaleUp(ctx context.Context, id types.AgentId) scheduler.AllocationResult {
	c.mu.RLock()
	p, ok := c.profiles[id]
	c.mu.RUnlock()
	if !ok {
		return scheduler.AllocationResult{Kind: scheduler.ResultFailed, Err: ferr.New(ferr.KindUnknownRequest, "unknown agent %q", id)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return c.scaleUpLocked(ctx, p)
}

func (c *Controller) scaleUpLocked(ctx context.Context, p *AgentProfile) scheduler.AllocationResult {
	result := c.sched.Allocate(ctx, scheduler.AllocationRequest{
		RequestId: ledger.NewRequestId(),
		AgentId:   p.AgentId,
		AgentType: p.AgentType,
		Requested: grantedRequirements(p),
		Priority:  p.Priority,
		QoSClass:  p.QoSClass,
	})
	if result.Kind == scheduler.ResultCommitted {
		p.ReplicaCount++
		p.LastScaleUpAt = time.Now()
		klog.V(2).InfoS("agent scaled up", "agent", p.AgentId, "replicas", p.ReplicaCount)
	}
	return result
}

// ScaleDown releases the agent's newest reservation directly,
// bypassing the cooldown/threshold checks reportUsage applies.
func (c *Controller) ScaleDown(ctx context.Context, id types.AgentId) bool {
	c.mu.RLock()
	p, ok := c.profiles[id]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return c.scaleDownLocked(ctx, p)
}

func (c *Controller) scaleDownLocked(ctx context.Context, p *AgentProfile) bool {
	newest, ok := c.newestReservation(p.AgentId)
	if !ok {
		return false
	}
	if !c.sched.Release(ctx, newest.RequestId, types.ReleaseClient) {
		return false
	}
	if p.ReplicaCount > 0 {
		p.ReplicaCount--
	}
	p.LastScaleDownAt = time.Now()
	klog.V(2).InfoS("agent scaled down", "agent", p.AgentId, "replicas", p.ReplicaCount)
	return true
}

func (c *Controller) newestReservation(id types.AgentId) (ledger.Reservation, bool) {
	all := c.led.ListByAgent(id)
	var newest ledger.Reservation
	found := false
	for _, res := range all {
		if res.State != types.ReservationActive {
			continue
		}
		if !found || res.CreatedAt.After(newest.CreatedAt) {
			newest = res
			found = true
		}
	}
	return newest, found
}

// ReportUsage feeds one usage sample (a CPU-utilization percentage) into
// the profile's auto-scaling logic and Kalman predictor (§4.8).
func (c *Controller) ReportUsage(ctx context.Context, id types.AgentId, usagePercent float64) {
	c.mu.RLock()
	p, ok := c.profiles[id]
	c.mu.RUnlock()
	if !ok {
		return
	}

	c.predictor.observe(id, usagePercent)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	w := p.Window

	if usagePercent > w.UpThresholdPercent &&
		now.Sub(p.LastScaleUpAt) >= w.UpCooldown &&
		p.ReplicaCount < w.MaxReplicas {
		c.scaleUpLocked(ctx, p)
		return
	}

	if usagePercent < w.DownThresholdPercent &&
		now.Sub(p.LastScaleDownAt) >= w.DownCooldown &&
		p.ReplicaCount > w.MinReplicas {
		c.scaleDownLocked(ctx, p)
	}
}

// PredictedUsage is the supplemented look-ahead signal: a one-step
// Kalman-filtered forecast of the agent's next usage sample, generalized
// from the teacher's pkg/agent/demand.Predictor. It never drives scaling
// on its own — §4.8's threshold/cooldown rules are unchanged.
func (c *Controller) PredictedUsage(id types.AgentId) float64 {
	c.predictor.mu.Lock()
	defer c.predictor.mu.Unlock()
	s, ok := c.predictor.state[id]
	if !ok {
		return 0
	}
	return clamp(s.demand+s.velocity, 0, 100)
}

// HealthCheckTick records one health-check outcome; after Health.Retries
// consecutive failures it emits AgentUnhealthy (§4.8).
func (c *Controller) HealthCheckTick(id types.AgentId, healthy bool) {
	c.mu.RLock()
	p, ok := c.profiles[id]
	c.mu.RUnlock()
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if healthy {
		p.consecutiveFailures = 0
		return
	}

	p.consecutiveFailures++
	if p.consecutiveFailures >= p.Health.Retries && p.Health.Retries > 0 {
		klog.V(1).InfoS("agent unhealthy", "agent", id, "consecutiveFailures", p.consecutiveFailures)
		c.bus.Publish(eventbus.AgentUnhealthy{AgentId: id, ConsecutiveFailures: p.consecutiveFailures})
		p.consecutiveFailures = 0
	}
}

// ShedOrder ranks a set of agent ids by how eagerly they should be shed:
// BestEffort first, then Burstable, then Guaranteed (§4.8 QoS meaning).
// Ties within a class keep input order.
func (c *Controller) ShedOrder(ids []types.AgentId) []types.AgentId {
	rank := func(id types.AgentId) int {
		c.mu.RLock()
		p, ok := c.profiles[id]
		c.mu.RUnlock()
		if !ok {
			return 0
		}
		switch p.QoSClass {
		case types.QoSBestEffort:
			return 0
		case types.QoSBurstable:
			return 1
		default:
			return 2
		}
	}

	out := append([]types.AgentId(nil), ids...)
	// stable insertion sort by rank: the agent count per shed pass is
	// small, and stability preserves the caller's tie-break ordering.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rank(out[j]) < rank(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
