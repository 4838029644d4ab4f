package agentctl

import (
	"context"
	"testing"
	"time"

	"fleetsched/pkg/eventbus"
	"fleetsched/pkg/fleetconfig"
	"fleetsched/pkg/ledger"
	"fleetsched/pkg/registry"
	"fleetsched/pkg/resource"
	"fleetsched/pkg/scheduler"
	"fleetsched/pkg/types"
)

func newTestController(t *testing.T) (*Controller, *scheduler.Scheduler, *registry.Registry) {
	t.Helper()
	cfg := fleetconfig.DefaultConfig()
	bus := eventbus.New(32)
	reg := registry.New(cfg, bus)
	led := ledger.New()
	sched, err := scheduler.New(cfg, reg, led, bus)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return New(sched, led, bus), sched, reg
}

func testProfile(id types.AgentId) AgentProfile {
	return AgentProfile{
		AgentId:   id,
		AgentType: "worker",
		QoSClass:  types.QoSBurstable,
		Priority:  types.PriorityNormal,
		Window: ResourceWindow{
			Minimum:              resource.Requirements{CPUCores: 1, MemoryBytes: 1 << 20},
			Preferred:            resource.Requirements{CPUCores: 2, MemoryBytes: 2 << 20},
			MinReplicas:          0,
			MaxReplicas:          3,
			UpThresholdPercent:   80,
			DownThresholdPercent: 20,
			UpCooldown:           0,
			DownCooldown:         0,
		},
		Health: HealthCheckPolicy{Retries: 3},
	}
}

func TestRegister_ClampsReplicaCountToMinimum(t *testing.T) {
	c, _, _ := newTestController(t)
	p := testProfile("a1")
	p.Window.MinReplicas = 2
	c.Register(p)

	got, ok := c.Get("a1")
	if !ok {
		t.Fatalf("expected profile to be registered")
	}
	if got.ReplicaCount != 2 {
		t.Errorf("expected replica count clamped to minReplicas=2, got %d", got.ReplicaCount)
	}
}

func TestReportUsage_ScalesUpAboveThreshold(t *testing.T) {
	c, _, reg := newTestController(t)
	reg.IngestReport("s1", resource.Vector{CPUCores: 10, MemoryTotalBytes: 10 << 30}, types.ServerHealthy, time.Now())
	c.Register(testProfile("a1"))

	c.ReportUsage(context.Background(), "a1", 95)

	got, _ := c.Get("a1")
	if got.ReplicaCount != 1 {
		t.Errorf("expected scale up to raise replica count to 1, got %d", got.ReplicaCount)
	}
}

func TestReportUsage_RespectsMaxReplicas(t *testing.T) {
	c, _, reg := newTestController(t)
	reg.IngestReport("s1", resource.Vector{CPUCores: 10, MemoryTotalBytes: 10 << 30}, types.ServerHealthy, time.Now())
	p := testProfile("a1")
	p.Window.MaxReplicas = 1
	c.Register(p)

	c.ReportUsage(context.Background(), "a1", 95)
	c.ReportUsage(context.Background(), "a1", 95)

	got, _ := c.Get("a1")
	if got.ReplicaCount != 1 {
		t.Errorf("expected replica count capped at maxReplicas=1, got %d", got.ReplicaCount)
	}
}

func TestReportUsage_ScalesDownBelowThresholdAndReleasesNewest(t *testing.T) {
	c, sched, reg := newTestController(t)
	reg.IngestReport("s1", resource.Vector{CPUCores: 10, MemoryTotalBytes: 10 << 30}, types.ServerHealthy, time.Now())
	p := testProfile("a1")
	p.Window.MinReplicas = 0
	c.Register(p)

	r1 := sched.Allocate(context.Background(), scheduler.AllocationRequest{
		RequestId: "r1", AgentId: "a1", Requested: resource.Requirements{CPUCores: 1, MemoryBytes: 1 << 20},
		Priority: types.PriorityNormal,
	})
	if r1.Kind != scheduler.ResultCommitted {
		t.Fatalf("setup allocation failed: %+v", r1)
	}
	c.Register(AgentProfile{
		AgentId: "a1", AgentType: "worker", QoSClass: types.QoSBurstable, Priority: types.PriorityNormal,
		Window: p.Window, Health: p.Health, ReplicaCount: 1,
	})

	c.ReportUsage(context.Background(), "a1", 5)

	got, _ := c.Get("a1")
	if got.ReplicaCount != 0 {
		t.Errorf("expected scale down to drop replica count to 0, got %d", got.ReplicaCount)
	}
}

func TestHealthCheckTick_EmitsAfterConsecutiveFailures(t *testing.T) {
	c, _, _ := newTestController(t)
	bus := eventbus.New(16)
	c.bus = bus
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	p := testProfile("a1")
	p.Health.Retries = 2
	c.Register(p)

	c.HealthCheckTick("a1", false)
	c.HealthCheckTick("a1", false)

	select {
	case evt := <-ch:
		if _, ok := evt.Payload.(eventbus.AgentUnhealthy); !ok {
			t.Errorf("expected AgentUnhealthy event, got %T", evt.Payload)
		}
	default:
		t.Errorf("expected an event to be published after 2 consecutive failures")
	}
}

func TestHealthCheckTick_ResetsOnSuccess(t *testing.T) {
	c, _, _ := newTestController(t)
	bus := eventbus.New(16)
	c.bus = bus
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	p := testProfile("a1")
	p.Health.Retries = 2
	c.Register(p)

	c.HealthCheckTick("a1", false)
	c.HealthCheckTick("a1", true)
	c.HealthCheckTick("a1", false)

	select {
	case evt := <-ch:
		t.Errorf("expected no event after a reset, got %v", evt)
	default:
	}
}

func TestShedOrder_BestEffortBeforeBurstableBeforeGuaranteed(t *testing.T) {
	c, _, _ := newTestController(t)

	guaranteed := testProfile("guaranteed")
	guaranteed.QoSClass = types.QoSGuaranteed
	c.Register(guaranteed)

	burstable := testProfile("burstable")
	burstable.QoSClass = types.QoSBurstable
	c.Register(burstable)

	bestEffort := testProfile("besteffort")
	bestEffort.QoSClass = types.QoSBestEffort
	c.Register(bestEffort)

	order := c.ShedOrder([]types.AgentId{"guaranteed", "burstable", "besteffort"})
	want := []types.AgentId{"besteffort", "burstable", "guaranteed"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("unexpected shed order: got %v want %v", order, want)
			break
		}
	}
}

func TestPredictedUsage_ReflectsRecentTrend(t *testing.T) {
	c, _, _ := newTestController(t)
	c.Register(testProfile("a1"))

	for _, v := range []float64{10, 20, 30, 40} {
		c.ReportUsage(context.Background(), "a1", v)
	}

	predicted := c.PredictedUsage("a1")
	if predicted <= 0 {
		t.Errorf("expected a positive predicted usage after an increasing trend, got %v", predicted)
	}
}

func TestGet_UnknownAgentReturnsFalse(t *testing.T) {
	c, _, _ := newTestController(t)
	if _, ok := c.Get("nope"); ok {
		t.Errorf("expected unknown agent lookup to fail")
	}
}
