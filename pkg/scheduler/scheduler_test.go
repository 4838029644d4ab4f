package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fleetsched/pkg/eventbus"
	"fleetsched/pkg/fleetconfig"
	"fleetsched/pkg/ledger"
	"fleetsched/pkg/metrics"
	"fleetsched/pkg/registry"
	"fleetsched/pkg/resource"
	"fleetsched/pkg/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry, *eventbus.Bus) {
	t.Helper()
	cfg := fleetconfig.DefaultConfig()
	bus := eventbus.New(32)
	reg := registry.New(cfg, bus)
	led := ledger.New()
	s, err := New(cfg, reg, led, bus)
	if err != nil {
		t.Fatalf("unexpected error building scheduler: %v", err)
	}
	return s, reg, bus
}

func TestAllocate_CommitsOnHealthyServer(t *testing.T) {
	s, reg, _ := newTestScheduler(t)
	reg.IngestReport("s1", resource.Vector{CPUCores: 8, MemoryTotalBytes: 16 << 30}, types.ServerHealthy, time.Now())

	result := s.Allocate(context.Background(), AllocationRequest{
		RequestId: "r1",
		AgentId:   "a1",
		Requested: resource.Requirements{CPUCores: 2, MemoryBytes: 1 << 30},
		Priority:  types.PriorityNormal,
	})
	if result.Kind != ResultCommitted {
		t.Fatalf("expected commit, got kind=%v err=%v", result.Kind, result.Err)
	}
	if result.ServerId != "s1" {
		t.Errorf("expected s1, got %v", result.ServerId)
	}
}

func TestAllocate_InvalidRequestFails(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	result := s.Allocate(context.Background(), AllocationRequest{RequestId: "r1"})
	if result.Kind != ResultFailed {
		t.Fatalf("expected failure for empty agentId, got %v", result.Kind)
	}
}

func TestAllocate_CommitAndFailureCountersIncrement(t *testing.T) {
	s, reg, _ := newTestScheduler(t)
	reg.IngestReport("s1", resource.Vector{CPUCores: 8, MemoryTotalBytes: 16 << 30}, types.ServerHealthy, time.Now())

	before := testutil.ToFloat64(metrics.AllocationsCommitted.WithLabelValues(string(fleetconfig.DefaultConfig().DefaultStrategy)))
	s.Allocate(context.Background(), AllocationRequest{RequestId: "r1", AgentId: "a1", Requested: resource.Requirements{CPUCores: 2, MemoryBytes: 1 << 30}, Priority: types.PriorityNormal})
	after := testutil.ToFloat64(metrics.AllocationsCommitted.WithLabelValues(string(fleetconfig.DefaultConfig().DefaultStrategy)))
	if after != before+1 {
		t.Errorf("expected AllocationsCommitted to increment by 1, went %v -> %v", before, after)
	}

	failBefore := testutil.ToFloat64(metrics.AllocationsFailed.WithLabelValues("InvalidRequest"))
	s.Allocate(context.Background(), AllocationRequest{RequestId: "r2"})
	failAfter := testutil.ToFloat64(metrics.AllocationsFailed.WithLabelValues("InvalidRequest"))
	if failAfter != failBefore+1 {
		t.Errorf("expected AllocationsFailed{InvalidRequest} to increment by 1, went %v -> %v", failBefore, failAfter)
	}
}

func TestAllocate_QueuesWhenNoCapacityAndWaitRequested(t *testing.T) {
	s, reg, _ := newTestScheduler(t)
	reg.IngestReport("s1", resource.Vector{CPUCores: 1, MemoryTotalBytes: 1 << 30}, types.ServerHealthy, time.Now())

	result := s.Allocate(context.Background(), AllocationRequest{
		RequestId:    "r1",
		AgentId:      "a1",
		Requested:    resource.Requirements{CPUCores: 4, MemoryBytes: 1 << 20},
		Priority:     types.PriorityNormal,
		MaxQueueWait: time.Minute,
	})
	if result.Kind != ResultQueued {
		t.Fatalf("expected queued, got %v err=%v", result.Kind, result.Err)
	}
	if s.QueueLen() != 1 {
		t.Errorf("expected 1 item queued, got %d", s.QueueLen())
	}
}

func TestAllocate_NoCapacityFailsWithoutWait(t *testing.T) {
	s, reg, _ := newTestScheduler(t)
	reg.IngestReport("s1", resource.Vector{CPUCores: 1, MemoryTotalBytes: 1 << 30}, types.ServerHealthy, time.Now())

	result := s.Allocate(context.Background(), AllocationRequest{
		RequestId: "r1",
		AgentId:   "a1",
		Requested: resource.Requirements{CPUCores: 4, MemoryBytes: 1 << 20},
		Priority:  types.PriorityNormal,
	})
	if result.Kind != ResultFailed {
		t.Fatalf("expected failure, got %v", result.Kind)
	}
}

func TestAllocate_IsIdempotentOnRequestId(t *testing.T) {
	s, reg, _ := newTestScheduler(t)
	reg.IngestReport("s1", resource.Vector{CPUCores: 8, MemoryTotalBytes: 16 << 30}, types.ServerHealthy, time.Now())

	req := AllocationRequest{RequestId: "r1", AgentId: "a1", Requested: resource.Requirements{CPUCores: 2, MemoryBytes: 1 << 30}, Priority: types.PriorityNormal}
	first := s.Allocate(context.Background(), req)
	second := s.Allocate(context.Background(), req)
	if first.ServerId != second.ServerId {
		t.Errorf("expected idempotent result, got %v then %v", first.ServerId, second.ServerId)
	}
}

func TestRelease_FreesCapacityForDrain(t *testing.T) {
	s, reg, _ := newTestScheduler(t)
	reg.IngestReport("s1", resource.Vector{CPUCores: 4, MemoryTotalBytes: 4 << 30}, types.ServerHealthy, time.Now())

	s.Allocate(context.Background(), AllocationRequest{RequestId: "r1", AgentId: "a1", Requested: resource.Requirements{CPUCores: 4, MemoryBytes: 1 << 20}, Priority: types.PriorityNormal})

	queued := s.Allocate(context.Background(), AllocationRequest{RequestId: "r2", AgentId: "a2", Requested: resource.Requirements{CPUCores: 2, MemoryBytes: 1 << 20}, Priority: types.PriorityNormal, MaxQueueWait: time.Minute})
	if queued.Kind != ResultQueued {
		t.Fatalf("expected r2 queued, got %v", queued.Kind)
	}

	if !s.Release(context.Background(), "r1", types.ReleaseClient) {
		t.Fatalf("expected release to succeed")
	}
	if s.QueueLen() != 0 {
		t.Errorf("expected drain to clear the queue, got len=%d", s.QueueLen())
	}
}

func TestCancelQueued_RemovesRequest(t *testing.T) {
	s, reg, _ := newTestScheduler(t)
	reg.IngestReport("s1", resource.Vector{CPUCores: 1, MemoryTotalBytes: 1 << 30}, types.ServerHealthy, time.Now())

	s.Allocate(context.Background(), AllocationRequest{RequestId: "r1", AgentId: "a1", Requested: resource.Requirements{CPUCores: 4, MemoryBytes: 1 << 20}, Priority: types.PriorityNormal, MaxQueueWait: time.Minute})
	if !s.CancelQueued("r1") {
		t.Errorf("expected cancel to succeed")
	}
	if s.QueueLen() != 0 {
		t.Errorf("expected queue empty after cancel, got %d", s.QueueLen())
	}
}
