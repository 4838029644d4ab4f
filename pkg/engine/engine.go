// Package engine wires every fleetsched component together the way the
// teacher's pkg/agent.Agent holds every subsystem behind one Run/Stop
// pair: a context-cancellation-driven set of background goroutines over
// a shared registry, ledger, scheduler, pressure detector, rebalancer
// and agent controller.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"fleetsched/pkg/agentctl"
	"fleetsched/pkg/eventbus"
	"fleetsched/pkg/fleetconfig"
	"fleetsched/pkg/ledger"
	"fleetsched/pkg/metrics"
	"fleetsched/pkg/pressure"
	"fleetsched/pkg/rebalancer"
	"fleetsched/pkg/registry"
	"fleetsched/pkg/resource"
	"fleetsched/pkg/scheduler"
	"fleetsched/pkg/types"
)

// Engine is the top-level fleetsched core: the single object a caller
// constructs and runs, mirroring the teacher's Agent.
type Engine struct {
	cfg *fleetconfig.Config

	Bus        *eventbus.Bus
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Scheduler  *scheduler.Scheduler
	Pressure   *pressure.Detector
	Rebalancer *rebalancer.Rebalancer
	AgentCtl   *agentctl.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	errs []error

	lastDropped uint64
}

// New constructs every subsystem from cfg and wires them together. It
// does not start any background goroutine; call Run for that.
func New(cfg *fleetconfig.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Log()

	bus := eventbus.New(cfg.EventBufferSize)
	reg := registry.New(cfg, bus)
	led := ledger.New()
	sched, err := scheduler.New(cfg, reg, led, bus)
	if err != nil {
		return nil, err
	}
	pd := pressure.New(cfg, bus)
	rb := rebalancer.New(cfg, sched, led, bus)
	ac := agentctl.New(sched, led, bus)

	return &Engine{
		cfg:        cfg,
		Bus:        bus,
		Registry:   reg,
		Ledger:     led,
		Scheduler:  sched,
		Pressure:   pd,
		Rebalancer: rb,
		AgentCtl:   ac,
	}, nil
}

// Run starts every background task — registry heartbeat sweep,
// rebalancer event loop, periodic queue drain and pressure-event
// dropped-event metric export — and returns once ctx is cancelled or
// Shutdown is called. It mirrors the teacher's Agent.Run, which starts
// its sampling/guardrail/optimizer loops as goroutines and blocks on
// <-ctx.Done().
func (e *Engine) Run(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	klog.InfoS("engine starting")

	e.spawn("registry-heartbeat", func(ctx context.Context) error {
		e.Registry.Run(ctx)
		return nil
	})
	e.spawn("rebalancer", func(ctx context.Context) error {
		e.Rebalancer.Run(ctx)
		return nil
	})
	e.spawn("queue-drain", e.drainLoop)
	e.spawn("metrics-export", e.metricsExportLoop)

	<-e.ctx.Done()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	return multierr.Combine(e.errs...)
}

// spawn runs fn in its own goroutine and records any returned error for
// Run to join on shutdown, the way the teacher's Stop() collects nothing
// but Run()'s callers expect one joined error on exit.
func (e *Engine) spawn(name string, fn func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.ctx); err != nil {
			klog.ErrorS(err, "background task exited with error", "task", name)
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// drainLoop periodically retries the pending queue so requests waiting
// on capacity are not starved purely by the absence of a fresh
// ServerStateChanged event (§4.5: drained "on a new report, or on
// release", but also on a plain timer as a backstop).
func (e *Engine) drainLoop(ctx context.Context) error {
	wait.Until(func() {
		e.Scheduler.DrainOnce(ctx)
	}, e.cfg.HeartbeatInterval, ctx.Done())
	return nil
}

// metricsExportLoop periodically pushes registry/ledger/bus state into
// the Prometheus gauges (pkg/metrics), mirroring the teacher's
// samplingLoop cadence but for exported metrics rather than kernel
// signals.
func (e *Engine) metricsExportLoop(ctx context.Context) error {
	wait.Until(func() {
		dropped := e.Bus.DroppedEvents()
		if dropped > e.lastDropped {
			metrics.EventsDropped.Add(float64(dropped - e.lastDropped))
			e.lastDropped = dropped
		}
		metrics.QueueDepth.Set(float64(e.Scheduler.QueueLen()))

		for _, snap := range e.Registry.ListSnapshots() {
			committed := e.Ledger.Committed(snap.ServerId)
			ratios := committedRatios(committed, snap.LastReport)
			metrics.RecordServerHealth(string(snap.ServerId), int(snap.Status), ratios)

			e.Pressure.Observe(snap.ServerId, snap.LastReport, time.Now())
			for _, dim := range []pressure.Dimension{pressure.DimensionCPU, pressure.DimensionMemory, pressure.DimensionGPU} {
				_, _, level := e.Pressure.Analyze(snap.ServerId, dim)
				shadowPrice := e.Pressure.ShadowPrice(snap.ServerId, dim)
				metrics.RecordPressure(string(snap.ServerId), string(dim), int(level), shadowPrice)
			}
		}
	}, e.cfg.HeartbeatInterval, ctx.Done())
	return nil
}

// committedRatios turns a committed/capacity vector pair into the
// per-dimension ratios RecordServerHealth expects.
func committedRatios(committed, capacity resource.Vector) map[string]float64 {
	ratio := func(used, total float64) float64 {
		if total <= 0 {
			return 0
		}
		return used / total
	}
	return map[string]float64{
		"cpu":    ratio(committed.CPUCores, capacity.CPUCores),
		"memory": ratio(float64(committed.MemoryUsedBytes), float64(capacity.MemoryTotalBytes)),
		"disk":   ratio(float64(committed.DiskUsedBytes), float64(capacity.DiskTotalBytes)),
	}
}

// Shutdown stops every background task and waits for them to exit,
// returning the joined errors exactly as Run would on cancellation.
// Mirrors the teacher's Agent.Stop, generalized to actually return the
// accumulated shutdown errors instead of firing-and-forgetting cancel().
func (e *Engine) Shutdown() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	e.Scheduler.Shutdown()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	klog.InfoS("engine stopped")
	return multierr.Combine(e.errs...)
}

// DeregisterServer removes a server from the fleet for good (§4.2:
// operator-driven removal, distinct from the Offline status a missed
// heartbeat produces). Every Active reservation still bound to the
// server is handed to the rebalancer's evacuation path first — the same
// migrate-or-evict handling an Offline transition gets — so nothing is
// left pointing at a server that no longer exists; only then is the
// registry entry deleted and its exported metric series cleared.
func (e *Engine) DeregisterServer(ctx context.Context, id types.ServerId) {
	e.Rebalancer.Evacuate(ctx, id)
	e.Registry.Deregister(id)
	metrics.ClearServerMetrics(string(id), []string{"cpu", "memory", "disk", "gpu"})
}

// Allocate is a thin convenience forwarding to Scheduler.Allocate, so
// callers only need to hold an *Engine.
func (e *Engine) Allocate(ctx context.Context, req scheduler.AllocationRequest) scheduler.AllocationResult {
	return e.Scheduler.Allocate(ctx, req)
}

// IngestReport forwards to Registry.IngestReport.
func (e *Engine) IngestReport(id types.ServerId, report resource.Vector, reportedStatus types.ServerStatus, now time.Time) error {
	return e.Registry.IngestReport(id, report, reportedStatus, now)
}
