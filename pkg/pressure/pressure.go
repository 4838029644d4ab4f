// Package pressure implements C6, the PressureDetector: bounded
// circular buffers of utilization samples per server/dimension,
// classification against thresholds, linear-trend prediction and
// anomaly flagging, and a shadow-price signal derived from current
// pressure the way the teacher's pkg/price computes Lagrange
// multipliers from a bargaining optimum and pkg/stability tracks a
// bounded, mutex-guarded history.
package pressure

import (
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"k8s.io/klog/v2"

	"fleetsched/pkg/eventbus"
	"fleetsched/pkg/fleetconfig"
	"fleetsched/pkg/resource"
	"fleetsched/pkg/types"
)

// Dimension names the axes the detector tracks independently.
type Dimension string

const (
	DimensionCPU    Dimension = "cpu"
	DimensionMemory Dimension = "memory"
	DimensionGPU    Dimension = "gpu"
)

// Sample is one PressureSample (§3).
type Sample struct {
	TimestampNanos int64
	Values         map[Dimension]float64
	Level          types.PressureLevel
}

type window struct {
	buf  []float64
	head int
	size int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]float64, capacity)}
}

func (w *window) push(v float64) {
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	if w.size < len(w.buf) {
		w.size++
	}
}

func (w *window) values() []float64 {
	if w.size < len(w.buf) {
		return append([]float64(nil), w.buf[:w.size]...)
	}
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// linearTrend returns the least-squares slope of xs against sample
// index, used both for trend reporting and for predict(horizon).
func linearTrend(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range xs {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (nf*sumXY - sumX*sumY) / denom
}

// timedSample is one (timestamp, value) observation fed to a
// movingWindow.
type timedSample struct {
	at    time.Time
	value float64
}

// movingWindow keeps every sample younger than maxAge, trimming older
// ones on each push, and reports their mean — the §4.6 "1-min, 5-min
// moving average" requirement. Unlike window (a fixed-sample-count
// ring buffer), it is wall-clock based so it stays accurate regardless
// of the server's reporting interval.
type movingWindow struct {
	maxAge  time.Duration
	samples []timedSample
}

func newMovingWindow(maxAge time.Duration) *movingWindow {
	return &movingWindow{maxAge: maxAge}
}

func (m *movingWindow) push(now time.Time, v float64) {
	m.samples = append(m.samples, timedSample{at: now, value: v})
	cutoff := now.Add(-m.maxAge)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append([]timedSample(nil), m.samples[i:]...)
	}
}

func (m *movingWindow) mean() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range m.samples {
		sum += s.value
	}
	return sum / float64(len(m.samples))
}

type serverWindows struct {
	mu      sync.Mutex
	windows map[Dimension]*window
	last1m  map[Dimension]*movingWindow
	last5m  map[Dimension]*movingWindow
}

// Detector is the PressureDetector of C6.
type Detector struct {
	cfg      *fleetconfig.Config
	bus      *eventbus.Bus
	mu       sync.Mutex
	servers  map[types.ServerId]*serverWindows
	cooldown *cache.Cache
}

// New constructs a Detector. windowSamples is cfg.PressureWindowSamples
// (default 100, ≈8 minutes at a 5s sampling interval); alertCooldown is
// cfg.AlertCooldown (default 60s).
func New(cfg *fleetconfig.Config, bus *eventbus.Bus) *Detector {
	return &Detector{
		cfg:      cfg,
		bus:      bus,
		servers:  make(map[types.ServerId]*serverWindows),
		cooldown: cache.New(cfg.AlertCooldown, cfg.AlertCooldown*2),
	}
}

func (d *Detector) windowsFor(id types.ServerId) *serverWindows {
	d.mu.Lock()
	defer d.mu.Unlock()
	sw, ok := d.servers[id]
	if !ok {
		sw = &serverWindows{
			windows: map[Dimension]*window{
				DimensionCPU:    newWindow(d.cfg.PressureWindowSamples),
				DimensionMemory: newWindow(d.cfg.PressureWindowSamples),
				DimensionGPU:    newWindow(d.cfg.PressureWindowSamples),
			},
			last1m: map[Dimension]*movingWindow{
				DimensionCPU:    newMovingWindow(time.Minute),
				DimensionMemory: newMovingWindow(time.Minute),
				DimensionGPU:    newMovingWindow(time.Minute),
			},
			last5m: map[Dimension]*movingWindow{
				DimensionCPU:    newMovingWindow(5 * time.Minute),
				DimensionMemory: newMovingWindow(5 * time.Minute),
				DimensionGPU:    newMovingWindow(5 * time.Minute),
			},
		}
		d.servers[id] = sw
	}
	return sw
}

// Observe feeds a new resource report into the server's windows and
// reclassifies its pressure level (§4.6).
func (d *Detector) Observe(id types.ServerId, report resource.Vector, now time.Time) types.PressureLevel {
	sw := d.windowsFor(id)

	sw.mu.Lock()
	cpu := report.UtilizationOf(resource.DimensionCPU)
	mem := report.UtilizationOf(resource.DimensionMemory)
	gpu := report.UtilizationOf(resource.DimensionGPU)
	sw.windows[DimensionCPU].push(cpu)
	sw.windows[DimensionMemory].push(mem)
	sw.windows[DimensionGPU].push(gpu)
	sw.last1m[DimensionCPU].push(now, cpu)
	sw.last1m[DimensionMemory].push(now, mem)
	sw.last1m[DimensionGPU].push(now, gpu)
	sw.last5m[DimensionCPU].push(now, cpu)
	sw.last5m[DimensionMemory].push(now, mem)
	sw.last5m[DimensionGPU].push(now, gpu)
	sw.mu.Unlock()

	cpuLevel := d.classify(cpu, d.cfg.CPUWarnPct, d.cfg.CPUCritPct)
	memLevel := d.classify(mem, d.cfg.MemWarnPct, d.cfg.MemCritPct)
	gpuLevel := types.PressureNormal
	if len(report.GPUs) > 0 {
		gpuLevel = d.classify(gpu, d.cfg.GPUWarnPct, d.cfg.GPUCritPct)
	}

	serverLevel := maxLevel(cpuLevel, memLevel, gpuLevel)
	d.maybeAlert(id, DimensionCPU, cpuLevel)
	d.maybeAlert(id, DimensionMemory, memLevel)
	if len(report.GPUs) > 0 {
		d.maybeAlert(id, DimensionGPU, gpuLevel)
	}
	d.detectAnomaly(sw, id, DimensionCPU, cpu)
	d.detectAnomaly(sw, id, DimensionMemory, mem)
	if len(report.GPUs) > 0 {
		d.detectAnomaly(sw, id, DimensionGPU, gpu)
	}

	return serverLevel
}

// classify maps a utilization percentage to a PressureLevel using the
// §4.6 thresholds: Normal<warning, Moderate∈[warning,critical),
// High∈[critical,95), Critical∈[95,98), Emergency≥98.
func (d *Detector) classify(value, warn, crit float64) types.PressureLevel {
	switch {
	case value >= 98:
		return types.PressureEmergency
	case value >= 95:
		return types.PressureCritical
	case value >= crit:
		return types.PressureHigh
	case value >= warn:
		return types.PressureModerate
	default:
		return types.PressureNormal
	}
}

func maxLevel(levels ...types.PressureLevel) types.PressureLevel {
	max := types.PressureNormal
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}

func (d *Detector) maybeAlert(id types.ServerId, dim Dimension, level types.PressureLevel) {
	key := string(id) + "|" + string(dim) + "|" + level.String()
	if _, found := d.cooldown.Get(key); found {
		return
	}
	d.cooldown.SetDefault(key, struct{}{})

	klog.V(3).InfoS("pressure level classified", "server", id, "dimension", dim, "level", level)
	if d.bus != nil {
		d.bus.Publish(eventbus.PressureLevelChanged{ServerId: id, Dimension: string(dim), NewLevel: level})
	}
}

// detectAnomaly flags samples more than 2σ from the window's mean
// (§4.6); anomalies are logged, not separately eventable in this
// version.
func (d *Detector) detectAnomaly(sw *serverWindows, id types.ServerId, dim Dimension, latest float64) {
	sw.mu.Lock()
	xs := sw.windows[dim].values()
	sw.mu.Unlock()

	if len(xs) < 5 {
		return
	}
	m := mean(xs)
	sd := stddev(xs, m)
	if sd == 0 {
		return
	}
	if math.Abs(latest-m) > 2*sd {
		klog.V(4).InfoS("pressure anomaly detected", "server", id, "dimension", dim, "value", latest, "mean", m, "stddev", sd)
	}
}

// Analyze returns the current classification, trend slope and latest
// value for a server/dimension (the "analyze(serverId)" public op).
func (d *Detector) Analyze(id types.ServerId, dim Dimension) (latest, slope float64, level types.PressureLevel) {
	sw := d.windowsFor(id)
	sw.mu.Lock()
	xs := sw.windows[dim].values()
	sw.mu.Unlock()

	if len(xs) == 0 {
		return 0, 0, types.PressureNormal
	}
	latest = xs[len(xs)-1]
	slope = linearTrend(xs)

	var warn, crit float64
	switch dim {
	case DimensionCPU:
		warn, crit = d.cfg.CPUWarnPct, d.cfg.CPUCritPct
	case DimensionMemory:
		warn, crit = d.cfg.MemWarnPct, d.cfg.MemCritPct
	case DimensionGPU:
		warn, crit = d.cfg.GPUWarnPct, d.cfg.GPUCritPct
	}
	level = d.classify(latest, warn, crit)
	return latest, slope, level
}

// MovingAverages returns the 1-minute and 5-minute wall-clock moving
// averages for a server/dimension (§4.6: "updates moving averages
// (1-min, 5-min)" on every sample).
func (d *Detector) MovingAverages(id types.ServerId, dim Dimension) (oneMin, fiveMin float64) {
	sw := d.windowsFor(id)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.last1m[dim].mean(), sw.last5m[dim].mean()
}

// Predict returns lastValue + slope·steps clamped to [0,100], the
// detector's "predict(horizon)" operation.
func (d *Detector) Predict(id types.ServerId, dim Dimension, steps float64) float64 {
	latest, slope, _ := d.Analyze(id, dim)
	v := latest + slope*steps
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return v
}

// ShadowPrice computes a Lagrange-multiplier-style price for a
// server/dimension from its current pressure level: the higher the
// pressure, the steeper the price, following the same "utilization
// scales a base price" heuristic as the teacher's
// price.ComputeShadowPrices fallback branch.
func (d *Detector) ShadowPrice(id types.ServerId, dim Dimension) float64 {
	latest, _, _ := d.Analyze(id, dim)
	utilization := latest / 100
	switch {
	case utilization >= 0.98:
		return utilization * 50
	case utilization >= 0.95:
		return utilization * 20
	case utilization >= 0.80:
		return utilization * 5
	default:
		return utilization
	}
}
