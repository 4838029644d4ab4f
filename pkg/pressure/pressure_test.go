package pressure

import (
	"testing"
	"time"

	"fleetsched/pkg/eventbus"
	"fleetsched/pkg/fleetconfig"
	"fleetsched/pkg/resource"
	"fleetsched/pkg/types"
)

func newTestDetector() *Detector {
	cfg := fleetconfig.DefaultConfig()
	return New(cfg, eventbus.New(16))
}

func TestObserve_ClassifiesNormal(t *testing.T) {
	d := newTestDetector()
	level := d.Observe("s1", resource.Vector{CPUUsagePercent: 20, MemoryTotalBytes: 100, MemoryUsedBytes: 10}, time.Now())
	if level != types.PressureNormal {
		t.Errorf("expected Normal, got %v", level)
	}
}

func TestObserve_ClassifiesEmergency(t *testing.T) {
	d := newTestDetector()
	level := d.Observe("s1", resource.Vector{CPUUsagePercent: 99, MemoryTotalBytes: 100, MemoryUsedBytes: 10}, time.Now())
	if level != types.PressureEmergency {
		t.Errorf("expected Emergency at 99%% cpu, got %v", level)
	}
}

func TestAnalyze_ReportsIncreasingTrend(t *testing.T) {
	d := newTestDetector()
	now := time.Now()
	for i, v := range []float64{10, 20, 30, 40, 50} {
		d.Observe("s1", resource.Vector{CPUUsagePercent: v}, now.Add(time.Duration(i)*time.Second))
	}
	_, slope, _ := d.Analyze("s1", DimensionCPU)
	if slope <= 0 {
		t.Errorf("expected positive slope for increasing samples, got %v", slope)
	}
}

func TestPredict_ClampsToHundred(t *testing.T) {
	d := newTestDetector()
	now := time.Now()
	for i, v := range []float64{90, 95, 99} {
		d.Observe("s1", resource.Vector{CPUUsagePercent: v}, now.Add(time.Duration(i)*time.Second))
	}
	predicted := d.Predict("s1", DimensionCPU, 100)
	if predicted > 100 {
		t.Errorf("expected prediction clamped to 100, got %v", predicted)
	}
}

func TestShadowPrice_HigherUnderPressure(t *testing.T) {
	d := newTestDetector()
	d.Observe("s1", resource.Vector{CPUUsagePercent: 20}, time.Now())
	low := d.ShadowPrice("s1", DimensionCPU)

	d2 := newTestDetector()
	d2.Observe("s1", resource.Vector{CPUUsagePercent: 99}, time.Now())
	high := d2.ShadowPrice("s1", DimensionCPU)

	if high <= low {
		t.Errorf("expected shadow price to rise with pressure: low=%v high=%v", low, high)
	}
}

func TestMovingAverages_ReflectsRecentAndExcludesStaleSamples(t *testing.T) {
	d := newTestDetector()
	now := time.Now()

	d.Observe("s1", resource.Vector{CPUUsagePercent: 100}, now.Add(-10*time.Minute))
	d.Observe("s1", resource.Vector{CPUUsagePercent: 20}, now.Add(-30*time.Second))
	d.Observe("s1", resource.Vector{CPUUsagePercent: 40}, now)

	oneMin, fiveMin := d.MovingAverages("s1", DimensionCPU)
	if oneMin != 30 {
		t.Errorf("expected 1-min average of the two recent samples (20,40)=30, got %v", oneMin)
	}
	if fiveMin != 30 {
		t.Errorf("expected 5-min average to also exclude the 10-minute-old sample, got %v", fiveMin)
	}
}

func TestMaybeAlert_SuppressesWithinCooldown(t *testing.T) {
	d := newTestDetector()
	bus := eventbus.New(16)
	d.bus = bus
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	d.Observe("s1", resource.Vector{CPUUsagePercent: 99}, time.Now())
	d.Observe("s1", resource.Vector{CPUUsagePercent: 99}, time.Now().Add(time.Millisecond))

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:
	if count == 0 {
		t.Errorf("expected at least one alert to fire")
	}
}
