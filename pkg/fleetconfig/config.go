// Package fleetconfig holds the engine-wide Config struct (§6). It
// follows the same DefaultConfig/load-from-environment/Validate/Log
// quintet the teacher's pkg/agent.AgentConfig uses, minus the
// ConfigMap-loading half — this core never talks to a Kubernetes API
// server (§1 Non-goals: configuration file parsing is a collaborator's
// concern).
package fleetconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"fleetsched/pkg/types"
)

// Config holds every recognized option from §6.
type Config struct {
	HeartbeatInterval time.Duration
	OfflineTimeout    time.Duration

	CPUWarnPct, CPUCritPct float64
	MemWarnPct, MemCritPct float64
	GPUWarnPct, GPUCritPct float64

	DefaultStrategy types.StrategyName

	MaxCommitRetries int

	EventBufferSize int

	PressureWindowSamples int
	AlertCooldown         time.Duration

	RebalanceShedFraction float64
}

// DefaultConfig returns a Config populated with the §6 defaults.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:     10 * time.Second,
		OfflineTimeout:        30 * time.Second,
		CPUWarnPct:            80,
		CPUCritPct:            90,
		MemWarnPct:            85,
		MemCritPct:            95,
		GPUWarnPct:            90,
		GPUCritPct:            95,
		DefaultStrategy:       types.StrategyBalanced,
		MaxCommitRetries:      3,
		EventBufferSize:       1024,
		PressureWindowSamples: 100,
		AlertCooldown:         60 * time.Second,
		RebalanceShedFraction: 0.30,
	}
}

// LoadFromEnv overlays environment variable values onto the receiver,
// following the teacher's loadFromEnvironment idiom: each field maps to a
// FLEETSCHED_<NAME> variable, parsed and only applied if present and
// non-empty. Unset variables leave the current value (defaults or
// previously-set) untouched.
func (c *Config) LoadFromEnv() error {
	if err := applyDurationMs("FLEETSCHED_HEARTBEAT_INTERVAL_MS", &c.HeartbeatInterval); err != nil {
		return err
	}
	if err := applyDurationMs("FLEETSCHED_OFFLINE_TIMEOUT_MS", &c.OfflineTimeout); err != nil {
		return err
	}
	if err := applyFloat("FLEETSCHED_CPU_WARN_PCT", &c.CPUWarnPct); err != nil {
		return err
	}
	if err := applyFloat("FLEETSCHED_CPU_CRIT_PCT", &c.CPUCritPct); err != nil {
		return err
	}
	if err := applyFloat("FLEETSCHED_MEM_WARN_PCT", &c.MemWarnPct); err != nil {
		return err
	}
	if err := applyFloat("FLEETSCHED_MEM_CRIT_PCT", &c.MemCritPct); err != nil {
		return err
	}
	if err := applyFloat("FLEETSCHED_GPU_WARN_PCT", &c.GPUWarnPct); err != nil {
		return err
	}
	if err := applyFloat("FLEETSCHED_GPU_CRIT_PCT", &c.GPUCritPct); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("FLEETSCHED_DEFAULT_STRATEGY"); ok && v != "" {
		c.DefaultStrategy = types.StrategyName(v)
	}
	if err := applyInt("FLEETSCHED_MAX_COMMIT_RETRIES", &c.MaxCommitRetries); err != nil {
		return err
	}
	if err := applyInt("FLEETSCHED_EVENT_BUFFER_SIZE", &c.EventBufferSize); err != nil {
		return err
	}
	if err := applyInt("FLEETSCHED_PRESSURE_WINDOW_SAMPLES", &c.PressureWindowSamples); err != nil {
		return err
	}
	if err := applyDurationMs("FLEETSCHED_ALERT_COOLDOWN_MS", &c.AlertCooldown); err != nil {
		return err
	}
	if err := applyFloat("FLEETSCHED_REBALANCE_SHED_FRACTION", &c.RebalanceShedFraction); err != nil {
		return err
	}
	return nil
}

func applyFloat(name string, dst *float64) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = f
	return nil
}

func applyInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func applyDurationMs(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

// Validate checks internal consistency the way the teacher's
// AgentConfig.Validate does: warn thresholds below crit thresholds,
// positive durations, sane fractions.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeatInterval must be positive")
	}
	if c.OfflineTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("offlineTimeout must exceed heartbeatInterval")
	}
	if c.CPUWarnPct <= 0 || c.CPUWarnPct >= c.CPUCritPct || c.CPUCritPct > 100 {
		return fmt.Errorf("invalid cpu thresholds: warn=%v crit=%v", c.CPUWarnPct, c.CPUCritPct)
	}
	if c.MemWarnPct <= 0 || c.MemWarnPct >= c.MemCritPct || c.MemCritPct > 100 {
		return fmt.Errorf("invalid memory thresholds: warn=%v crit=%v", c.MemWarnPct, c.MemCritPct)
	}
	if c.GPUWarnPct <= 0 || c.GPUWarnPct >= c.GPUCritPct || c.GPUCritPct > 100 {
		return fmt.Errorf("invalid gpu thresholds: warn=%v crit=%v", c.GPUWarnPct, c.GPUCritPct)
	}
	if c.MaxCommitRetries < 0 {
		return fmt.Errorf("maxCommitRetries must be non-negative")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("eventBufferSize must be positive")
	}
	if c.PressureWindowSamples <= 0 {
		return fmt.Errorf("pressureWindowSamples must be positive")
	}
	if c.RebalanceShedFraction <= 0 || c.RebalanceShedFraction > 1 {
		return fmt.Errorf("rebalanceShedFraction must be in (0,1]")
	}
	switch c.DefaultStrategy {
	case types.StrategyBalanced, types.StrategyPerformance, types.StrategyEfficiency,
		types.StrategyLocality, types.StrategyPriority, types.StrategyFairShare, types.StrategyBestFit:
	default:
		return fmt.Errorf("unknown defaultStrategy %q", c.DefaultStrategy)
	}
	return nil
}

// Log emits the resolved configuration at verbose level, mirroring the
// teacher's config.Log().
func (c *Config) Log() {
	klog.V(2).InfoS("resolved fleetsched configuration",
		"heartbeatInterval", c.HeartbeatInterval,
		"offlineTimeout", c.OfflineTimeout,
		"defaultStrategy", c.DefaultStrategy,
		"maxCommitRetries", c.MaxCommitRetries,
		"eventBufferSize", c.EventBufferSize,
		"pressureWindowSamples", c.PressureWindowSamples,
		"alertCooldown", c.AlertCooldown,
		"rebalanceShedFraction", c.RebalanceShedFraction,
	)
}
