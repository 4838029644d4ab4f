package fleetconfig

import (
	"os"
	"testing"
	"time"

	"fleetsched/pkg/types"
)

func TestDefaultConfig_Valid(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestLoadFromEnv_Overlay(t *testing.T) {
	os.Setenv("FLEETSCHED_MAX_COMMIT_RETRIES", "7")
	os.Setenv("FLEETSCHED_DEFAULT_STRATEGY", "best-fit")
	os.Setenv("FLEETSCHED_OFFLINE_TIMEOUT_MS", "45000")
	defer func() {
		os.Unsetenv("FLEETSCHED_MAX_COMMIT_RETRIES")
		os.Unsetenv("FLEETSCHED_DEFAULT_STRATEGY")
		os.Unsetenv("FLEETSCHED_OFFLINE_TIMEOUT_MS")
	}()

	c := DefaultConfig()
	if err := c.LoadFromEnv(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.MaxCommitRetries != 7 {
		t.Errorf("expected MaxCommitRetries=7, got %d", c.MaxCommitRetries)
	}
	if c.DefaultStrategy != types.StrategyBestFit {
		t.Errorf("expected best-fit, got %v", c.DefaultStrategy)
	}
	if c.OfflineTimeout != 45*time.Second {
		t.Errorf("expected 45s offline timeout, got %v", c.OfflineTimeout)
	}
}

func TestLoadFromEnv_LeavesUnsetFieldsAlone(t *testing.T) {
	c := DefaultConfig()
	before := *c
	if err := c.LoadFromEnv(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *c != before {
		t.Errorf("expected no change with no environment set, got %+v vs %+v", *c, before)
	}
}

func TestValidate_RejectsBadThresholds(t *testing.T) {
	c := DefaultConfig()
	c.CPUWarnPct = 95
	c.CPUCritPct = 90
	if err := c.Validate(); err == nil {
		t.Errorf("expected error for warn >= crit")
	}
}

func TestValidate_RejectsUnknownStrategy(t *testing.T) {
	c := DefaultConfig()
	c.DefaultStrategy = types.StrategyName("nonexistent")
	if err := c.Validate(); err == nil {
		t.Errorf("expected error for unknown strategy")
	}
}

func TestValidate_RejectsBadOfflineTimeout(t *testing.T) {
	c := DefaultConfig()
	c.OfflineTimeout = c.HeartbeatInterval
	if err := c.Validate(); err == nil {
		t.Errorf("expected error when offline timeout does not exceed heartbeat interval")
	}
}
