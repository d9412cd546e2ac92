package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	t.Setenv("STEP_MAX_ATTEMPTS", "")
	t.Setenv("MARK_ABANDONED_STEPS", "")
	cfg := Load()
	if cfg.HTTPPort != "8080" {
		t.Errorf("HTTPPort = %q, want 8080", cfg.HTTPPort)
	}
	if cfg.StepMaxAttempts != 3 {
		t.Errorf("StepMaxAttempts = %d, want 3", cfg.StepMaxAttempts)
	}
	if cfg.MarkAbandonedSteps {
		t.Error("MarkAbandonedSteps should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STEP_MAX_ATTEMPTS", "5")
	t.Setenv("ORPHAN_TIMEOUT", "90s")
	t.Setenv("MARK_ABANDONED_STEPS", "true")
	t.Setenv("BUILD_NO_PROXY", "a.local, ,b.local")
	t.Setenv("HEARTBEAT_INTERVAL", "not-a-duration")
	t.Setenv("FROZEN_ENVIRONMENTS", "prod,staging")

	cfg := Load()
	if cfg.StepMaxAttempts != 5 {
		t.Errorf("StepMaxAttempts = %d, want 5", cfg.StepMaxAttempts)
	}
	if cfg.OrphanTimeout != 90*time.Second {
		t.Errorf("OrphanTimeout = %v, want 90s", cfg.OrphanTimeout)
	}
	if !cfg.MarkAbandonedSteps {
		t.Error("MarkAbandonedSteps should be true")
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("invalid duration should fall back to default, got %v", cfg.HeartbeatInterval)
	}
	if got := cfg.FrozenEnvironmentList(); len(got) != 2 || got[0] != "prod" {
		t.Errorf("FrozenEnvironmentList() = %v", got)
	}
	if got := cfg.NoProxyList(); len(got) != 2 || got[0] != "a.local" || got[1] != "b.local" {
		t.Errorf("NoProxyList() = %v", got)
	}
}
