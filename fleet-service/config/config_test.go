package config

import (
	"os"
	"testing"
	"time"
)

func TestInitializeDefaults(t *testing.T) {
	for _, key := range []string{
		"IDLE_THRESHOLD_SECONDS", "IDLE_GRACE_SECONDS", "SPAWN_BUDGET_SECONDS",
		"RECONCILE_INTERVAL_SECONDS", "PROVIDER_CALL_TIMEOUT_SECONDS",
		"TERMINATE_RETRY_LIMIT", "ARCHIVE_RETENTION_DAYS", "TOOLS_VISIBILITY",
	} {
		os.Unsetenv(key)
	}

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"idle threshold", GetIdleThreshold(), 3600 * time.Second},
		{"idle grace", GetIdleGrace(), 600 * time.Second},
		{"spawn budget", GetSpawnBudget(), 600 * time.Second},
		{"reconcile interval", GetReconcileInterval(), 300 * time.Second},
		{"provider call timeout", GetProviderCallTimeout(), 30 * time.Second},
		{"archive retention", GetArchiveRetention(), 30 * 24 * time.Hour},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if got := GetTerminateRetryLimit(); got != 5 {
		t.Errorf("terminate retry limit = %d, want 5", got)
	}
}

func TestInitializeOverrides(t *testing.T) {
	os.Setenv("IDLE_THRESHOLD_SECONDS", "120")
	os.Setenv("TERMINATE_RETRY_LIMIT", "2")
	os.Setenv("TOOLS_VISIBILITY", `{"jupyter":["x.gov"],"theia":["*"]}`)
	defer func() {
		os.Unsetenv("IDLE_THRESHOLD_SECONDS")
		os.Unsetenv("TERMINATE_RETRY_LIMIT")
		os.Unsetenv("TOOLS_VISIBILITY")
	}()

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	if got := GetIdleThreshold(); got != 120*time.Second {
		t.Errorf("idle threshold = %v, want 120s", got)
	}
	if got := GetTerminateRetryLimit(); got != 2 {
		t.Errorf("terminate retry limit = %d, want 2", got)
	}
	if got := GetToolVisibility("jupyter"); len(got) != 1 || got[0] != "x.gov" {
		t.Errorf("jupyter visibility = %v, want [x.gov]", got)
	}
	if got := GetToolVisibility("rstudio"); got != nil {
		t.Errorf("rstudio should be unknown after override, got %v", got)
	}
}

func TestInitializeRejectsMalformedVisibility(t *testing.T) {
	os.Setenv("TOOLS_VISIBILITY", "{not json")
	defer os.Unsetenv("TOOLS_VISIBILITY")

	if err := Initialize(); err == nil {
		t.Fatal("Initialize() accepted malformed TOOLS_VISIBILITY")
	}
}

func TestInitializeIgnoresGarbageIntegers(t *testing.T) {
	os.Setenv("SPAWN_BUDGET_SECONDS", "ten minutes")
	defer os.Unsetenv("SPAWN_BUDGET_SECONDS")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if got := GetSpawnBudget(); got != 600*time.Second {
		t.Errorf("spawn budget = %v, want default 600s for garbage input", got)
	}
}
