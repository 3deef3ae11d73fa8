package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.IntervalFor(ProviderOpenAI); got != 5*time.Minute {
		t.Errorf("openai interval = %v, want 5m", got)
	}
	if got := cfg.IntervalFor(ProviderClaudeCode); got != 30*time.Second {
		t.Errorf("claude-code interval = %v, want 30s", got)
	}
	if cfg.Dedup.Backend != "memory" {
		t.Errorf("dedup backend = %q, want memory", cfg.Dedup.Backend)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[providers.openrouter]
enabled = false

[providers.openai]
interval = "10m"

[dedup]
retention = "48h"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPENDWATCH_DAEMON_ADDR", "127.0.0.1:9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProviderEnabled(ProviderOpenRouter) {
		t.Error("openrouter should be disabled")
	}
	if got := cfg.IntervalFor(ProviderOpenAI); got != 10*time.Minute {
		t.Errorf("openai interval = %v, want 10m", got)
	}
	if cfg.Dedup.Retention != "48h" {
		t.Errorf("retention = %q, want 48h", cfg.Dedup.Retention)
	}
	if cfg.Daemon.Addr != "127.0.0.1:9999" {
		t.Errorf("daemon addr = %q, want env override", cfg.Daemon.Addr)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[dedup]
backend = "etcd"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestResolvePlan(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".claude.json"), []byte(`{"billingType":"stripe_subscription"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	info := BudgetConfig{Plan: PlanAuto}.ResolvePlan(dir)
	if info.Plan != PlanMax5 || info.SessionTokenLimit != 88_000 {
		t.Errorf("auto plan = %+v, want max5/88000", info)
	}

	info = BudgetConfig{Plan: PlanCustom, SessionTokenLimit: 5}.ResolvePlan(dir)
	if info.SessionTokenLimit != 5 {
		t.Errorf("custom limit = %d, want 5", info.SessionTokenLimit)
	}

	info = BudgetConfig{Plan: PlanAuto}.ResolvePlan(t.TempDir())
	if info.Plan != PlanPro {
		t.Errorf("missing .claude.json plan = %q, want pro", info.Plan)
	}
}
