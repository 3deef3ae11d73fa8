package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return d
}

func mustTable(t *testing.T, cfg PricingConfig) *PriceTable {
	t.Helper()
	tbl, err := NewPriceTable(cfg)
	if err != nil {
		t.Fatalf("NewPriceTable: %v", err)
	}
	return tbl
}

func TestLookup_UsesEffectiveDate(t *testing.T) {
	model := "test-model-windowed"
	defer delete(defaultPricingHistory["anthropic"], model)

	defaultPricingHistory["anthropic"][model] = []modelPricingVersion{
		{EffectiveFrom: mustDate(t, "2025-01-01"), Pricing: ModelPricing{InputPerMTok: 1.0}},
		{EffectiveFrom: mustDate(t, "2025-07-01"), Pricing: ModelPricing{InputPerMTok: 2.0}},
	}
	tbl := mustTable(t, PricingConfig{})

	apr, match := tbl.Lookup(ProviderClaudeCode, model, mustDate(t, "2025-04-15"))
	if match != MatchModel {
		t.Fatalf("match = %v, want MatchModel", match)
	}
	if apr.InputPerMTok != 1.0 {
		t.Fatalf("April price InputPerMTok = %.2f, want 1.0", apr.InputPerMTok)
	}

	aug, _ := tbl.Lookup(ProviderClaudeCode, model, mustDate(t, "2025-08-15"))
	if aug.InputPerMTok != 2.0 {
		t.Fatalf("August price InputPerMTok = %.2f, want 2.0", aug.InputPerMTok)
	}

	latest, _ := tbl.Lookup(ProviderClaudeCode, model, time.Time{})
	if latest.InputPerMTok != 2.0 {
		t.Fatalf("zero-time lookup InputPerMTok = %.2f, want 2.0", latest.InputPerMTok)
	}
}

func TestNormalizeModelName_StripsDateSuffix(t *testing.T) {
	tbl := mustTable(t, PricingConfig{})

	if got := tbl.NormalizeModelName(ProviderClaudeCode, "claude-opus-4-5-20251101"); got != "claude-opus-4-5" {
		t.Errorf("NormalizeModelName = %q, want claude-opus-4-5", got)
	}
	if got := tbl.NormalizeModelName(ProviderClaudeCode, "claude-mystery-20251101"); got != "claude-mystery-20251101" {
		t.Errorf("unknown model normalized to %q, want unchanged", got)
	}
}

func TestCost_UnknownModel(t *testing.T) {
	tbl := mustTable(t, PricingConfig{})

	cost, unpriced := tbl.Cost(ProviderClaudeCode, "claude-unknown-9", time.Time{}, TokenCounts{Input: 1_000_000})
	if !unpriced || cost != 0 {
		t.Errorf("anthropic unknown: cost=%v unpriced=%v, want 0 true", cost, unpriced)
	}

	cost, unpriced = tbl.Cost(ProviderOpenAI, "gpt-9-preview", time.Time{}, TokenCounts{Input: 1_000_000})
	if unpriced {
		t.Fatal("openai unknown model should use the provider default rate")
	}
	if math.Abs(cost-0.15) > 1e-9 {
		t.Errorf("openai default cost = %v, want 0.15", cost)
	}
}

func TestCost_SyntheticIsPricedAtZero(t *testing.T) {
	tbl := mustTable(t, PricingConfig{})
	cost, unpriced := tbl.Cost(ProviderClaudeCode, "<synthetic>", time.Time{}, TokenCounts{Input: 500, Output: 500})
	if unpriced || cost != 0 {
		t.Errorf("synthetic: cost=%v unpriced=%v, want 0 false", cost, unpriced)
	}
}

func TestCost_AllTokenClasses(t *testing.T) {
	tbl := mustTable(t, PricingConfig{})
	cost, _ := tbl.Cost(ProviderClaudeCode, "claude-sonnet-4-20250514", time.Time{}, TokenCounts{
		Input:        1_000_000,
		Output:       1_000_000,
		CacheWrite5m: 1_000_000,
		CacheWrite1h: 1_000_000,
		CacheRead:    1_000_000,
	})
	want := 3.00 + 15.00 + 3.75 + 6.00 + 0.30
	if math.Abs(cost-want) > 1e-9 {
		t.Errorf("cost = %v, want %v", cost, want)
	}
}

func TestNewPriceTable_FileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.toml")
	body := `
[defaults.openrouter]
input_per_mtok = 1.0
output_per_mtok = 2.0

[providers.openai.gpt-4o]
input_per_mtok = 9.0
output_per_mtok = 9.0
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	tbl := mustTable(t, PricingConfig{
		File: path,
		Overrides: map[string]ModelPricing{
			"claude-code/claude-opus-4": {InputPerMTok: 42},
		},
	})

	p, match := tbl.Lookup(ProviderOpenAI, "gpt-4o", time.Time{})
	if match != MatchModel || p.InputPerMTok != 9.0 {
		t.Errorf("file override: %+v %v", p, match)
	}
	p, match = tbl.Lookup(ProviderOpenRouter, "anything", time.Time{})
	if match != MatchDefault || p.OutputPerMTok != 2.0 {
		t.Errorf("file default: %+v %v", p, match)
	}
	p, _ = tbl.Lookup(ProviderClaudeAI, "claude-opus-4", time.Time{})
	if p.InputPerMTok != 42 {
		t.Errorf("inline override via shared family: InputPerMTok = %v, want 42", p.InputPerMTok)
	}
}

func TestNewPriceTable_BadOverrideKey(t *testing.T) {
	_, err := NewPriceTable(PricingConfig{Overrides: map[string]ModelPricing{"gpt-4o": {}}})
	if err == nil {
		t.Fatal("expected error for override key without provider")
	}
}

func TestLookup_BuiltInPriceChanges(t *testing.T) {
	tbl := mustTable(t, PricingConfig{})

	launch, _ := tbl.Lookup(ProviderOpenAI, "gpt-4o", mustDate(t, "2024-06-15"))
	if launch.InputPerMTok != 5.00 || launch.OutputPerMTok != 15.00 {
		t.Errorf("gpt-4o in June 2024 = %+v, want 5/15", launch)
	}
	cut, _ := tbl.Lookup(ProviderOpenAI, "gpt-4o", mustDate(t, "2025-03-01"))
	if cut.InputPerMTok != 2.50 || cut.CacheReadPerMTok != 1.25 {
		t.Errorf("gpt-4o in 2025 = %+v, want 2.50 input and 1.25 cache read", cut)
	}

	cost, _ := tbl.Cost(ProviderOpenAI, "gpt-3.5-turbo", mustDate(t, "2023-12-01"), TokenCounts{Input: 1_000_000})
	if math.Abs(cost-1.00) > 1e-9 {
		t.Errorf("gpt-3.5-turbo before the cut cost %v, want 1.00", cost)
	}
}

func TestNewPriceTable_FileHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.toml")
	body := `
[[history]]
provider = "claude-code"
model = "claude-sonnet-4-5"
effective_from = "2026-01-01"
price = { input_per_mtok = 2.0, output_per_mtok = 10.0 }

[[history]]
provider = "openai"
model = "gpt-4o"
effective_from = "2024-10-02"
price = { input_per_mtok = 2.25 }
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	tbl := mustTable(t, PricingConfig{File: path})

	before, _ := tbl.Lookup(ProviderClaudeCode, "claude-sonnet-4-5", mustDate(t, "2025-12-31"))
	if before.InputPerMTok != 3.00 {
		t.Errorf("before the new entry InputPerMTok = %v, want 3.00", before.InputPerMTok)
	}
	after, _ := tbl.Lookup(ProviderClaudeAI, "claude-sonnet-4-5", mustDate(t, "2026-01-01"))
	if after.InputPerMTok != 2.0 || after.OutputPerMTok != 10.0 {
		t.Errorf("from the new entry = %+v, want 2/10", after)
	}
	latest, _ := tbl.Lookup(ProviderClaudeCode, "claude-sonnet-4-5", time.Time{})
	if latest.InputPerMTok != 2.0 {
		t.Errorf("zero-time lookup InputPerMTok = %v, want 2.0", latest.InputPerMTok)
	}

	same, _ := tbl.Lookup(ProviderOpenAI, "gpt-4o", mustDate(t, "2025-01-01"))
	if same.InputPerMTok != 2.25 {
		t.Errorf("entry on an existing date should replace it, got InputPerMTok %v", same.InputPerMTok)
	}
	launch, _ := tbl.Lookup(ProviderOpenAI, "gpt-4o", mustDate(t, "2024-06-01"))
	if launch.InputPerMTok != 5.00 {
		t.Errorf("earlier built-in entry lost: InputPerMTok %v", launch.InputPerMTok)
	}
}

func TestNewPriceTable_BadHistoryDate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.toml")
	body := `
[[history]]
provider = "openai"
model = "gpt-4o"
effective_from = "October 2024"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPriceTable(PricingConfig{File: path}); err == nil {
		t.Fatal("expected error for unparseable effective_from")
	}
}
