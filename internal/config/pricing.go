package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ModelPricing holds per-million-token prices for a model.
type ModelPricing struct {
	InputPerMTok        float64 `mapstructure:"input_per_mtok" toml:"input_per_mtok"`
	OutputPerMTok       float64 `mapstructure:"output_per_mtok" toml:"output_per_mtok"`
	CacheWrite5mPerMTok float64 `mapstructure:"cache_write_5m_per_mtok" toml:"cache_write_5m_per_mtok"`
	CacheWrite1hPerMTok float64 `mapstructure:"cache_write_1h_per_mtok" toml:"cache_write_1h_per_mtok"`
	CacheReadPerMTok    float64 `mapstructure:"cache_read_per_mtok" toml:"cache_read_per_mtok"`
}

// PricingConfig points at price data that replaces or extends the built-in
// table. Keys of Overrides are "provider/model"; Defaults are keyed by
// provider and price any model the table does not know.
type PricingConfig struct {
	File      string                  `mapstructure:"file" toml:"file,omitempty"`
	Defaults  map[string]ModelPricing `mapstructure:"defaults" toml:"defaults,omitempty"`
	Overrides map[string]ModelPricing `mapstructure:"overrides" toml:"overrides,omitempty"`
}

// pricingFile is the layout of a standalone pricing.toml.
type pricingFile struct {
	Defaults  map[string]ModelPricing            `toml:"defaults"`
	Providers map[string]map[string]ModelPricing `toml:"providers"`
	History   []pricingHistoryEntry              `toml:"history"`
}

// pricingHistoryEntry is one [[history]] table: a price that takes effect
// on a UTC date and holds until the next entry for the same model.
type pricingHistoryEntry struct {
	Provider      string       `toml:"provider"`
	Model         string       `toml:"model"`
	EffectiveFrom string       `toml:"effective_from"`
	Price         ModelPricing `toml:"price"`
}

type modelPricingVersion struct {
	EffectiveFrom time.Time
	Pricing       ModelPricing
}

// TokenCounts is the per-class token breakdown priced by the table.
type TokenCounts struct {
	Input        int64
	Output       int64
	CacheWrite5m int64
	CacheWrite1h int64
	CacheRead    int64
}

// PriceMatch tells the caller how a price was found.
type PriceMatch int

const (
	// MatchNone means no price exists; cost is reported as zero.
	MatchNone PriceMatch = iota
	// MatchModel means the model had its own entry.
	MatchModel
	// MatchDefault means the provider-level default rate was used.
	MatchDefault
)

var anthropicPricing = map[string]ModelPricing{
	"claude-opus-4-6":   {InputPerMTok: 5.00, OutputPerMTok: 25.00, CacheWrite5mPerMTok: 6.25, CacheWrite1hPerMTok: 10.00, CacheReadPerMTok: 0.50},
	"claude-opus-4-5":   {InputPerMTok: 5.00, OutputPerMTok: 25.00, CacheWrite5mPerMTok: 6.25, CacheWrite1hPerMTok: 10.00, CacheReadPerMTok: 0.50},
	"claude-opus-4-1":   {InputPerMTok: 15.00, OutputPerMTok: 75.00, CacheWrite5mPerMTok: 18.75, CacheWrite1hPerMTok: 30.00, CacheReadPerMTok: 1.50},
	"claude-opus-4":     {InputPerMTok: 15.00, OutputPerMTok: 75.00, CacheWrite5mPerMTok: 18.75, CacheWrite1hPerMTok: 30.00, CacheReadPerMTok: 1.50},
	"claude-3-opus":     {InputPerMTok: 15.00, OutputPerMTok: 75.00, CacheWrite5mPerMTok: 18.75, CacheWrite1hPerMTok: 30.00, CacheReadPerMTok: 1.50},
	"claude-sonnet-4-6": {InputPerMTok: 3.00, OutputPerMTok: 15.00, CacheWrite5mPerMTok: 3.75, CacheWrite1hPerMTok: 6.00, CacheReadPerMTok: 0.30},
	"claude-sonnet-4-5": {InputPerMTok: 3.00, OutputPerMTok: 15.00, CacheWrite5mPerMTok: 3.75, CacheWrite1hPerMTok: 6.00, CacheReadPerMTok: 0.30},
	"claude-sonnet-4":   {InputPerMTok: 3.00, OutputPerMTok: 15.00, CacheWrite5mPerMTok: 3.75, CacheWrite1hPerMTok: 6.00, CacheReadPerMTok: 0.30},
	"claude-3-5-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00, CacheWrite5mPerMTok: 3.75, CacheWrite1hPerMTok: 6.00, CacheReadPerMTok: 0.30},
	"claude-haiku-4-5":  {InputPerMTok: 1.00, OutputPerMTok: 5.00, CacheWrite5mPerMTok: 1.25, CacheWrite1hPerMTok: 2.00, CacheReadPerMTok: 0.10},
	"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00, CacheWrite5mPerMTok: 1.00, CacheWrite1hPerMTok: 1.60, CacheReadPerMTok: 0.08},
	"claude-3-haiku":    {InputPerMTok: 0.25, OutputPerMTok: 1.25, CacheWrite5mPerMTok: 0.30, CacheWrite1hPerMTok: 0.50, CacheReadPerMTok: 0.03},
	// Claude Code writes this for locally generated messages.
	"<synthetic>": {},
}

var openAIPricing = map[string]ModelPricing{
	"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60, CacheReadPerMTok: 0.075},
	"gpt-4o":        {InputPerMTok: 2.50, OutputPerMTok: 10.00, CacheReadPerMTok: 1.25},
	"gpt-4-turbo":   {InputPerMTok: 10.00, OutputPerMTok: 30.00},
	"gpt-4":         {InputPerMTok: 30.00, OutputPerMTok: 60.00},
	"gpt-3.5-turbo": {InputPerMTok: 0.50, OutputPerMTok: 1.50},
}

// priceFamilies maps provider ids onto the table they share.
var priceFamilies = map[string]string{
	ProviderClaudeCode: "anthropic",
	ProviderClaudeAI:   "anthropic",
}

// openAIPriceChanges are earlier list prices. The current price in
// openAIPricing takes effect on the date given here.
var openAIPriceChanges = map[string][]modelPricingVersion{
	"gpt-4o": {
		{EffectiveFrom: utcDate(2024, time.May, 13), Pricing: ModelPricing{InputPerMTok: 5.00, OutputPerMTok: 15.00}},
		{EffectiveFrom: utcDate(2024, time.October, 2), Pricing: openAIPricing["gpt-4o"]},
	},
	"gpt-3.5-turbo": {
		{EffectiveFrom: utcDate(2023, time.November, 6), Pricing: ModelPricing{InputPerMTok: 1.00, OutputPerMTok: 2.00}},
		{EffectiveFrom: utcDate(2024, time.January, 25), Pricing: openAIPricing["gpt-3.5-turbo"]},
	},
}

// defaultPricingHistory stores effective-dated prices per family and model.
// Entries must be sorted by EffectiveFrom ascending.
var defaultPricingHistory = map[string]map[string][]modelPricingVersion{
	"anthropic":    makePricingHistory(anthropicPricing, nil),
	ProviderOpenAI: makePricingHistory(openAIPricing, openAIPriceChanges),
}

// defaultRates price unknown models of a family. Only OpenAI bills unknown
// models at a sensible floor (gpt-4o-mini).
var defaultRates = map[string]ModelPricing{
	ProviderOpenAI: openAIPricing["gpt-4o-mini"],
}

func makePricingHistory(base map[string]ModelPricing, changes map[string][]modelPricingVersion) map[string][]modelPricingVersion {
	history := make(map[string][]modelPricingVersion, len(base))
	for modelName, pricing := range base {
		if dated, ok := changes[modelName]; ok {
			history[modelName] = dated
			continue
		}
		history[modelName] = []modelPricingVersion{{Pricing: pricing}}
	}
	return history
}

func utcDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func familyOf(provider string) string {
	if f, ok := priceFamilies[provider]; ok {
		return f
	}
	return provider
}

type memoKey struct {
	family string
	model  string
	day    int64
}

type memoEntry struct {
	pricing ModelPricing
	match   PriceMatch
}

// PriceTable resolves prices for (provider, model, time). It is immutable
// once built and safe for concurrent use.
type PriceTable struct {
	history  map[string]map[string][]modelPricingVersion
	defaults map[string]ModelPricing
	memo     *lru.Cache[memoKey, memoEntry]
}

// NewPriceTable builds the table from the built-in prices, the optional
// pricing file, and inline overrides, in that order of precedence (later
// wins).
func NewPriceTable(cfg PricingConfig) (*PriceTable, error) {
	t := &PriceTable{
		history:  make(map[string]map[string][]modelPricingVersion, len(defaultPricingHistory)),
		defaults: make(map[string]ModelPricing, len(defaultRates)),
	}
	for fam, models := range defaultPricingHistory {
		m := make(map[string][]modelPricingVersion, len(models))
		for name, versions := range models {
			m[name] = append([]modelPricingVersion(nil), versions...)
		}
		t.history[fam] = m
	}
	for fam, p := range defaultRates {
		t.defaults[fam] = p
	}

	if cfg.File != "" {
		var pf pricingFile
		if _, err := toml.DecodeFile(cfg.File, &pf); err != nil {
			return nil, fmt.Errorf("reading pricing file: %w", err)
		}
		for provider, models := range pf.Providers {
			for name, p := range models {
				t.set(provider, name, p)
			}
		}
		for provider, p := range pf.Defaults {
			t.defaults[familyOf(provider)] = p
		}
		for i, h := range pf.History {
			from, err := time.Parse("2006-01-02", h.EffectiveFrom)
			if err != nil {
				return nil, fmt.Errorf("pricing history entry %d: effective_from: %w", i, err)
			}
			if h.Provider == "" || h.Model == "" {
				return nil, fmt.Errorf("pricing history entry %d: provider and model are required", i)
			}
			t.addVersion(h.Provider, h.Model, modelPricingVersion{EffectiveFrom: from.UTC(), Pricing: h.Price})
		}
	}

	for key, p := range cfg.Overrides {
		provider, name, ok := strings.Cut(key, "/")
		if !ok || provider == "" || name == "" {
			return nil, fmt.Errorf("pricing override %q: want provider/model", key)
		}
		t.set(provider, name, p)
	}
	for provider, p := range cfg.Defaults {
		t.defaults[familyOf(provider)] = p
	}

	memo, err := lru.New[memoKey, memoEntry](1024)
	if err != nil {
		return nil, err
	}
	t.memo = memo
	return t, nil
}

// set replaces the whole history of a model with a single current price.
func (t *PriceTable) set(provider, model string, p ModelPricing) {
	fam := familyOf(provider)
	if t.history[fam] == nil {
		t.history[fam] = make(map[string][]modelPricingVersion)
	}
	t.history[fam][model] = []modelPricingVersion{{Pricing: p}}
}

// addVersion inserts a dated price, keeping the history sorted. A version
// with the same date replaces the existing one.
func (t *PriceTable) addVersion(provider, model string, v modelPricingVersion) {
	fam := familyOf(provider)
	if t.history[fam] == nil {
		t.history[fam] = make(map[string][]modelPricingVersion)
	}
	versions := t.history[fam][model]
	i := sort.Search(len(versions), func(i int) bool {
		return !versions[i].EffectiveFrom.Before(v.EffectiveFrom)
	})
	if i < len(versions) && versions[i].EffectiveFrom.Equal(v.EffectiveFrom) {
		versions[i] = v
	} else {
		versions = append(versions, modelPricingVersion{})
		copy(versions[i+1:], versions[i:])
		versions[i] = v
	}
	t.history[fam][model] = versions
}

// NormalizeModelName strips date suffixes from model identifiers when the
// shorter name is priced, e.g. "claude-opus-4-5-20251101" -> "claude-opus-4-5".
func (t *PriceTable) NormalizeModelName(provider, raw string) string {
	models := t.history[familyOf(provider)]
	if _, ok := models[raw]; ok {
		return raw
	}

	parts := strings.Split(raw, "-")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if isAllDigits(last) && len(last) >= 8 {
			candidate := strings.Join(parts[:len(parts)-1], "-")
			if _, ok := models[candidate]; ok {
				return candidate
			}
		}
	}
	return raw
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Lookup returns the price of model at the given time. If at is zero the
// latest known entry is used.
func (t *PriceTable) Lookup(provider, model string, at time.Time) (ModelPricing, PriceMatch) {
	fam := familyOf(provider)
	key := memoKey{family: fam, model: model}
	if !at.IsZero() {
		key.day = at.UTC().Unix() / 86400
	}
	if e, ok := t.memo.Get(key); ok {
		return e.pricing, e.match
	}

	p, match := t.lookup(fam, provider, model, at)
	t.memo.Add(key, memoEntry{pricing: p, match: match})
	return p, match
}

func (t *PriceTable) lookup(fam, provider, model string, at time.Time) (ModelPricing, PriceMatch) {
	versions := t.history[fam][t.NormalizeModelName(provider, model)]
	if len(versions) == 0 {
		if p, ok := t.defaults[fam]; ok {
			return p, MatchDefault
		}
		return ModelPricing{}, MatchNone
	}

	if at.IsZero() {
		return versions[len(versions)-1].Pricing, MatchModel
	}

	at = at.UTC()
	selected := versions[0].Pricing
	for _, v := range versions {
		if v.EffectiveFrom.IsZero() || !at.Before(v.EffectiveFrom.UTC()) {
			selected = v.Pricing
			continue
		}
		break
	}
	return selected, MatchModel
}

// Cost prices a token breakdown. unpriced is true when neither the model nor
// the provider had a rate, in which case cost is zero.
func (t *PriceTable) Cost(provider, model string, at time.Time, tc TokenCounts) (cost float64, unpriced bool) {
	pricing, match := t.Lookup(provider, model, at)
	if match == MatchNone {
		return 0, true
	}

	cost = float64(tc.Input) * pricing.InputPerMTok / 1_000_000
	cost += float64(tc.Output) * pricing.OutputPerMTok / 1_000_000
	cost += float64(tc.CacheWrite5m) * pricing.CacheWrite5mPerMTok / 1_000_000
	cost += float64(tc.CacheWrite1h) * pricing.CacheWrite1hPerMTok / 1_000_000
	cost += float64(tc.CacheRead) * pricing.CacheReadPerMTok / 1_000_000
	return cost, false
}
