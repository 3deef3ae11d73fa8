// Package model defines the provider-agnostic usage types shared by the
// engine, the store and the daemon.
package model

import "time"

// UsageEvent is one billable unit of activity reported by a provider.
type UsageEvent struct {
	ProviderID       string
	OccurredAt       time.Time
	ModelID          string
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
	CostUSD          float64

	// CostReported is set when the source supplied the cost rather than the
	// price table.
	CostReported bool
	// Unpriced marks events whose model had no price; CostUSD is zero.
	Unpriced bool
	// LowQuality marks events accepted without a dedup identity.
	LowQuality bool
	// Revisable marks a running total for a day still in progress. A later
	// observation with the same identity replaces it instead of being a
	// duplicate.
	Revisable bool

	// Identity collapses repeated observations of the same occurrence.
	// Empty means the source gave no usable key.
	Identity string
}

// TotalTokens returns every token class the event consumed.
func (e UsageEvent) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens + e.CacheWriteTokens + e.CacheReadTokens
}

// SameCounts reports whether e and other carry the same usage.
func (e UsageEvent) SameCounts(other UsageEvent) bool {
	return e.InputTokens == other.InputTokens &&
		e.OutputTokens == other.OutputTokens &&
		e.CacheWriteTokens == other.CacheWriteTokens &&
		e.CacheReadTokens == other.CacheReadTokens &&
		e.CostUSD == other.CostUSD
}

// HasIdentity reports whether the event can be deduplicated.
func (e UsageEvent) HasIdentity() bool {
	return e.Identity != ""
}

// Day returns the UTC calendar day the event is rolled up into.
func (e UsageEvent) Day() time.Time {
	return DayOf(e.OccurredAt)
}

// DayOf truncates t to midnight UTC.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DedupRecord remembers when an identity was first counted.
type DedupRecord struct {
	Identity    string
	FirstSeenAt time.Time
}
