package model

import (
	"sort"
	"time"
)

// Status is the externally visible health of a provider.
type Status string

const (
	StatusActive       Status = "active"
	StatusRateLimited  Status = "rate_limited"
	StatusError        Status = "error"
	StatusUnconfigured Status = "unconfigured"
)

// UsageWindow is a provider-reported quota window, e.g. claude.ai's
// five_hour and seven_day utilization.
type UsageWindow struct {
	Name        string    `json:"name"`
	Utilization float64   `json:"utilization"`
	ResetsAt    time.Time `json:"resets_at,omitempty"`
}

// RateLimitState carries what the provider told us about its limits.
type RateLimitState struct {
	Limited   bool          `json:"limited"`
	RetryAt   time.Time     `json:"retry_at,omitempty"`
	Remaining *int64        `json:"remaining,omitempty"`
	Windows   []UsageWindow `json:"windows,omitempty"`
}

// ProviderSnapshot is the latest cumulative state of a polled provider.
// A newer snapshot replaces an older one for the same provider.
type ProviderSnapshot struct {
	ProviderID      string             `json:"provider_id"`
	CostToDate      float64            `json:"cost_to_date"`
	TokenCount      int64              `json:"token_count"`
	CreditLimit     *float64           `json:"credit_limit,omitempty"`
	CreditRemaining *float64           `json:"credit_remaining,omitempty"`
	RateLimit       RateLimitState     `json:"rate_limit_state"`
	FetchedAt       time.Time          `json:"fetched_at"`
	Status          Status             `json:"status"`
	Breakdown       map[string]float64 `json:"breakdown,omitempty"`

	// Parts holds each credential's or endpoint's share of the counters
	// above, keyed by a stable fingerprint.
	Parts map[string]SnapshotPart `json:"parts,omitempty"`
	// Carried lists the parts copied from the previous snapshot because
	// their fetch failed this time.
	Carried []string `json:"carried,omitempty"`
}

// SnapshotPart is one contributor to a snapshot's cumulative counters.
type SnapshotPart struct {
	CostToDate      float64  `json:"cost_to_date"`
	TokenCount      int64    `json:"token_count,omitempty"`
	CreditLimit     *float64 `json:"credit_limit,omitempty"`
	CreditRemaining *float64 `json:"credit_remaining,omitempty"`
}

// CarryParts copies every part of prev that s lacks into s and adds it to
// the totals, so a contributor that failed to answer keeps its last known
// value instead of dropping out of the sum. It returns the carried names.
func (s *ProviderSnapshot) CarryParts(prev ProviderSnapshot) []string {
	var carried []string
	for name, part := range prev.Parts {
		if _, ok := s.Parts[name]; ok {
			continue
		}
		if s.Parts == nil {
			s.Parts = make(map[string]SnapshotPart)
		}
		s.Parts[name] = part
		s.CostToDate += part.CostToDate
		s.TokenCount += part.TokenCount
		addOptional(&s.CreditLimit, part.CreditLimit)
		addOptional(&s.CreditRemaining, part.CreditRemaining)
		carried = append(carried, name)
	}
	sort.Strings(carried)
	s.Carried = append(s.Carried, carried...)
	return carried
}

func addOptional(dst **float64, v *float64) {
	if v == nil {
		return
	}
	if *dst == nil {
		*dst = new(float64)
	}
	**dst += *v
}

// Newer reports whether s supersedes other.
func (s ProviderSnapshot) Newer(other ProviderSnapshot) bool {
	return s.FetchedAt.After(other.FetchedAt)
}

// DailyRollup is a per-provider per-day aggregate.
type DailyRollup struct {
	Date         time.Time `json:"date"`
	ProviderID   string    `json:"provider_id"`
	TotalCost    float64   `json:"total_cost"`
	TotalTokens  int64     `json:"total_tokens"`
	RequestCount int64     `json:"request_count"`
}
