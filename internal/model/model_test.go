package model

import (
	"testing"
	"time"
)

func TestDayOf(t *testing.T) {
	loc := time.FixedZone("UTC-7", -7*3600)
	// 20:30 on May 31 at UTC-7 is 03:30 on June 1 UTC.
	got := DayOf(time.Date(2025, 5, 31, 20, 30, 0, 0, loc))
	want := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("DayOf = %v, want %v", got, want)
	}
}

func TestUsageEventTotals(t *testing.T) {
	ev := UsageEvent{InputTokens: 100, OutputTokens: 50, CacheWriteTokens: 10, CacheReadTokens: 5}
	if ev.TotalTokens() != 165 {
		t.Errorf("TotalTokens = %d, want 165", ev.TotalTokens())
	}
	if ev.HasIdentity() {
		t.Error("event without identity reported one")
	}
	ev.Identity = "m1:r1"
	if !ev.HasIdentity() {
		t.Error("event with identity reported none")
	}
}

func TestNewSession(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s := NewSession("claude-code", start)

	if s.ID != "claude-code@2025-06-01T09:00Z" {
		t.Errorf("ID = %q", s.ID)
	}
	if !s.EndsAt.Equal(start.Add(5 * time.Hour)) {
		t.Errorf("EndsAt = %v, want 14:00", s.EndsAt)
	}
	if !s.Contains(start) || s.Contains(s.EndsAt) {
		t.Error("window should be [StartedAt, EndsAt)")
	}
	if s.State(s.EndsAt.Add(-time.Nanosecond)) != SessionActive {
		t.Error("session should be active just before EndsAt")
	}
	if s.State(s.EndsAt) != SessionClosed {
		t.Error("session should be closed at EndsAt")
	}
}

func TestSessionAppendAndClone(t *testing.T) {
	s := NewSession("claude-code", time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	s.Append(UsageEvent{ModelID: "opus", InputTokens: 100, OutputTokens: 50, CostUSD: 1.5})
	s.Append(UsageEvent{ModelID: "opus", InputTokens: 10, CostUSD: 0.5})
	s.Append(UsageEvent{ModelID: "mystery", OutputTokens: 5, Unpriced: true})

	if s.TotalTokens() != 165 {
		t.Errorf("TotalTokens = %d, want 165", s.TotalTokens())
	}
	if s.TotalCost() != 2.0 {
		t.Errorf("TotalCost = %v, want 2", s.TotalCost())
	}
	if s.PerModel["opus"].Requests != 2 {
		t.Errorf("opus requests = %d, want 2", s.PerModel["opus"].Requests)
	}
	if !s.PerModel["mystery"].Unpriced {
		t.Error("unpriced flag lost in model totals")
	}

	c := s.Clone()
	c.Append(UsageEvent{ModelID: "opus", InputTokens: 1000})
	c.PerModel["mystery"].OutputTokens = 99
	if s.TotalTokens() != 165 || len(s.Events) != 3 {
		t.Error("mutating the clone changed the original")
	}
	if (*Session)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestPredictionWillExhaust(t *testing.T) {
	var p Prediction
	if p.WillExhaust() {
		t.Error("zero prediction should not exhaust")
	}
	at := time.Now()
	p.ExhaustsAt = &at
	if !p.WillExhaust() {
		t.Error("prediction with ExhaustsAt should exhaust")
	}
}

func TestSnapshotNewer(t *testing.T) {
	a := ProviderSnapshot{FetchedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	b := ProviderSnapshot{FetchedAt: a.FetchedAt.Add(time.Minute)}
	if !b.Newer(a) || a.Newer(b) || a.Newer(a) {
		t.Error("Newer should order strictly by FetchedAt")
	}
}
