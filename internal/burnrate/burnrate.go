// Package burnrate projects how fast a session consumes its token budget.
package burnrate

import (
	"math"
	"time"

	"github.com/theirongolddev/spendwatch/internal/model"
)

// Projection thresholds as a fraction of the budget.
const (
	warningRatio  = 0.8
	criticalRatio = 1.0
)

// Options tunes Predict.
type Options struct {
	// Budget is the session token limit. Zero disables exhaustion.
	Budget int64
	// Trailing limits the rate to events in the last Trailing duration.
	// Zero uses every event since the session started.
	Trailing time.Duration
}

// Predict computes the burn rate of s at now. Elapsed time is wall-clock,
// floored at one minute, and never runs past the end of the session.
func Predict(s *model.Session, now time.Time, opts Options) model.Prediction {
	p := model.Prediction{
		ComputedAt: now,
		Budget:     opts.Budget,
		Status:     model.ProjectionUnknown,
	}
	if s == nil {
		return p
	}
	p.SessionID = s.ID
	p.TokensUsed = s.TotalTokens()

	clock := now
	if clock.After(s.EndsAt) {
		clock = s.EndsAt
	}
	elapsed := clock.Sub(s.StartedAt)

	tokens, cost := p.TokensUsed, s.TotalCost()
	if opts.Trailing > 0 && opts.Trailing < elapsed {
		elapsed = opts.Trailing
		tokens, cost = sumSince(s, clock.Add(-opts.Trailing))
	}

	minutes := math.Max(1, elapsed.Minutes())
	p.TokensPerMinute = float64(tokens) / minutes
	p.CostPerHour = cost * 60 / minutes

	remaining := s.EndsAt.Sub(clock)
	p.ProjectedTokens = p.TokensUsed + int64(p.TokensPerMinute*remaining.Minutes())

	if opts.Budget <= 0 {
		return p
	}
	p.ExhaustsAt = exhaustion(s, clock, p.TokensUsed, p.TokensPerMinute, opts.Budget)
	p.Status = status(p.ProjectedTokens, opts.Budget)
	return p
}

// exhaustion returns when the budget runs out at the current rate, or nil
// if that would be at or past the end of the session.
func exhaustion(s *model.Session, now time.Time, used int64, rate float64, budget int64) *time.Time {
	if used >= budget {
		t := now
		return &t
	}
	if rate <= 0 {
		return nil
	}
	left := time.Duration(float64(budget-used) / rate * float64(time.Minute))
	t := now.Add(left)
	if !t.Before(s.EndsAt) {
		return nil
	}
	return &t
}

func status(projected, budget int64) model.ProjectionStatus {
	ratio := float64(projected) / float64(budget)
	switch {
	case ratio >= criticalRatio:
		return model.ProjectionCritical
	case ratio >= warningRatio:
		return model.ProjectionWarning
	default:
		return model.ProjectionSafe
	}
}

func sumSince(s *model.Session, from time.Time) (int64, float64) {
	var (
		tokens int64
		cost   float64
	)
	for _, ev := range s.Events {
		if ev.OccurredAt.Before(from) {
			continue
		}
		tokens += ev.TotalTokens()
		cost += ev.CostUSD
	}
	return tokens, cost
}
