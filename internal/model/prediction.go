package model

import "time"

// ProjectionStatus grades how close the session is to its token budget.
type ProjectionStatus string

const (
	ProjectionUnknown  ProjectionStatus = "unknown"
	ProjectionSafe     ProjectionStatus = "safe"
	ProjectionWarning  ProjectionStatus = "warning"
	ProjectionCritical ProjectionStatus = "critical"
)

// Prediction is the burn-rate view of a session at a point in time.
type Prediction struct {
	SessionID       string           `json:"session_id"`
	ComputedAt      time.Time        `json:"computed_at"`
	TokensPerMinute float64          `json:"tokens_per_minute"`
	CostPerHour     float64          `json:"cost_per_hour"`
	TokensUsed      int64            `json:"tokens_used"`
	Budget          int64            `json:"budget,omitempty"`
	ProjectedTokens int64            `json:"projected_tokens"`
	ExhaustsAt      *time.Time       `json:"exhausts_at,omitempty"`
	Status          ProjectionStatus `json:"status"`
}

// WillExhaust reports whether the budget runs out before the session ends.
func (p Prediction) WillExhaust() bool {
	return p.ExhaustsAt != nil
}
