package engine

import (
	"time"

	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/scheduler"
)

// State is an immutable view of everything the engine knows. A new State
// replaces the old one on every change; never modify a State you were given.
type State struct {
	RunID     string                   `json:"run_id"`
	StartedAt time.Time                `json:"started_at"`
	UpdatedAt time.Time                `json:"updated_at"`
	Providers map[string]ProviderState `json:"providers"`
	Quality   Quality                  `json:"quality"`
}

// ProviderState is one provider's slice of the State.
type ProviderState struct {
	Status     scheduler.ProviderStatus `json:"status"`
	Snapshot   *model.ProviderSnapshot  `json:"snapshot,omitempty"`
	Session    *model.Session           `json:"-"`
	Prediction *model.Prediction        `json:"prediction,omitempty"`
	LastIngest time.Time                `json:"last_ingest,omitempty"`
	Accepted   int64                    `json:"accepted"`
	Revised    int64                    `json:"revised"`
	Duplicates int64                    `json:"duplicates"`
}

// Quality accumulates data-quality counters since start. Stale events are
// older than retention and dropped; late events are counted but fall
// outside every session window.
type Quality struct {
	Malformed  int64 `json:"malformed"`
	Ambiguous  int64 `json:"ambiguous"`
	Unpriced   int64 `json:"unpriced"`
	Duplicates int64 `json:"duplicates"`
	Stale      int64 `json:"stale"`
	Late       int64 `json:"late"`
}

// Provider returns the state of id, if known.
func (s *State) Provider(id string) (ProviderState, bool) {
	p, ok := s.Providers[id]
	return p, ok
}

// TotalCost sums the latest cost-to-date of every provider.
func (s *State) TotalCost() float64 {
	var c float64
	for _, p := range s.Providers {
		if p.Snapshot != nil {
			c += p.Snapshot.CostToDate
		}
	}
	return c
}

func (s *State) clone() *State {
	next := *s
	next.Providers = make(map[string]ProviderState, len(s.Providers))
	for k, v := range s.Providers {
		next.Providers[k] = v
	}
	return &next
}

// Delta is what one notification changed.
type Delta struct {
	Accepted   int     `json:"accepted"`
	Revised    int     `json:"revised"`
	Duplicates int     `json:"duplicates"`
	Tokens     int64   `json:"tokens"`
	CostUSD    float64 `json:"cost_usd"`
}

func (d *Delta) add(ev model.UsageEvent) {
	d.Accepted++
	d.Tokens += ev.TotalTokens()
	d.CostUSD += ev.CostUSD
}

// revise counts only what next adds over prev.
func (d *Delta) revise(prev, next model.UsageEvent) {
	d.Revised++
	d.Tokens += next.TotalTokens() - prev.TotalTokens()
	d.CostUSD += next.CostUSD - prev.CostUSD
}

// Notification types.
const (
	NotifySnapshot = "snapshot"
	NotifyUsage    = "usage"
	NotifyStatus   = "status"
	NotifySession  = "session"
)

// Notification tells subscribers that the State changed.
type Notification struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	ProviderID string    `json:"provider_id,omitempty"`
	Delta      Delta     `json:"delta"`
	State      *State    `json:"-"`
}
