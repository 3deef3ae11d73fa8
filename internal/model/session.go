package model

import (
	"fmt"
	"time"
)

// SessionLength is the fixed accounting window of a session.
const SessionLength = 5 * time.Hour

// SessionState is Active until EndsAt passes, then Closed.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionClosed SessionState = "closed"
)

// ModelTotals tracks per-model usage within a session.
type ModelTotals struct {
	Requests         int     `json:"requests"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Unpriced         bool    `json:"unpriced,omitempty"`
}

// Add folds ev into the totals.
func (m *ModelTotals) Add(ev UsageEvent) {
	m.Requests++
	m.InputTokens += ev.InputTokens
	m.OutputTokens += ev.OutputTokens
	m.CacheWriteTokens += ev.CacheWriteTokens
	m.CacheReadTokens += ev.CacheReadTokens
	m.CostUSD += ev.CostUSD
	if ev.Unpriced {
		m.Unpriced = true
	}
}

func (m *ModelTotals) remove(ev UsageEvent) {
	m.Requests--
	m.InputTokens -= ev.InputTokens
	m.OutputTokens -= ev.OutputTokens
	m.CacheWriteTokens -= ev.CacheWriteTokens
	m.CacheReadTokens -= ev.CacheReadTokens
	m.CostUSD -= ev.CostUSD
}

// Tokens returns all tokens in the totals.
func (m ModelTotals) Tokens() int64 {
	return m.InputTokens + m.OutputTokens + m.CacheWriteTokens + m.CacheReadTokens
}

// Session is a fixed-length window over one provider's local events.
type Session struct {
	ID         string
	ProviderID string
	StartedAt  time.Time
	EndsAt     time.Time
	Events     []UsageEvent
	PerModel   map[string]*ModelTotals
}

// SessionID derives the stable identifier of the session starting at start.
func SessionID(providerID string, start time.Time) string {
	return fmt.Sprintf("%s@%s", providerID, start.UTC().Format("2006-01-02T15:04Z"))
}

// NewSession opens an empty session whose window starts at start.
func NewSession(providerID string, start time.Time) *Session {
	start = start.UTC()
	return &Session{
		ID:         SessionID(providerID, start),
		ProviderID: providerID,
		StartedAt:  start,
		EndsAt:     start.Add(SessionLength),
		PerModel:   make(map[string]*ModelTotals),
	}
}

// Contains reports whether t falls in [StartedAt, EndsAt).
func (s *Session) Contains(t time.Time) bool {
	return !t.Before(s.StartedAt) && t.Before(s.EndsAt)
}

// State returns the lifecycle state of the session at now.
func (s *Session) State(now time.Time) SessionState {
	if now.Before(s.EndsAt) {
		return SessionActive
	}
	return SessionClosed
}

// Append adds ev in arrival order and updates the per-model totals.
func (s *Session) Append(ev UsageEvent) {
	s.Events = append(s.Events, ev)
	if s.PerModel == nil {
		s.PerModel = make(map[string]*ModelTotals)
	}
	mt, ok := s.PerModel[ev.ModelID]
	if !ok {
		mt = &ModelTotals{}
		s.PerModel[ev.ModelID] = mt
	}
	mt.Add(ev)
}

// Revise swaps the event sharing next's identity for next and moves the
// per-model totals by the difference. It reports false if no such event is
// in the session.
func (s *Session) Revise(next UsageEvent) bool {
	if !next.HasIdentity() {
		return false
	}
	for i := range s.Events {
		if s.Events[i].Identity != next.Identity {
			continue
		}
		prev := s.Events[i]
		s.Events[i] = next
		if mt, ok := s.PerModel[prev.ModelID]; ok {
			mt.remove(prev)
			if mt.Requests == 0 {
				delete(s.PerModel, prev.ModelID)
			}
		}
		mt, ok := s.PerModel[next.ModelID]
		if !ok {
			mt = &ModelTotals{}
			s.PerModel[next.ModelID] = mt
		}
		mt.Add(next)
		return true
	}
	return false
}

// TotalTokens sums tokens over every model.
func (s *Session) TotalTokens() int64 {
	var n int64
	for _, mt := range s.PerModel {
		n += mt.Tokens()
	}
	return n
}

// TotalCost sums cost over every model.
func (s *Session) TotalCost() float64 {
	var c float64
	for _, mt := range s.PerModel {
		c += mt.CostUSD
	}
	return c
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Events = append([]UsageEvent(nil), s.Events...)
	c.PerModel = make(map[string]*ModelTotals, len(s.PerModel))
	for k, v := range s.PerModel {
		mt := *v
		c.PerModel[k] = &mt
	}
	return &c
}
