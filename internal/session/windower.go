// Package session groups local usage events into fixed five-hour windows.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/theirongolddev/spendwatch/internal/model"
)

// maxHistory bounds the closed sessions held in memory. Older sessions live
// only in the store.
const maxHistory = 48

// Update describes what an Ingest did.
type Update struct {
	// Session is a copy of the session the event landed in, nil if stale.
	Session *model.Session
	// Created is set when the event opened a new session.
	Created bool
	// Closed is the previously active session, when the event superseded it.
	Closed *model.Session
	// Late is set when the event predates every known window. The event
	// still counts; it just belongs to no session.
	Late bool
}

// Windower owns the active session of one provider. All methods are safe for
// concurrent use; callers only ever see copies.
type Windower struct {
	mu         sync.Mutex
	providerID string
	active     *model.Session
	history    []*model.Session // closed, ascending by StartedAt
}

// New creates an empty windower for providerID.
func New(providerID string) *Windower {
	return &Windower{providerID: providerID}
}

// ProviderID returns the provider this windower tracks.
func (w *Windower) ProviderID() string { return w.providerID }

// Ingest places ev into its session, opening a new one when ev is at or
// past the end of the latest window.
func (w *Windower) Ingest(ev model.UsageEvent) Update {
	w.mu.Lock()
	defer w.mu.Unlock()

	at := ev.OccurredAt
	latest := w.latest()

	if latest == nil || !at.Before(latest.EndsAt) {
		var closed *model.Session
		if w.active != nil {
			closed = w.active.Clone()
			w.retire()
		}
		w.active = model.NewSession(w.providerID, at.UTC().Truncate(time.Hour))
		w.active.Append(ev)
		return Update{Session: w.active.Clone(), Created: true, Closed: closed}
	}

	if !at.Before(latest.StartedAt) {
		latest.Append(ev)
		return Update{Session: latest.Clone()}
	}

	if s := w.find(at); s != nil {
		s.Append(ev)
		return Update{Session: s.Clone()}
	}
	return Update{Late: true}
}

// Revise applies a newer observation of an event already windowed, keeping
// it in the session that holds it. It returns a copy of that session, or
// nil if no session in memory holds the event.
func (w *Windower) Revise(ev model.UsageEvent) *model.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.find(ev.OccurredAt)
	if s == nil || !s.Revise(ev) {
		return nil
	}
	return s.Clone()
}

// Tick closes the active session once its window has passed. It returns the
// closed session, or nil if nothing changed.
func (w *Windower) Tick(now time.Time) *model.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil || w.active.State(now) == model.SessionActive {
		return nil
	}
	closed := w.active.Clone()
	w.retire()
	return closed
}

// Active returns a copy of the active session, or nil.
func (w *Windower) Active() *model.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.Clone()
}

// Find returns a copy of the session whose window contains t.
func (w *Windower) Find(t time.Time) *model.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.find(t).Clone()
}

// Sessions returns copies of every session held in memory, oldest first.
func (w *Windower) Sessions() []*model.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*model.Session, 0, len(w.history)+1)
	for _, s := range w.history {
		out = append(out, s.Clone())
	}
	if w.active != nil {
		out = append(out, w.active.Clone())
	}
	return out
}

// Restore replaces the windower's state with persisted sessions. The newest
// session becomes active if its window is still open at now. Overlapping
// sessions keep the earliest.
func (w *Windower) Restore(sessions []*model.Session, now time.Time) {
	sorted := make([]*model.Session, 0, len(sessions))
	for _, s := range sessions {
		if s != nil && s.ProviderID == w.providerID {
			sorted = append(sorted, s.Clone())
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.Before(sorted[j].StartedAt)
	})

	kept := sorted[:0]
	for _, s := range sorted {
		if n := len(kept); n > 0 && s.StartedAt.Before(kept[n-1].EndsAt) {
			continue
		}
		kept = append(kept, s)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = nil
	w.history = nil
	if n := len(kept); n > 0 && kept[n-1].State(now) == model.SessionActive {
		w.active = kept[n-1]
		kept = kept[:n-1]
	}
	if len(kept) > maxHistory {
		kept = kept[len(kept)-maxHistory:]
	}
	w.history = kept
}

func (w *Windower) latest() *model.Session {
	if w.active != nil {
		return w.active
	}
	if n := len(w.history); n > 0 {
		return w.history[n-1]
	}
	return nil
}

func (w *Windower) retire() {
	w.history = append(w.history, w.active)
	if len(w.history) > maxHistory {
		w.history = w.history[len(w.history)-maxHistory:]
	}
	w.active = nil
}

func (w *Windower) find(t time.Time) *model.Session {
	if w.active != nil && w.active.Contains(t) {
		return w.active
	}
	i := sort.Search(len(w.history), func(i int) bool {
		return w.history[i].EndsAt.After(t)
	})
	if i < len(w.history) && w.history[i].Contains(t) {
		return w.history[i]
	}
	return nil
}
