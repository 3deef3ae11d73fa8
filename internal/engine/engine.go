// Package engine is the ingest pipeline: it normalizes fetched payloads,
// filters duplicates, windows local usage into sessions, persists the
// result and publishes immutable state snapshots.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/theirongolddev/spendwatch/internal/burnrate"
	"github.com/theirongolddev/spendwatch/internal/config"
	"github.com/theirongolddev/spendwatch/internal/dedup"
	"github.com/theirongolddev/spendwatch/internal/metrics"
	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/normalize"
	"github.com/theirongolddev/spendwatch/internal/provider"
	"github.com/theirongolddev/spendwatch/internal/scheduler"
	"github.com/theirongolddev/spendwatch/internal/session"
	"github.com/theirongolddev/spendwatch/internal/store"
)

// Store is the persistence the engine needs.
type Store interface {
	Apply(ctx context.Context, b store.Batch) error
	SaveSnapshot(ctx context.Context, snap model.ProviderSnapshot) (string, error)
	LatestSnapshots(ctx context.Context) (map[string]model.ProviderSnapshot, error)
	Rollups(ctx context.Context, providerID string, from, to time.Time) ([]model.DailyRollup, error)
	Sessions(ctx context.Context, providerID string, since time.Time) ([]*model.Session, error)
	DedupSince(ctx context.Context, since time.Time) ([]model.DedupRecord, error)
	RevisableSince(ctx context.Context, since time.Time) ([]model.UsageEvent, error)
	Prune(ctx context.Context, before time.Time) (store.PruneResult, error)
}

// Options configures an Engine.
type Options struct {
	Prices *config.PriceTable
	// Budget is the per-session token limit used for exhaustion prediction.
	Budget   int64
	Trailing time.Duration
	// Retention bounds how old an event may be and still be counted.
	Retention time.Duration
	// RestoreWindow is how far back identities and sessions are reloaded.
	RestoreWindow time.Duration
	// SessionProviders are windowed into sessions.
	SessionProviders []string
	Clock            clock.Clock
	Logger           zerolog.Logger
}

// Engine implements scheduler.Sink.
type Engine struct {
	store Store
	dedup *dedup.Store
	opts  Options
	clock clock.Clock
	log   zerolog.Logger

	windowers map[string]*session.Windower

	// writeMu orders windower changes with the session writes they produce,
	// so an older session copy never lands after a newer one.
	writeMu sync.Mutex

	// revisions holds the latest observation of each revisable event.
	revMu     sync.Mutex
	revisions map[string]model.UsageEvent

	// mu serializes state transitions; readers use state without locking.
	mu    sync.Mutex
	state atomic.Pointer[State]

	pendingMu sync.Mutex
	pending   map[string]store.Batch

	subMu     sync.Mutex
	nextSubID int
	nextNote  int64
	subs      map[int]chan Notification
}

var _ scheduler.Sink = (*Engine)(nil)

// New creates an engine. Call Restore before handing it to the scheduler.
func New(st Store, d *dedup.Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.RestoreWindow <= 0 {
		opts.RestoreWindow = 24 * time.Hour
	}
	if opts.SessionProviders == nil {
		opts.SessionProviders = []string{config.ProviderClaudeCode}
	}

	e := &Engine{
		store:     st,
		dedup:     d,
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger.With().Str("component", "engine").Logger(),
		windowers: make(map[string]*session.Windower),
		revisions: make(map[string]model.UsageEvent),
		pending:   make(map[string]store.Batch),
		subs:      make(map[int]chan Notification),
	}
	for _, id := range opts.SessionProviders {
		e.windowers[id] = session.New(id)
	}

	now := e.clock.Now()
	e.state.Store(&State{
		RunID:     uuid.NewString(),
		StartedAt: now,
		UpdatedAt: now,
		Providers: make(map[string]ProviderState),
	})
	return e
}

// State returns the current immutable state.
func (e *Engine) State() *State {
	return e.state.Load()
}

// Restore reloads sessions, dedup identities and snapshots from the store.
func (e *Engine) Restore(ctx context.Context) error {
	now := e.clock.Now()
	since := now.Add(-e.opts.RestoreWindow)

	dedupFrom := since
	for id, w := range e.windowers {
		sessions, err := e.store.Sessions(ctx, id, since)
		if err != nil {
			return fmt.Errorf("restoring %s sessions: %w", id, err)
		}
		w.Restore(sessions, now)
		if active := w.Active(); active != nil && active.StartedAt.Before(dedupFrom) {
			dedupFrom = active.StartedAt
		}
	}

	recs, err := e.store.DedupSince(ctx, dedupFrom)
	if err != nil {
		return fmt.Errorf("restoring dedup identities: %w", err)
	}
	e.dedup.Restore(recs)

	revs, err := e.store.RevisableSince(ctx, revisableFrom(now))
	if err != nil {
		return fmt.Errorf("restoring revisable events: %w", err)
	}
	e.revMu.Lock()
	for _, ev := range revs {
		e.revisions[ev.Identity] = ev
	}
	e.revMu.Unlock()

	snaps, err := e.store.LatestSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("restoring snapshots: %w", err)
	}
	derived, err := e.monthToDate(ctx, "", now)
	if err != nil {
		return fmt.Errorf("restoring rollups: %w", err)
	}

	e.update(func(s *State) {
		for id, snap := range snaps {
			p := s.Providers[id]
			p.Snapshot = &snap
			s.Providers[id] = p
		}
		for id, snap := range derived {
			if _, ok := snaps[id]; ok {
				continue
			}
			p := s.Providers[id]
			p.Snapshot = snap
			s.Providers[id] = p
		}
		e.refreshSessions(s, now)
	})

	metrics.DedupIdentities.Set(float64(e.dedup.Len()))
	e.log.Info().
		Int("identities", len(recs)).
		Int("revisable", len(revs)).
		Int("snapshots", len(snaps)).
		Time("dedup_from", dedupFrom).
		Msg("state restored")
	return nil
}

// Ingest implements scheduler.Sink.
func (e *Engine) Ingest(ctx context.Context, raw provider.Raw) error {
	id := raw.ProviderID
	res, err := normalize.Normalize(id, raw, e.opts.Prices)
	if err != nil {
		metrics.RecordErrors.WithLabelValues(id, "malformed").Inc()
		return err
	}
	e.noteQuality(id, res)

	if res.Snapshot != nil {
		return e.ingestSnapshot(ctx, *res.Snapshot, len(raw.Partial) > 0)
	}
	return e.ingestEvents(ctx, raw, res.Events)
}

// ingestSnapshot serves and stores snap. After a partial fetch the parts
// that did not answer keep their previous values, so the cumulative total
// never dips because a key failed.
func (e *Engine) ingestSnapshot(ctx context.Context, snap model.ProviderSnapshot, partial bool) error {
	snap.Status = model.StatusActive
	if partial {
		if prev, ok := e.State().Provider(snap.ProviderID); ok && prev.Snapshot != nil {
			if carried := snap.CarryParts(*prev.Snapshot); len(carried) > 0 {
				e.log.Warn().
					Str("provider", snap.ProviderID).
					Strs("parts", carried).
					Msg("carrying forward parts of a partial fetch")
			}
		}
	}
	e.update(func(s *State) {
		p := s.Providers[snap.ProviderID]
		p.Snapshot = &snap
		p.LastIngest = e.clock.Now()
		s.Providers[snap.ProviderID] = p
	})
	e.notify(NotifySnapshot, snap.ProviderID, Delta{})

	if _, err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("saving %s snapshot: %w", snap.ProviderID, err)
	}
	return nil
}

func (e *Engine) ingestEvents(ctx context.Context, raw provider.Raw, events []model.UsageEvent) error {
	id := raw.ProviderID
	now := e.clock.Now()
	cutoff := now.Add(-e.opts.Retention)
	w := e.windowers[id]

	var (
		batch    store.Batch
		delta    Delta
		stale    int
		late     int
		sessions []string
	)
	touched := make(map[string]*model.Session)
	touch := func(s *model.Session) {
		if _, seen := touched[s.ID]; !seen {
			sessions = append(sessions, s.ID)
		}
		touched[s.ID] = s
	}

	e.dropSettled(now)

	e.writeMu.Lock()
	for _, ev := range events {
		if ev.OccurredAt.Before(cutoff) {
			stale++
			continue
		}
		adm, prev := e.admit(ctx, ev)
		if adm == admitDuplicate {
			delta.Duplicates++
			continue
		}

		row := store.EventRow{Event: ev}
		if w != nil {
			if adm == admitRevised {
				if s := w.Revise(ev); s != nil {
					row.SessionID = s.ID
					touch(s)
				}
			} else {
				upd := w.Ingest(ev)
				if upd.Closed != nil {
					touch(upd.Closed)
				}
				if upd.Late {
					late++
				} else {
					row.SessionID = upd.Session.ID
					touch(upd.Session)
				}
			}
		}
		batch.Events = append(batch.Events, row)
		if adm == admitRevised {
			delta.revise(prev, ev)
			continue
		}
		if ev.HasIdentity() {
			batch.Dedup = append(batch.Dedup, model.DedupRecord{Identity: ev.Identity, FirstSeenAt: now})
		}
		delta.add(ev)
	}
	for _, sid := range sessions {
		batch.Sessions = append(batch.Sessions, touched[sid])
	}
	if raw.Increment != nil {
		batch.Offsets = raw.Increment.Offsets
	}
	persistErr := e.persist(ctx, id, batch)
	e.writeMu.Unlock()

	metrics.EventsTotal.WithLabelValues(id, "accepted").Add(float64(delta.Accepted))
	metrics.EventsTotal.WithLabelValues(id, "revised").Add(float64(delta.Revised))
	metrics.EventsTotal.WithLabelValues(id, "duplicate").Add(float64(delta.Duplicates))
	metrics.EventsTotal.WithLabelValues(id, "stale").Add(float64(stale))
	metrics.EventsTotal.WithLabelValues(id, "late").Add(float64(late))
	if delta.CostUSD > 0 {
		metrics.CostUSD.WithLabelValues(id).Add(delta.CostUSD)
	}
	if delta.Tokens > 0 {
		metrics.TokensTotal.WithLabelValues(id).Add(float64(delta.Tokens))
	}
	metrics.DedupIdentities.Set(float64(e.dedup.Len()))

	if stale > 0 {
		e.log.Warn().Str("provider", id).Int("count", stale).Msg("dropped events older than retention")
	}
	if late > 0 {
		e.log.Info().Str("provider", id).Int("count", late).Msg("events predate every session window")
	}

	var snap *model.ProviderSnapshot
	if derived, err := e.monthToDate(ctx, id, now); err != nil {
		e.log.Warn().Err(err).Str("provider", id).Msg("reading month-to-date rollups")
	} else {
		snap = derived[id]
	}

	e.update(func(s *State) {
		p := s.Providers[id]
		if snap != nil {
			snap.Status = model.StatusActive
			p.Snapshot = snap
		}
		p.LastIngest = now
		p.Accepted += int64(delta.Accepted)
		p.Revised += int64(delta.Revised)
		p.Duplicates += int64(delta.Duplicates)
		s.Providers[id] = p
		s.Quality.Duplicates += int64(delta.Duplicates)
		s.Quality.Stale += int64(stale)
		s.Quality.Late += int64(late)
		e.refreshSessions(s, now)
	})
	if delta.Accepted > 0 || delta.Revised > 0 || delta.Duplicates > 0 {
		e.notify(NotifyUsage, id, delta)
	}
	return persistErr
}

type admission int

const (
	admitNew admission = iota
	admitRevised
	admitDuplicate
)

// admit decides whether ev is counted for the first time, replaces an
// earlier observation, or is a duplicate. prev is the replaced observation.
func (e *Engine) admit(ctx context.Context, ev model.UsageEvent) (admission, model.UsageEvent) {
	if !ev.Revisable || !ev.HasIdentity() {
		if e.dedup.Accept(ctx, ev) {
			return admitNew, model.UsageEvent{}
		}
		return admitDuplicate, model.UsageEvent{}
	}

	e.revMu.Lock()
	defer e.revMu.Unlock()
	prev, known := e.revisions[ev.Identity]
	if known && prev.SameCounts(ev) {
		return admitDuplicate, model.UsageEvent{}
	}
	e.revisions[ev.Identity] = ev
	if known {
		return admitRevised, prev
	}
	if e.dedup.Accept(ctx, ev) {
		return admitNew, model.UsageEvent{}
	}
	// Claimed before without a copy in memory: the store takes the new
	// counts, the difference is unknown.
	return admitRevised, ev
}

// dropSettled forgets revisable events of days that can no longer change.
func (e *Engine) dropSettled(now time.Time) {
	from := revisableFrom(now)
	e.revMu.Lock()
	defer e.revMu.Unlock()
	for id, ev := range e.revisions {
		if ev.OccurredAt.Before(from) {
			delete(e.revisions, id)
		}
	}
}

// revisableFrom is the start of the oldest day a provider may still revise.
func revisableFrom(now time.Time) time.Time {
	return model.DayOf(now).AddDate(0, 0, -1)
}

// persist writes b together with anything left over from a failed write,
// so stored state catches up once the store recovers.
func (e *Engine) persist(ctx context.Context, id string, b store.Batch) error {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	merged := e.pending[id]
	merged.Events = append(merged.Events, b.Events...)
	merged.Sessions = append(merged.Sessions, b.Sessions...)
	merged.Dedup = append(merged.Dedup, b.Dedup...)
	merged.Offsets = append(merged.Offsets, b.Offsets...)
	if merged.Empty() {
		return nil
	}

	if err := e.store.Apply(ctx, merged); err != nil {
		e.pending[id] = merged
		return fmt.Errorf("persisting %s: %w", id, err)
	}
	delete(e.pending, id)
	return nil
}

// monthToDate derives cumulative snapshots from this month's rollups. An
// empty id derives every provider on record.
func (e *Engine) monthToDate(ctx context.Context, id string, now time.Time) (map[string]*model.ProviderSnapshot, error) {
	y, m, _ := now.UTC().Date()
	from := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	rollups, err := e.store.Rollups(ctx, id, from, now)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*model.ProviderSnapshot)
	for _, r := range rollups {
		snap, ok := out[r.ProviderID]
		if !ok {
			snap = &model.ProviderSnapshot{
				ProviderID: r.ProviderID,
				FetchedAt:  now,
				Status:     model.StatusActive,
				Breakdown:  make(map[string]float64),
			}
			out[r.ProviderID] = snap
		}
		snap.CostToDate += r.TotalCost
		snap.TokenCount += r.TotalTokens
		snap.Breakdown[r.Date.Format("2006-01-02")] = r.TotalCost
	}
	return out, nil
}

// ProviderStatus implements scheduler.Sink. The last snapshot keeps being
// served; only its status changes.
func (e *Engine) ProviderStatus(st scheduler.ProviderStatus) {
	changed := false
	e.update(func(s *State) {
		p := s.Providers[st.ProviderID]
		changed = p.Status.Status != st.Status
		p.Status = st
		if p.Snapshot != nil {
			snap := *p.Snapshot
			snap.Status = st.Status
			snap.RateLimit.Limited = st.Status == model.StatusRateLimited
			snap.RateLimit.RetryAt = st.RetryAt
			p.Snapshot = &snap
		}
		s.Providers[st.ProviderID] = p
	})
	if changed {
		e.notify(NotifyStatus, st.ProviderID, Delta{})
	}
}

// Tick closes sessions whose window has passed and refreshes burn-rate
// predictions, which decay with wall-clock time.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.clock.Now()
	var firstErr error
	closed := 0
	e.writeMu.Lock()
	for id, w := range e.windowers {
		s := w.Tick(now)
		if s == nil {
			continue
		}
		closed++
		e.log.Info().Str("session", s.ID).Int64("tokens", s.TotalTokens()).Msg("session closed")
		if err := e.persist(ctx, id, store.Batch{Sessions: []*model.Session{s}}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.writeMu.Unlock()

	e.update(func(s *State) { e.refreshSessions(s, now) })
	if closed > 0 {
		e.notify(NotifySession, "", Delta{})
	}
	return firstErr
}

// Prune forgets identities and raw events older than the retention window.
func (e *Engine) Prune(ctx context.Context) error {
	cutoff := e.clock.Now().Add(-e.opts.Retention)
	n := e.dedup.Prune(ctx, cutoff)
	res, err := e.store.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning store: %w", err)
	}
	metrics.DedupIdentities.Set(float64(e.dedup.Len()))
	e.log.Info().
		Int("memory_identities", n).
		Int64("identities", res.Identities).
		Int64("events", res.Events).
		Int64("snapshots", res.Snapshots).
		Time("before", cutoff).
		Msg("pruned")
	return nil
}

// Session returns a copy of the session of providerID containing t, if it
// is still held in memory.
func (e *Engine) Session(providerID string, t time.Time) *model.Session {
	w, ok := e.windowers[providerID]
	if !ok {
		return nil
	}
	return w.Find(t)
}

// SessionProviders lists the providers windowed into sessions.
func (e *Engine) SessionProviders() []string {
	ids := make([]string, 0, len(e.windowers))
	for id := range e.windowers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) refreshSessions(s *State, now time.Time) {
	for id, w := range e.windowers {
		p := s.Providers[id]
		p.Session = w.Active()
		if p.Session == nil {
			p.Prediction = nil
			metrics.SessionTokens.WithLabelValues(id).Set(0)
			metrics.BurnRate.WithLabelValues(id).Set(0)
		} else {
			pred := burnrate.Predict(p.Session, now, burnrate.Options{
				Budget:   e.opts.Budget,
				Trailing: e.opts.Trailing,
			})
			p.Prediction = &pred
			metrics.SessionTokens.WithLabelValues(id).Set(float64(pred.TokensUsed))
			metrics.BurnRate.WithLabelValues(id).Set(pred.TokensPerMinute)
		}
		s.Providers[id] = p
	}
}

func (e *Engine) noteQuality(id string, res normalize.Result) {
	if res.Malformed == 0 && res.Ambiguous == 0 && res.Unpriced == 0 {
		return
	}
	metrics.RecordErrors.WithLabelValues(id, "malformed").Add(float64(res.Malformed))
	metrics.RecordErrors.WithLabelValues(id, "ambiguous").Add(float64(res.Ambiguous))
	metrics.RecordErrors.WithLabelValues(id, "unpriced").Add(float64(res.Unpriced))
	e.log.Warn().
		Str("provider", id).
		Int("malformed", res.Malformed).
		Int("ambiguous", res.Ambiguous).
		Int("unpriced", res.Unpriced).
		Msg("record quality issues")

	e.update(func(s *State) {
		s.Quality.Malformed += int64(res.Malformed)
		s.Quality.Ambiguous += int64(res.Ambiguous)
		s.Quality.Unpriced += int64(res.Unpriced)
	})
}

func (e *Engine) update(fn func(*State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.state.Load().clone()
	fn(next)
	next.UpdatedAt = e.clock.Now()
	e.state.Store(next)
}
