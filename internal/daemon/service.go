// Package daemon provides the long-running background spend monitor service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/spendwatch/internal/engine"
	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/scheduler"
)

// Config controls the daemon runtime behavior.
type Config struct {
	Addr         string
	DataDir      string
	EventsBuffer int
	// Budget is the session token limit used when a session is read back
	// from the store rather than from memory.
	Budget int64
	// Days is the default width of /v1/rollups.
	Days          int
	TickInterval  time.Duration
	PruneInterval time.Duration
	Clock         clock.Clock
}

// Scheduler is the polling surface the daemon drives.
type Scheduler interface {
	Run(ctx context.Context) error
	Refresh(id string) error
	Statuses() []scheduler.ProviderStatus
}

// Reader is the persisted history served by the API.
type Reader interface {
	Rollups(ctx context.Context, providerID string, from, to time.Time) ([]model.DailyRollup, error)
	Session(ctx context.Context, id string) (*model.Session, error)
	ActiveSession(ctx context.Context, providerID string, now time.Time) (*model.Session, error)
	SnapshotHistory(ctx context.Context, providerID string, since time.Time) ([]model.ProviderSnapshot, error)
}

// Tailer follows local logs for as long as ctx lives.
type Tailer interface {
	Run(ctx context.Context)
}

// Deps are the components the service wires together.
type Deps struct {
	Engine    *engine.Engine
	Scheduler Scheduler
	Store     Reader
	// Tailer is optional.
	Tailer Tailer
	Logger zerolog.Logger
}

// Summary is a compact aggregate carried on every event.
type Summary struct {
	TotalCostUSD float64        `json:"total_cost_usd"`
	Providers    int            `json:"providers"`
	Active       int            `json:"active"`
	Quality      engine.Quality `json:"quality"`
}

// Event is emitted whenever engine state changes.
type Event struct {
	ID         int64        `json:"id"`
	Type       string       `json:"type"`
	Timestamp  time.Time    `json:"timestamp"`
	ProviderID string       `json:"provider_id,omitempty"`
	Delta      engine.Delta `json:"delta"`
	Summary    Summary      `json:"summary"`
}

// Status is served at /v1/status.
type Status struct {
	RunID           string         `json:"run_id"`
	StartedAt       time.Time      `json:"started_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Addr            string         `json:"addr"`
	DataDir         string         `json:"data_dir"`
	Summary         Summary        `json:"summary"`
	Providers       []ProviderView `json:"providers"`
	Sessions        []SessionView  `json:"sessions,omitempty"`
	EventCount      int            `json:"event_count"`
	SubscriberCount int            `json:"subscriber_count"`
}

// ProviderView is one provider's row in Status.
type ProviderView struct {
	ProviderID string                   `json:"provider_id"`
	Status     scheduler.ProviderStatus `json:"status"`
	Snapshot   *model.ProviderSnapshot  `json:"snapshot,omitempty"`
	LastIngest time.Time                `json:"last_ingest,omitempty"`
	Accepted   int64                    `json:"accepted"`
	Duplicates int64                    `json:"duplicates"`
}

// SessionView is the API shape of a session.
type SessionView struct {
	ID           string                       `json:"id"`
	ProviderID   string                       `json:"provider_id"`
	StartedAt    time.Time                    `json:"started_at"`
	EndsAt       time.Time                    `json:"ends_at"`
	State        model.SessionState           `json:"state"`
	Requests     int                          `json:"requests"`
	TotalTokens  int64                        `json:"total_tokens"`
	TotalCostUSD float64                      `json:"total_cost_usd"`
	Models       map[string]model.ModelTotals `json:"models"`
	Prediction   *model.Prediction            `json:"prediction,omitempty"`
}

// NewSessionView builds the view of s at now.
func NewSessionView(s *model.Session, now time.Time, p *model.Prediction) SessionView {
	v := SessionView{
		ID:           s.ID,
		ProviderID:   s.ProviderID,
		StartedAt:    s.StartedAt,
		EndsAt:       s.EndsAt,
		State:        s.State(now),
		TotalTokens:  s.TotalTokens(),
		TotalCostUSD: s.TotalCost(),
		Models:       make(map[string]model.ModelTotals, len(s.PerModel)),
		Prediction:   p,
	}
	for name, mt := range s.PerModel {
		v.Models[name] = *mt
		v.Requests += mt.Requests
	}
	return v
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg   Config
	deps  Deps
	clock clock.Clock
	log   zerolog.Logger

	mu     sync.RWMutex
	events []Event

	nextSubID int
	subs      map[int]chan Event
}

// New returns a new daemon service with the provided config.
func New(cfg Config, deps Deps) *Service {
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8787"
	}
	if cfg.Days < 1 {
		cfg.Days = 7
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Service{
		cfg:   cfg,
		deps:  deps,
		clock: cfg.Clock,
		log:   deps.Logger.With().Str("component", "daemon").Logger(),
		subs:  make(map[int]chan Event),
	}
}

// Run serves the API and drives polling, tailing and maintenance until ctx
// is canceled. Every goroutine it starts has exited when Run returns.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	notes, unsubscribe := s.deps.Engine.Subscribe(64)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.pump(gctx, notes)
		return nil
	})
	if s.deps.Tailer != nil {
		g.Go(func() error {
			s.deps.Tailer.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return s.deps.Scheduler.Run(gctx)
	})
	g.Go(func() error {
		s.maintain(gctx)
		return nil
	})

	s.log.Info().Str("addr", s.cfg.Addr).Msg("daemon started")
	err := g.Wait()
	s.log.Info().Msg("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pump turns engine notifications into API events.
func (s *Service) pump(ctx context.Context, notes <-chan engine.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notes:
			s.publishEvent(Event{
				ID:         n.ID,
				Type:       n.Type,
				Timestamp:  n.Timestamp,
				ProviderID: n.ProviderID,
				Delta:      n.Delta,
				Summary:    summarize(n.State),
			})
		}
	}
}

// maintain closes sessions on every tick and prunes old history, once at
// start and then every PruneInterval.
func (s *Service) maintain(ctx context.Context) {
	if err := s.deps.Engine.Prune(ctx); err != nil {
		s.log.Warn().Err(err).Msg("prune failed")
	}

	tick := s.clock.Ticker(s.cfg.TickInterval)
	defer tick.Stop()
	prune := s.clock.Ticker(s.cfg.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := s.deps.Engine.Tick(ctx); err != nil {
				s.log.Warn().Err(err).Msg("tick failed")
			}
		case <-prune.C:
			if err := s.deps.Engine.Prune(ctx); err != nil {
				s.log.Warn().Err(err).Msg("prune failed")
			}
		}
	}
}

func summarize(st *engine.State) Summary {
	if st == nil {
		return Summary{}
	}
	sum := Summary{
		TotalCostUSD: st.TotalCost(),
		Providers:    len(st.Providers),
		Quality:      st.Quality,
	}
	for _, p := range st.Providers {
		if p.Status.Status == model.StatusActive {
			sum.Active++
		}
	}
	return sum
}

func (s *Service) publishEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Service) snapshotStatus() Status {
	st := s.deps.Engine.State()
	now := s.clock.Now()

	statuses := make(map[string]scheduler.ProviderStatus)
	for _, ps := range s.deps.Scheduler.Statuses() {
		statuses[ps.ProviderID] = ps
	}
	ids := make([]string, 0, len(statuses)+len(st.Providers))
	for id := range statuses {
		ids = append(ids, id)
	}
	for id := range st.Providers {
		if _, ok := statuses[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := Status{
		RunID:     st.RunID,
		StartedAt: st.StartedAt,
		UpdatedAt: st.UpdatedAt,
		Addr:      s.cfg.Addr,
		DataDir:   s.cfg.DataDir,
		Summary:   summarize(st),
		Providers: make([]ProviderView, 0, len(ids)),
	}
	for _, id := range ids {
		p := st.Providers[id]
		v := ProviderView{
			ProviderID: id,
			Status:     p.Status,
			Snapshot:   p.Snapshot,
			LastIngest: p.LastIngest,
			Accepted:   p.Accepted,
			Duplicates: p.Duplicates,
		}
		if ps, ok := statuses[id]; ok {
			v.Status = ps
		}
		out.Providers = append(out.Providers, v)
		if p.Session != nil {
			out.Sessions = append(out.Sessions, NewSessionView(p.Session, now, p.Prediction))
		}
	}

	s.mu.RLock()
	out.EventCount = len(s.events)
	out.SubscriberCount = len(s.subs)
	s.mu.RUnlock()
	return out
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
