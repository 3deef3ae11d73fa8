package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/theirongolddev/spendwatch/internal/burnrate"
	"github.com/theirongolddev/spendwatch/internal/metrics"
	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/provider"
	"github.com/theirongolddev/spendwatch/internal/rollup"
	"github.com/theirongolddev/spendwatch/internal/scheduler"
	"github.com/theirongolddev/spendwatch/internal/store"
)

// RollupResponse is served at /v1/rollups.
type RollupResponse struct {
	From      time.Time              `json:"from"`
	To        time.Time              `json:"to"`
	Days      []rollup.Day           `json:"days"`
	Totals    rollup.Totals          `json:"totals"`
	Providers []rollup.ProviderTotal `json:"providers"`
}

// Handler returns the API mux.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/rollups", s.handleRollups)
	mux.HandleFunc("GET /v1/sessions/active", s.handleActiveSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /v1/snapshots/{provider}", s.handleSnapshots)
	mux.HandleFunc("POST /v1/refresh/{provider}", s.handleRefresh)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshotStatus())
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, events)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	// Send current state immediately.
	current := Event{
		Type:      "snapshot",
		Timestamp: s.clock.Now(),
		Summary:   summarize(s.deps.Engine.State()),
	}
	writeSSE(w, current)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func (s *Service) handleRollups(w http.ResponseWriter, r *http.Request) {
	days := s.cfg.Days
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 366 {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 366")
			return
		}
		days = n
	}
	providerID := r.URL.Query().Get("provider")

	from, to := rollup.Window(s.clock.Now(), days)
	rows, err := s.deps.Store.Rollups(r.Context(), providerID, from, to)
	if err != nil {
		s.log.Error().Err(err).Msg("loading rollups")
		writeError(w, http.StatusInternalServerError, "loading rollups failed")
		return
	}
	perDay := rollup.Days(rows, from, to)
	writeJSON(w, http.StatusOK, RollupResponse{
		From:      from,
		To:        to,
		Days:      perDay,
		Totals:    rollup.Sum(perDay),
		Providers: rollup.ByProvider(rows),
	})
}

// handleActiveSession prefers the in-memory session, which carries the
// current prediction, and falls back to the store.
func (s *Service) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider")
	if providerID == "" {
		ids := s.deps.Engine.SessionProviders()
		if len(ids) == 0 {
			writeError(w, http.StatusNotFound, "no session providers")
			return
		}
		providerID = ids[0]
	}
	now := s.clock.Now()

	if p, ok := s.deps.Engine.State().Provider(providerID); ok && p.Session != nil && p.Session.State(now) == model.SessionActive {
		writeJSON(w, http.StatusOK, NewSessionView(p.Session, now, p.Prediction))
		return
	}

	sess, err := s.deps.Store.ActiveSession(r.Context(), providerID, now)
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("provider", providerID).Msg("loading active session")
		writeError(w, http.StatusInternalServerError, "loading session failed")
		return
	}
	pred := burnrate.Predict(sess, now, burnrate.Options{Budget: s.cfg.Budget})
	writeJSON(w, http.StatusOK, NewSessionView(sess, now, &pred))
}

func (s *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Store.Session(r.Context(), r.PathValue("id"))
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("loading session")
		writeError(w, http.StatusInternalServerError, "loading session failed")
		return
	}
	writeJSON(w, http.StatusOK, NewSessionView(sess, s.clock.Now(), nil))
}

func (s *Service) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	since := s.clock.Now().Add(-time.Duration(hours) * time.Hour)
	snaps, err := s.deps.Store.SnapshotHistory(r.Context(), r.PathValue("provider"), since)
	if err != nil {
		s.log.Error().Err(err).Msg("loading snapshot history")
		writeError(w, http.StatusInternalServerError, "loading snapshots failed")
		return
	}
	if snaps == nil {
		snaps = []model.ProviderSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("provider")
	err := s.deps.Scheduler.Refresh(id)

	var rl *provider.RateLimitError
	switch {
	case err == nil:
		s.log.Info().Str("provider", id).Msg("refresh requested")
		writeJSON(w, http.StatusAccepted, map[string]string{"provider_id": id, "result": "scheduled"})
	case errors.Is(err, scheduler.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrUnconfigured):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, scheduler.ErrRefreshTooSoon):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}
