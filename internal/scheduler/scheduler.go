// Package scheduler drives every configured provider on its own polling
// loop, with rate-limit backoff, failure counting and manual refresh.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/theirongolddev/spendwatch/internal/config"
	"github.com/theirongolddev/spendwatch/internal/metrics"
	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/provider"
)

// Defaults.
const (
	DefaultFailureThreshold = 3
	DefaultMaxBackoff       = 30 * time.Minute
	DefaultRefreshInterval  = 10 * time.Second
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnconfigured    = errors.New("provider is not configured")
	ErrRefreshTooSoon  = errors.New("refresh requested too soon")
	ErrAlreadyRunning  = errors.New("scheduler already running")
)

// Sink receives everything the scheduler produces. Ingest runs on the
// provider's own task; an error counts as a failed cycle.
type Sink interface {
	Ingest(ctx context.Context, raw provider.Raw) error
	ProviderStatus(st ProviderStatus)
}

// Options configures a Scheduler. Zero values take the defaults.
type Options struct {
	// Intervals overrides the polling interval per provider id.
	Intervals        map[string]time.Duration
	FailureThreshold int
	MaxBackoff       time.Duration
	RefreshInterval  time.Duration
	Clock            clock.Clock
	Logger           zerolog.Logger
}

// Scheduler owns one task per configured provider.
type Scheduler struct {
	sink      Sink
	clock     clock.Clock
	threshold int
	log       zerolog.Logger

	tasks map[string]*task
	order []string

	mu      sync.Mutex
	static  map[string]ProviderStatus
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool

	// waiting, if set, is called each time a task starts waiting.
	waiting func(id string, until time.Time)
}

type task struct {
	p        provider.Provider
	interval time.Duration
	log      zerolog.Logger
	wake     chan struct{}
	limiter  *rate.Limiter
	backoff  *backoff.ExponentialBackOff

	mu     sync.Mutex
	status ProviderStatus
}

// New creates a scheduler for set. Unconfigured providers get a static
// status and are never polled.
func New(set provider.Set, sink Sink, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}

	s := &Scheduler{
		sink:      sink,
		clock:     opts.Clock,
		threshold: opts.FailureThreshold,
		log:       opts.Logger.With().Str("component", "scheduler").Logger(),
		tasks:     make(map[string]*task),
		static:    make(map[string]ProviderStatus),
	}

	for _, p := range set.Providers {
		id := p.ID()
		interval, ok := opts.Intervals[id]
		if !ok || interval <= 0 {
			interval = config.DefaultRemoteInterval
			if p.Kind() == provider.KindLocal {
				interval = config.DefaultLocalInterval
			}
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = interval
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxInterval = opts.MaxBackoff
		b.MaxElapsedTime = 0
		b.Clock = opts.Clock
		b.Reset()

		s.tasks[id] = &task{
			p:        p,
			interval: interval,
			log:      s.log.With().Str("provider", id).Logger(),
			wake:     make(chan struct{}, 1),
			limiter:  rate.NewLimiter(rate.Every(opts.RefreshInterval), 1),
			backoff:  b,
			status: ProviderStatus{
				ProviderID: id,
				Kind:       kindName(p.Kind()),
				Status:     model.StatusActive,
				Interval:   interval,
			},
		}
		s.order = append(s.order, id)
	}
	for _, id := range set.Unconfigured {
		s.static[id] = ProviderStatus{ProviderID: id, Status: model.StatusUnconfigured}
		s.order = append(s.order, id)
	}
	sort.Strings(s.order)
	return s
}

// Run polls every provider until ctx is canceled or Shutdown is called.
// Each provider runs on its own goroutine; a slow or failing provider never
// delays another. Run returns at once if Shutdown was already called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	if s.stopped {
		s.mu.Unlock()
		s.log.Info().Msg("scheduler shut down before start")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	for _, st := range s.static {
		s.publish(st)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range s.order {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		g.Go(func() error {
			s.runTask(gctx, t)
			return nil
		})
	}
	s.log.Info().Int("providers", len(s.tasks)).Int("unconfigured", len(s.static)).Msg("scheduler started")
	err := g.Wait()
	s.log.Info().Msg("scheduler stopped")
	return err
}

// Shutdown cancels every task, abandoning in-flight fetches, and returns
// once all task goroutines have exited. Called before Run, it keeps Run from
// starting any task.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Refresh wakes a provider's task early. It refuses unconfigured and
// rate-limited providers and allows one refresh per interval.
func (s *Scheduler) Refresh(id string) error {
	t, ok := s.tasks[id]
	if !ok {
		if _, static := s.static[id]; static {
			return ErrUnconfigured
		}
		return ErrUnknownProvider
	}

	now := s.clock.Now()
	st := t.snapshot()
	if st.Status == model.StatusUnconfigured {
		return ErrUnconfigured
	}
	if st.Status == model.StatusRateLimited && now.Before(st.RetryAt) {
		return &provider.RateLimitError{Provider: id, RetryAfter: st.RetryAt.Sub(now)}
	}
	if !t.limiter.AllowN(now, 1) {
		return ErrRefreshTooSoon
	}

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Status returns the current status of a provider.
func (s *Scheduler) Status(id string) (ProviderStatus, bool) {
	if t, ok := s.tasks[id]; ok {
		return t.snapshot(), true
	}
	st, ok := s.static[id]
	return st, ok
}

// Statuses returns every provider's status ordered by id.
func (s *Scheduler) Statuses() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(s.order))
	for _, id := range s.order {
		st, _ := s.Status(id)
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	for {
		if !s.cycle(ctx, t) {
			return
		}
		if !s.wait(ctx, t) {
			return
		}
	}
}

// wait blocks until the task's next attempt is due, a refresh wakes it, or
// ctx ends. A refresh never cuts a rate-limit wait short.
func (s *Scheduler) wait(ctx context.Context, t *task) bool {
	st := t.snapshot()
	limited := st.Status == model.StatusRateLimited

	for {
		delay := st.NextAttempt.Sub(s.clock.Now())
		if delay <= 0 {
			return ctx.Err() == nil
		}

		timer := s.clock.Timer(delay)
		if s.waiting != nil {
			s.waiting(t.p.ID(), st.NextAttempt)
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
			return true
		case <-t.wake:
			timer.Stop()
			if !limited {
				return true
			}
			t.log.Debug().Time("retry_at", st.RetryAt).Msg("ignoring refresh while rate limited")
		}
	}
}

type fetchResult struct {
	raw provider.Raw
	err error
}

// cycle runs one fetch and hands the result to the sink. It returns false
// when the task should stop.
func (s *Scheduler) cycle(ctx context.Context, t *task) bool {
	id := t.p.ID()
	start := s.clock.Now()

	// The fetch runs on its own goroutine so cancellation abandons it
	// instead of waiting for it to notice.
	ch := make(chan fetchResult, 1)
	go func() {
		raw, err := t.p.Fetch(ctx)
		ch <- fetchResult{raw: raw, err: err}
	}()

	var res fetchResult
	select {
	case <-ctx.Done():
		return false
	case res = <-ch:
	}
	metrics.FetchDuration.WithLabelValues(id).Observe(s.clock.Since(start).Seconds())

	err := res.err
	if err == nil {
		for _, perr := range res.raw.Partial {
			t.log.Warn().Err(perr).Msg("partial fetch failure")
		}
		if ierr := s.sink.Ingest(ctx, res.raw); ierr != nil {
			err = fmt.Errorf("ingesting %s: %w", id, ierr)
		}
	}
	if ctx.Err() != nil {
		return false
	}

	now := s.clock.Now()
	st, stop := t.record(now, err, s.threshold)
	outcome := provider.Classify(err).String()
	if err == nil {
		outcome = "ok"
	}
	metrics.FetchesTotal.WithLabelValues(id, outcome).Inc()
	metrics.ConsecutiveFailures.WithLabelValues(id).Set(float64(st.ConsecutiveFailures))
	s.publish(st)
	return !stop
}

// record folds the outcome of an attempt into the task status and decides
// when the next attempt is due.
func (t *task) record(now time.Time, err error, threshold int) (ProviderStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &t.status
	st.LastAttempt = now
	stop := false

	switch provider.Classify(err) {
	case provider.KindNone:
		st.Status = model.StatusActive
		st.LastSuccess = now
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.RetryAt = time.Time{}
		st.NextAttempt = now.Add(t.interval)
		t.backoff.Reset()

	case provider.KindRateLimited:
		wait, ok := provider.RetryAfter(err)
		if !ok {
			wait = t.backoff.NextBackOff()
		}
		st.Status = model.StatusRateLimited
		st.RetryAt = now.Add(wait)
		st.NextAttempt = st.RetryAt
		st.LastError = err.Error()
		t.log.Warn().Dur("retry_after", wait).Time("retry_at", st.RetryAt).Msg("rate limited")

	case provider.KindAuth:
		st.Status = model.StatusUnconfigured
		st.LastError = err.Error()
		st.NextAttempt = time.Time{}
		stop = true
		t.log.Error().Err(err).Msg("credentials rejected, provider disabled")

	case provider.KindCanceled:
		stop = true

	default:
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		st.RetryAt = time.Time{}
		st.NextAttempt = now.Add(t.interval)
		if st.ConsecutiveFailures >= threshold {
			st.Status = model.StatusError
		} else if st.Status == model.StatusRateLimited {
			st.Status = model.StatusActive
		}
		t.log.Warn().Err(err).Int("consecutive", st.ConsecutiveFailures).Msg("fetch failed")
	}
	return *st, stop
}

func (t *task) snapshot() ProviderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (s *Scheduler) publish(st ProviderStatus) {
	metrics.SetStatus(st.ProviderID, string(st.Status), AllStatuses)
	s.sink.ProviderStatus(st)
}
