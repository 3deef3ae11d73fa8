package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/provider"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type scriptedProvider struct {
	id    string
	kind  provider.Kind
	clk   clock.Clock
	calls chan time.Time

	mu     sync.Mutex
	script []error
	block  chan struct{}
}

func (p *scriptedProvider) ID() string          { return p.id }
func (p *scriptedProvider) Kind() provider.Kind { return p.kind }

func (p *scriptedProvider) Fetch(ctx context.Context) (provider.Raw, error) {
	p.calls <- p.clk.Now()
	if p.block != nil {
		<-p.block
		return provider.Raw{}, ctx.Err()
	}

	p.mu.Lock()
	var err error
	if len(p.script) > 0 {
		err = p.script[0]
		if len(p.script) > 1 {
			p.script = p.script[1:]
		}
	}
	p.mu.Unlock()

	if err != nil {
		return provider.Raw{}, err
	}
	return provider.Raw{ProviderID: p.id, FetchedAt: p.clk.Now()}, nil
}

type recordingSink struct {
	mu       sync.Mutex
	ingested int
	statuses chan ProviderStatus
}

func newSink() *recordingSink {
	return &recordingSink{statuses: make(chan ProviderStatus, 64)}
}

func (s *recordingSink) Ingest(context.Context, provider.Raw) error {
	s.mu.Lock()
	s.ingested++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) ProviderStatus(st ProviderStatus) {
	select {
	case s.statuses <- st:
	default:
	}
}

type harness struct {
	t     *testing.T
	clk   *clock.Mock
	sched *Scheduler
	sink  *recordingSink
	waits chan time.Time
	done  chan error
}

func start(t *testing.T, set provider.Set, clk *clock.Mock, opts Options) *harness {
	t.Helper()
	opts.Clock = clk
	opts.Logger = zerolog.Nop()

	h := &harness{
		t:     t,
		clk:   clk,
		sink:  newSink(),
		waits: make(chan time.Time, 16),
		done:  make(chan error, 1),
	}
	h.sched = New(set, h.sink, opts)
	h.sched.waiting = func(_ string, until time.Time) { h.waits <- until }

	go func() { h.done <- h.sched.Run(context.Background()) }()
	t.Cleanup(func() {
		h.sched.Shutdown()
		<-h.done
	})
	return h
}

func mockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(epoch)
	return clk
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func requireNoCall(t *testing.T, calls <-chan time.Time) {
	t.Helper()
	select {
	case at := <-calls:
		t.Fatalf("unexpected fetch at %v", at)
	case <-time.After(20 * time.Millisecond):
	}
}

func lastStatus(t *testing.T, sink *recordingSink, id string) ProviderStatus {
	t.Helper()
	for {
		st := recv(t, sink.statuses, "status for "+id)
		if st.ProviderID == id {
			return st
		}
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	clk := mockClock()
	p := &scriptedProvider{
		id: "openrouter", clk: clk, calls: make(chan time.Time, 8),
		script: []error{&provider.RateLimitError{Provider: "openrouter", RetryAfter: 120 * time.Second}, nil},
	}
	h := start(t, provider.Set{Providers: []provider.Provider{p}}, clk, Options{})

	first := recv(t, p.calls, "first fetch")
	require.Equal(t, epoch, first)

	st := lastStatus(t, h.sink, "openrouter")
	require.Equal(t, model.StatusRateLimited, st.Status)
	require.Equal(t, epoch.Add(120*time.Second), st.RetryAt)

	until := recv(t, h.waits, "rate-limit wait")
	require.Equal(t, epoch.Add(120*time.Second), until)

	// A manual refresh cannot shortcut the wait.
	err := h.sched.Refresh("openrouter")
	require.True(t, errors.Is(err, provider.ErrRateLimited))

	clk.Add(119 * time.Second)
	requireNoCall(t, p.calls)

	clk.Add(time.Second)
	second := recv(t, p.calls, "fetch after retry-after")
	require.False(t, second.Before(epoch.Add(120*time.Second)))

	st = lastStatus(t, h.sink, "openrouter")
	require.Equal(t, model.StatusActive, st.Status)

	next := recv(t, h.waits, "regular wait")
	require.Equal(t, second.Add(5*time.Minute), next)
	requireNoCall(t, p.calls)
}

func TestRateLimitBackoffDoublesAndCaps(t *testing.T) {
	clk := mockClock()
	limited := &provider.RateLimitError{Provider: "huggingface"}
	p := &scriptedProvider{
		id: "huggingface", clk: clk, calls: make(chan time.Time, 16),
		script: []error{limited},
	}
	h := start(t, provider.Set{Providers: []provider.Provider{p}}, clk, Options{
		Intervals: map[string]time.Duration{"huggingface": 5 * time.Minute},
	})

	want := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 30 * time.Minute, 30 * time.Minute}
	for i, d := range want {
		at := recv(t, p.calls, "fetch")
		until := recv(t, h.waits, "backoff wait")
		require.Equal(t, d, until.Sub(at), "attempt %d", i)
		clk.Add(d)
	}
}

func TestErrorStatusAfterThreeFailures(t *testing.T) {
	clk := mockClock()
	fail := &provider.FetchError{Provider: "openai", StatusCode: 502}
	p := &scriptedProvider{
		id: "openai", clk: clk, calls: make(chan time.Time, 8),
		script: []error{fail, fail, fail, nil},
	}
	h := start(t, provider.Set{Providers: []provider.Provider{p}}, clk, Options{
		Intervals: map[string]time.Duration{"openai": time.Minute},
	})

	want := []model.Status{model.StatusActive, model.StatusActive, model.StatusError, model.StatusActive}
	for i, status := range want {
		recv(t, p.calls, "fetch")
		st := lastStatus(t, h.sink, "openai")
		require.Equal(t, status, st.Status, "attempt %d", i+1)
		until := recv(t, h.waits, "next tick")
		require.Equal(t, time.Minute, until.Sub(st.LastAttempt))
		clk.Add(time.Minute)
	}
}

func TestAuthErrorStopsProvider(t *testing.T) {
	clk := mockClock()
	p := &scriptedProvider{
		id: "openai", clk: clk, calls: make(chan time.Time, 8),
		script: []error{&provider.AuthError{Provider: "openai"}},
	}
	h := start(t, provider.Set{Providers: []provider.Provider{p}}, clk, Options{})

	recv(t, p.calls, "fetch")
	st := lastStatus(t, h.sink, "openai")
	require.Equal(t, model.StatusUnconfigured, st.Status)

	clk.Add(time.Hour)
	requireNoCall(t, p.calls)
	require.ErrorIs(t, h.sched.Refresh("openai"), ErrUnconfigured)
}

func TestUnconfiguredNeverScheduled(t *testing.T) {
	clk := mockClock()
	h := start(t, provider.Set{Unconfigured: []string{"claudeai"}}, clk, Options{})

	st := lastStatus(t, h.sink, "claudeai")
	require.Equal(t, model.StatusUnconfigured, st.Status)
	require.ErrorIs(t, h.sched.Refresh("claudeai"), ErrUnconfigured)
	require.ErrorIs(t, h.sched.Refresh("nope"), ErrUnknownProvider)

	all := h.sched.Statuses()
	require.Len(t, all, 1)
}

func TestRefreshWakesTaskOnceThenThrottles(t *testing.T) {
	clk := mockClock()
	p := &scriptedProvider{id: "openrouter", clk: clk, calls: make(chan time.Time, 8)}
	h := start(t, provider.Set{Providers: []provider.Provider{p}}, clk, Options{})

	recv(t, p.calls, "first fetch")
	recv(t, h.waits, "first wait")

	require.NoError(t, h.sched.Refresh("openrouter"))
	at := recv(t, p.calls, "refreshed fetch")
	require.Equal(t, epoch, at)
	recv(t, h.waits, "second wait")

	require.ErrorIs(t, h.sched.Refresh("openrouter"), ErrRefreshTooSoon)
	clk.Add(10 * time.Second)
	require.NoError(t, h.sched.Refresh("openrouter"))
	recv(t, p.calls, "fetch after throttle window")
}

func TestIndependentProviders(t *testing.T) {
	clk := mockClock()
	stuck := &scriptedProvider{
		id: "openai", clk: clk, calls: make(chan time.Time, 8),
		block: make(chan struct{}),
	}
	defer close(stuck.block)
	fast := &scriptedProvider{id: "claude-code", kind: provider.KindLocal, clk: clk, calls: make(chan time.Time, 8)}

	h := start(t, provider.Set{Providers: []provider.Provider{stuck, fast}}, clk, Options{})

	recv(t, stuck.calls, "stuck fetch")
	recv(t, fast.calls, "fast fetch")
	until := recv(t, h.waits, "fast wait")
	require.Equal(t, epoch.Add(30*time.Second), until)

	clk.Add(30 * time.Second)
	recv(t, fast.calls, "fast second fetch")
}

func TestShutdownAbandonsInFlightFetch(t *testing.T) {
	clk := mockClock()
	p := &scriptedProvider{
		id: "openai", clk: clk, calls: make(chan time.Time, 8),
		block: make(chan struct{}),
	}
	defer close(p.block)

	sched := New(provider.Set{Providers: []provider.Provider{p}}, newSink(), Options{Clock: clk, Logger: zerolog.Nop()})
	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()

	recv(t, p.calls, "fetch")

	stopped := make(chan struct{})
	go func() {
		sched.Shutdown()
		close(stopped)
	}()
	recv(t, stopped, "shutdown")
	require.NoError(t, recv(t, done, "run to return"))

	clk.Add(time.Hour)
	requireNoCall(t, p.calls)
}

func TestRunTwice(t *testing.T) {
	clk := mockClock()
	h := start(t, provider.Set{}, clk, Options{})
	// wait for Run to mark itself started
	require.Eventually(t, func() bool {
		h.sched.mu.Lock()
		defer h.sched.mu.Unlock()
		return h.sched.started
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, h.sched.Run(context.Background()), ErrAlreadyRunning)
}

func TestShutdownBeforeRun(t *testing.T) {
	clk := mockClock()
	p := &scriptedProvider{id: "openai", clk: clk, calls: make(chan time.Time, 8)}

	sched := New(provider.Set{Providers: []provider.Provider{p}}, newSink(), Options{Clock: clk, Logger: zerolog.Nop()})
	sched.Shutdown()

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()
	require.NoError(t, recv(t, done, "run to return"))
	requireNoCall(t, p.calls)
	require.ErrorIs(t, sched.Run(context.Background()), ErrAlreadyRunning)
}
