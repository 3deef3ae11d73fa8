package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/theirongolddev/spendwatch/internal/config"
	"github.com/theirongolddev/spendwatch/internal/credentials"
	"github.com/theirongolddev/spendwatch/internal/daemon"
	"github.com/theirongolddev/spendwatch/internal/dedup"
	"github.com/theirongolddev/spendwatch/internal/engine"
	"github.com/theirongolddev/spendwatch/internal/provider"
	"github.com/theirongolddev/spendwatch/internal/scheduler"
	"github.com/theirongolddev/spendwatch/internal/source"
	"github.com/theirongolddev/spendwatch/internal/store"
)

// daemonRuntime is the fully wired daemon.
type daemonRuntime struct {
	store   *store.Store
	redis   *dedup.RedisBackend
	engine  *engine.Engine
	sched   *scheduler.Scheduler
	service *daemon.Service
}

func openStore(c *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(c.DataDir(), 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return store.Open(c.DBPath())
}

// sessionBudget resolves the per-session token limit from the plan.
func sessionBudget(c *config.Config) int64 {
	return c.Budget.ResolvePlan(c.ClaudeDir()).SessionTokenLimit
}

// buildRuntime wires every component from configuration and restores the
// engine from the store. Close releases what it opened.
func buildRuntime(ctx context.Context, c *config.Config, addr string, eventsBuffer int, log zerolog.Logger) (*daemonRuntime, error) {
	rt := &daemonRuntime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	st, err := openStore(c)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store = st

	retention := config.ParseDuration(c.Dedup.Retention, 30*24*time.Hour)
	var backend dedup.Backend
	if c.Dedup.Backend == "redis" {
		rb, err := dedup.OpenRedis(c.Redis, retention)
		if err != nil {
			return nil, fmt.Errorf("open redis dedup backend: %w", err)
		}
		rt.redis = rb
		backend = rb
	}

	prices, err := config.NewPriceTable(c.Pricing)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}

	creds, err := credentials.Load(c.EnvFile())
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	var tailer *source.Tailer
	if c.ProviderEnabled(config.ProviderClaudeCode) {
		tailer = source.NewTailer(c.ClaudeDir(), st, log)
	}
	var poller provider.Poller
	if tailer != nil {
		poller = tailer
	}
	set := provider.FromConfig(c, creds, poller)

	budget := sessionBudget(c)
	rt.engine = engine.New(st, dedup.New(backend, log), engine.Options{
		Prices:        prices,
		Budget:        budget,
		Retention:     retention,
		RestoreWindow: config.ParseDuration(c.Dedup.RestoreWindow, 24*time.Hour),
		Logger:        log,
	})
	if err := rt.engine.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}

	intervals := make(map[string]time.Duration)
	for _, p := range set.Providers {
		intervals[p.ID()] = c.IntervalFor(p.ID())
	}
	rt.sched = scheduler.New(set, rt.engine, scheduler.Options{
		Intervals: intervals,
		Logger:    log,
	})

	deps := daemon.Deps{
		Engine:    rt.engine,
		Scheduler: rt.sched,
		Store:     st,
		Logger:    log,
	}
	if tailer != nil {
		deps.Tailer = tailer
	}
	rt.service = daemon.New(daemon.Config{
		Addr:          addr,
		DataDir:       c.DataDir(),
		EventsBuffer:  eventsBuffer,
		Budget:        budget,
		PruneInterval: config.ParseDuration(c.Daemon.PruneInterval, time.Hour),
	}, deps)

	log.Info().
		Int("providers", len(set.Providers)).
		Strs("unconfigured", set.Unconfigured).
		Int64("session_budget", budget).
		Str("dedup", backendName(backend)).
		Msg("runtime ready")
	ok = true
	return rt, nil
}

func backendName(b dedup.Backend) string {
	if b == nil {
		return "memory"
	}
	return "redis"
}

// Close releases the store and any Redis connection.
func (rt *daemonRuntime) Close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}
