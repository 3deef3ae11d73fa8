package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/theirongolddev/spendwatch/internal/config"
)

const (
	// claimScript sets the identity key only if absent and indexes it by
	// first-seen time so it can be pruned.
	claimScript = `
local key = KEYS[1]        -- {prefix}:dedup:id:{identity}
local index = KEYS[2]      -- {prefix}:dedup:index

local first_seen = ARGV[1]
local ttl = ARGV[2]
local identity = ARGV[3]

if redis.call('SET', key, first_seen, 'NX', 'EX', ttl) then
  redis.call('ZADD', index, first_seen, identity)
  return 1
end
return 0
`

	// pruneScript drops every identity first seen at or before the cutoff.
	pruneScript = `
local index = KEYS[1]      -- {prefix}:dedup:index
local cutoff = ARGV[1]
local id_prefix = ARGV[2]

local ids = redis.call('ZRANGEBYSCORE', index, '-inf', cutoff)
for _, id in ipairs(ids) do
  redis.call('DEL', id_prefix .. id)
end
redis.call('ZREMRANGEBYSCORE', index, '-inf', cutoff)
return #ids
`
)

// RedisBackend stores identities as expiring keys.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	claim *redis.Script
	prune *redis.Script
}

// OpenRedis connects and pings the server. Identities expire after
// retention even if Prune never runs.
func OpenRedis(cfg config.RedisConfig, retention time.Duration) (*RedisBackend, error) {
	dialTimeout := config.ParseDuration(cfg.DialTimeout, 5*time.Second)

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "spendwatch"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    retention,
		claim:  redis.NewScript(claimScript),
		prune:  redis.NewScript(pruneScript),
	}, nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) idPrefix() string { return b.prefix + ":dedup:id:" }
func (b *RedisBackend) indexKey() string { return b.prefix + ":dedup:index" }

// Claim implements Backend.
func (b *RedisBackend) Claim(ctx context.Context, identity string, at time.Time) (bool, error) {
	ttl := int64(b.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	n, err := b.claim.Run(ctx, b.client,
		[]string{b.idPrefix() + identity, b.indexKey()},
		strconv.FormatInt(at.Unix(), 10), ttl, identity,
	).Int()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", identity, err)
	}
	return n == 1, nil
}

// Prune implements Backend.
func (b *RedisBackend) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := b.prune.Run(ctx, b.client,
		[]string{b.indexKey()},
		strconv.FormatInt(before.Unix()-1, 10), b.idPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return n, nil
}
