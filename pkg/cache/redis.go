package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedCache is the shared tier-2 cache backed by Redis. Values
// are JSON-serialized; atomicity is delegated to Redis per-key
// operations, no multi-key transactions are assumed.
//
// Tag invalidation is not supported on this tier; DeleteByPrefix is the
// tier-2 counterpart for bulk clearing.
type DistributedCache struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// DistributedConfig configures the Redis tier.
type DistributedConfig struct {
	Addr       string
	Password   string
	DB         int
	KeyPrefix  string
	DefaultTTL time.Duration
}

// NewDistributed creates a Redis-backed tier-2 cache.
func NewDistributed(cfg DistributedConfig) *DistributedCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "castellan:"
	}
	return &DistributedCache{
		client:     rdb,
		prefix:     prefix,
		defaultTTL: cfg.DefaultTTL,
		logger:     slog.Default().With("component", "cache.distributed"),
	}
}

// Get fetches and decodes the value for key. A missing key is a plain
// miss; any transport or decode failure is counted as an error and
// returned so the multi-tier layer can degrade it to a miss.
func (d *DistributedCache) Get(ctx context.Context, key string) (any, bool, error) {
	d.count(func(s *Stats) { s.TotalRequests++ })

	raw, err := d.client.Get(ctx, d.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		d.count(func(s *Stats) { s.Misses++ })
		return nil, false, nil
	}
	if err != nil {
		d.count(func(s *Stats) { s.Errors++ })
		return nil, false, fmt.Errorf("cache: redis get %q: %w", key, err)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		d.count(func(s *Stats) { s.Errors++ })
		return nil, false, fmt.Errorf("cache: redis decode %q: %w", key, err)
	}

	d.count(func(s *Stats) { s.Hits++ })
	return value, true, nil
}

// Put stores value under key with the given TTL (tier default when zero).
func (d *DistributedCache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.defaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		d.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("cache: redis encode %q: %w", key, err)
	}
	if err := d.client.Set(ctx, d.prefix+key, raw, ttl).Err(); err != nil {
		d.count(func(s *Stats) { s.Errors++ })
		return fmt.Errorf("cache: redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes key, reporting whether it existed.
func (d *DistributedCache) Delete(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Del(ctx, d.prefix+key).Result()
	if err != nil {
		d.count(func(s *Stats) { s.Errors++ })
		return false, fmt.Errorf("cache: redis del %q: %w", key, err)
	}
	return n > 0, nil
}

// DeleteByPrefix removes every key under the cache prefix matching
// pattern (glob syntax, e.g. "decision:*"). Returns the number removed.
func (d *DistributedCache) DeleteByPrefix(ctx context.Context, pattern string) (int, error) {
	var removed int
	iter := d.client.Scan(ctx, 0, d.prefix+pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := d.client.Del(ctx, iter.Val()).Err(); err != nil {
			d.count(func(s *Stats) { s.Errors++ })
			d.logger.WarnContext(ctx, "prefix delete failed", "key", iter.Val(), "error", err)
			continue
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		d.count(func(s *Stats) { s.Errors++ })
		return removed, fmt.Errorf("cache: redis scan %q: %w", pattern, err)
	}
	return removed, nil
}

// Ping verifies connectivity to the backing store.
func (d *DistributedCache) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (d *DistributedCache) Close() error {
	return d.client.Close()
}

// Stats returns a copy of the tier counters.
func (d *DistributedCache) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *DistributedCache) count(update func(*Stats)) {
	d.mu.Lock()
	update(&d.stats)
	d.mu.Unlock()
}
