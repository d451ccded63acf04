package cache

import (
	"context"
	"log/slog"
	"time"
)

// Tier2 is the shared-tier contract the multi-tier cache composes over.
// DistributedCache satisfies it; tests substitute stubs.
type Tier2 interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// MultiTierCache layers the in-process LRU tier over an optional shared
// tier. Tier-2 hits are promoted into tier-1 before returning; tier-2
// errors degrade to misses on Get and are best-effort on Put/Delete.
type MultiTierCache struct {
	local  *LRUCache
	remote Tier2 // nil when running single-tier
	logger *slog.Logger
}

// NewMultiTier composes the two tiers. remote may be nil.
func NewMultiTier(local *LRUCache, remote Tier2) *MultiTierCache {
	return &MultiTierCache{
		local:  local,
		remote: remote,
		logger: slog.Default().With("component", "cache.multitier"),
	}
}

// Get checks tier-1 first, then tier-2. A tier-2 hit is written back
// into tier-1 (promotion) before returning. The promoted value comes
// off the wire freshly deserialized, so the tiers never alias.
func (m *MultiTierCache) Get(ctx context.Context, key string) (any, bool) {
	if value, ok := m.local.Get(key); ok {
		return value, true
	}
	if m.remote == nil {
		return nil, false
	}

	value, ok, err := m.remote.Get(ctx, key)
	if err != nil {
		m.logger.WarnContext(ctx, "tier-2 get degraded to miss", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	m.local.Put(key, value, 0)
	return value, true
}

// Put writes to tier-1 always and to tier-2 best-effort; a tier-2
// failure is logged and never surfaced.
func (m *MultiTierCache) Put(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) {
	m.local.Put(key, value, ttl, tags...)
	if m.remote == nil {
		return
	}
	if err := m.remote.Put(ctx, key, value, ttl); err != nil {
		m.logger.WarnContext(ctx, "tier-2 put failed", "key", key, "error", err)
	}
}

// Delete removes key from both tiers, reporting whether either held it.
func (m *MultiTierCache) Delete(ctx context.Context, key string) bool {
	present := m.local.Delete(key)
	if m.remote != nil {
		remotePresent, err := m.remote.Delete(ctx, key)
		if err != nil {
			m.logger.WarnContext(ctx, "tier-2 delete failed", "key", key, "error", err)
		} else if remotePresent {
			present = true
		}
	}
	return present
}

// InvalidateByTags removes tagged entries from tier-1 and returns the
// count. Tier-2 does not support tags; use DeleteByPrefix on the
// distributed tier directly for bulk clearing there.
func (m *MultiTierCache) InvalidateByTags(tags ...string) int {
	return m.local.InvalidateByTags(tags...)
}

// LocalStats returns the tier-1 counters.
func (m *MultiTierCache) LocalStats() Stats {
	return m.local.Stats()
}
