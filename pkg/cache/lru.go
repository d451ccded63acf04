package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRUCache is the bounded in-process tier. All mutation (insert, evict,
// recency update, tag invalidation) happens under one mutex; critical
// sections are short.
//
// Expired entries are purged lazily: a Get that finds one deletes it
// and reports a miss. StartSweep adds an optional background sweep for
// memory reclamation; lazy purge alone is already correct.
type LRUCache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration

	entries map[string]*list.Element
	order   *list.List // front = most recently used

	stats Stats

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewLRU creates a bounded LRU tier. capacity must be positive.
// defaultTTL of zero means entries without an explicit TTL never expire.
func NewLRU(capacity int, defaultTTL time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUCache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*list.Element, capacity),
		order:      list.New(),
		sweepStop:  make(chan struct{}),
	}
}

// Get returns the cached value for key. An expired entry is removed and
// reported as a miss. Hits update recency and access bookkeeping.
func (c *LRUCache) Get(key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalRequests++

	elem, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	entry := elem.Value.(*Entry)
	if entry.Expired(now) {
		c.removeLocked(elem)
		c.stats.Misses++
		return nil, false
	}

	entry.AccessCount++
	entry.LastAccessedAt = now
	c.order.MoveToFront(elem)
	c.stats.Hits++
	return entry.Value, true
}

// Put inserts or replaces the value for key. ttl of zero applies the
// tier default; a negative ttl stores the entry without expiry. When
// the tier is full the least-recently-used entry is evicted before the
// insert.
func (c *LRUCache) Put(key string, value any, ttl time.Duration, tags ...string) {
	now := time.Now()
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*Entry)
		entry.Value = value
		entry.CreatedAt = now
		entry.ExpiresAt = expiresAt
		entry.LastAccessedAt = now
		entry.SizeBytes = estimateSize(value)
		entry.Tags = tagSet(tags)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
			c.stats.Evictions++
		}
	}

	entry := &Entry{
		Key:            key,
		Value:          value,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
		LastAccessedAt: now,
		SizeBytes:      estimateSize(value),
		Tags:           tagSet(tags),
	}
	c.entries[key] = c.order.PushFront(entry)
}

// Delete removes key, reporting whether it was present.
func (c *LRUCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// InvalidateByTags removes every entry whose tag set intersects tags
// and returns the number removed.
func (c *LRUCache) InvalidateByTags(tags ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*Entry).hasAnyTag(tags) {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Len returns the current entry count.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a copy of the tier counters.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// StartSweep runs a background purge of expired entries every interval
// until StopSweep is called. Optional; lazy purge on Get is sufficient
// for correctness.
func (c *LRUCache) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.purgeExpired()
			case <-c.sweepStop:
				return
			}
		}
	}()
}

// StopSweep stops the background sweep, if one was started.
func (c *LRUCache) StopSweep() {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
}

func (c *LRUCache) purgeExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*Entry).Expired(now) {
			c.removeLocked(elem)
		}
		elem = next
	}
}

func (c *LRUCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	delete(c.entries, entry.Key)
	c.order.Remove(elem)
}
