// Package cache implements the two-tier decision cache: a bounded
// in-process LRU tier with TTL and tag invalidation, optionally backed
// by a shared Redis tier. Tier-2 failures always degrade to a miss;
// the cache never fails a caller on normal lookup paths.
package cache

import (
	"encoding/json"
	"time"
)

// Entry is one cached value with its bookkeeping. Entries are owned by
// the tier that created them and never shared by reference across
// tiers; promotion re-serializes the value.
type Entry struct {
	Key            string
	Value          any
	CreatedAt      time.Time
	ExpiresAt      *time.Time // nil = no expiry
	AccessCount    int64
	LastAccessedAt time.Time
	SizeBytes      int
	Tags           map[string]struct{}
}

// Expired reports whether the entry is past its expiry at time now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// hasAnyTag reports whether the entry carries at least one of the given tags.
func (e *Entry) hasAnyTag(tags []string) bool {
	for _, t := range tags {
		if _, ok := e.Tags[t]; ok {
			return true
		}
	}
	return false
}

// Stats are per-tier counters. Each tier tracks its own independently.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Errors        int64 `json:"errors"`
}

// HitRate returns hits/totalRequests, 0 when no requests have been seen.
func (s Stats) HitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.TotalRequests)
}

// estimateSize approximates an entry's memory footprint from its JSON
// encoding. Best-effort: unencodable values count as zero.
func estimateSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func tagSet(tags []string) map[string]struct{} {
	if len(tags) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}
