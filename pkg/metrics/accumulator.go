// Package metrics provides O(1) running aggregates for decision and
// validation latency. The accumulator keeps no per-call history; both
// the decision client and the validation pipeline update one instance
// each, and observability scrapes read-only snapshots.
package metrics

import (
	"sync"
	"time"
)

// emaAlpha weights the most recent sample in the exponential moving average.
const emaAlpha = 0.1

// Snapshot is a read-only copy of the accumulator state.
type Snapshot struct {
	TotalCalls          int64   `json:"total_calls"`
	ErrorCount          int64   `json:"error_count"`
	ErrorRate           float64 `json:"error_rate"`
	AverageLatencyMs    float64 `json:"average_latency_ms"`
	EMALatencyMs        float64 `json:"ema_latency_ms"`
	MaxLatencyMs        float64 `json:"max_latency_ms"`
	ThresholdViolations int64   `json:"threshold_violations"`
}

// Accumulator maintains running latency and error aggregates.
// MaxAcceptableLatency is advisory: samples above it increment the
// violation counter but never fail the recorded call.
type Accumulator struct {
	mu sync.Mutex

	maxAcceptableLatency time.Duration

	totalCalls          int64
	errorCount          int64
	meanLatencyMs       float64
	emaLatencyMs        float64
	maxLatencyMs        float64
	thresholdViolations int64
}

// New creates an accumulator. A zero maxAcceptableLatency disables
// threshold-violation counting.
func New(maxAcceptableLatency time.Duration) *Accumulator {
	return &Accumulator{maxAcceptableLatency: maxAcceptableLatency}
}

// Record folds one call's latency into the aggregates.
func (a *Accumulator) Record(latency time.Duration, failed bool) {
	ms := float64(latency.Microseconds()) / 1000.0

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalCalls++
	if failed {
		a.errorCount++
	}

	// Cumulative running mean, then EMA seeded from the first sample.
	a.meanLatencyMs += (ms - a.meanLatencyMs) / float64(a.totalCalls)
	if a.totalCalls == 1 {
		a.emaLatencyMs = ms
	} else {
		a.emaLatencyMs = emaAlpha*ms + (1-emaAlpha)*a.emaLatencyMs
	}
	if ms > a.maxLatencyMs {
		a.maxLatencyMs = ms
	}
	if a.maxAcceptableLatency > 0 && latency > a.maxAcceptableLatency {
		a.thresholdViolations++
	}
}

// ExceedsThreshold reports whether a latency sample is above the
// configured acceptable maximum.
func (a *Accumulator) ExceedsThreshold(latency time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxAcceptableLatency > 0 && latency > a.maxAcceptableLatency
}

// Snapshot returns a copy of the current aggregates.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		TotalCalls:          a.totalCalls,
		ErrorCount:          a.errorCount,
		AverageLatencyMs:    a.meanLatencyMs,
		EMALatencyMs:        a.emaLatencyMs,
		MaxLatencyMs:        a.maxLatencyMs,
		ThresholdViolations: a.thresholdViolations,
	}
	if a.totalCalls > 0 {
		s.ErrorRate = float64(a.errorCount) / float64(a.totalCalls)
	}
	return s
}
