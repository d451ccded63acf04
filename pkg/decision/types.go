// Package decision evaluates policy decision requests against a
// pluggable rule backend: an embedded CEL evaluator, a remote
// OPA-style HTTP server, or a hybrid of the two with automatic
// fallback. The client layers decision caching, retry/timeout
// handling, latency metrics, and bounded-concurrency batch evaluation
// on top of the backend.
package decision

import (
	"errors"
	"fmt"

	"github.com/castellan-io/castellan/pkg/cache"
)

// Mode selects the evaluation backend. Fixed at client construction.
type Mode string

const (
	ModeEmbedded Mode = "embedded"
	ModeServer   Mode = "server"
	ModeHybrid   Mode = "hybrid"
)

// ErrBackendUnavailable is returned when no evaluation path exists for
// the configured mode. It is the only infrastructure failure that
// escapes Evaluate as a Go error; everything else is carried in
// Response.Error.
var ErrBackendUnavailable = errors.New("decision: no evaluation backend available")

// Request is one policy evaluation request. Immutable once
// constructed; its logical fields (input, path, query) are the cache
// key source.
type Request struct {
	InputData      map[string]any `json:"input_data"`
	PolicyPath     string         `json:"policy_path"`
	Query          string         `json:"query,omitempty"`
	Explain        bool           `json:"explain,omitempty"`
	IncludeMetrics bool           `json:"include_metrics,omitempty"`
	Pretty         bool           `json:"pretty,omitempty"`
}

// CacheKey derives the stable cache key from the request's logical
// fields only. Presentation flags and per-call identifiers do not
// participate in cache equality.
func (r *Request) CacheKey() (string, error) {
	key, err := cache.Key(map[string]any{
		"input_data":  r.InputData,
		"policy_path": r.PolicyPath,
		"query":       r.Query,
	})
	if err != nil {
		return "", fmt.Errorf("decision: cache key: %w", err)
	}
	return "decision:" + key, nil
}

// Response is the outcome of one evaluation. Error and Result are
// mutually exclusive; DecisionID is unique per call and not part of
// cache equality.
type Response struct {
	Result         any     `json:"result"`
	DecisionID     string  `json:"decision_id"`
	DecisionTimeMs float64 `json:"decision_time_ms"`
	Explanation    any     `json:"explanation,omitempty"`
	Metrics        any     `json:"metrics,omitempty"`
	Error          string  `json:"error,omitempty"`
	CacheHit       bool    `json:"cache_hit,omitempty"`
}

// OK reports whether the evaluation produced a usable result.
func (r *Response) OK() bool { return r.Error == "" }

// BatchRequest groups decisions for batch evaluation.
type BatchRequest struct {
	Decisions []*Request `json:"decisions"`
	BatchID   string     `json:"batch_id"`
	Parallel  bool       `json:"parallel"`
}
