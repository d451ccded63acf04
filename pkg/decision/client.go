package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-io/castellan/pkg/cache"
	"github.com/castellan-io/castellan/pkg/metrics"
)

const defaultHealthInterval = 30 * time.Second

// Backend is one evaluation path. A Go error from Evaluate means the
// path itself failed (unreachable, exhausted retries); rule-level
// denials and evaluation errors are data inside the Response.
type Backend interface {
	Evaluate(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// Options configures a Client. Mode is fixed for the client lifetime.
type Options struct {
	Mode     Mode
	Embedded *EmbeddedBackend // required for ModeEmbedded and ModeHybrid
	Server   *ServerBackend   // required for ModeServer and ModeHybrid

	// Cache is the decision cache; nil or CacheEnabled=false disables
	// decision caching entirely.
	Cache        *cache.MultiTierCache
	CacheEnabled bool
	CacheTTL     time.Duration

	// MaxParallel bounds concurrent batch workers. Default: 4.
	MaxParallel int

	// Metrics receives per-decision latency samples. Optional.
	Metrics *metrics.Accumulator

	// HealthInterval is the background health poll period for
	// Server/Hybrid modes. Default: 30s.
	HealthInterval time.Duration
}

// Client evaluates decision requests in the configured mode,
// transparently consulting the cache and recording latency metrics.
type Client struct {
	opts   Options
	logger *slog.Logger

	healthy     atomic.Bool
	lastChecked atomic.Int64 // unix nanos of last health poll

	stopHealth chan struct{}
	healthOnce sync.Once
	healthWG   sync.WaitGroup
}

// NewClient validates the mode/backend pairing and returns the client.
// Health polling starts immediately for Server and Hybrid modes.
func NewClient(opts Options) (*Client, error) {
	switch opts.Mode {
	case ModeEmbedded:
		if opts.Embedded == nil {
			return nil, fmt.Errorf("%w: embedded mode without embedded backend", ErrBackendUnavailable)
		}
	case ModeServer:
		if opts.Server == nil {
			return nil, fmt.Errorf("%w: server mode without server backend", ErrBackendUnavailable)
		}
	case ModeHybrid:
		if opts.Server == nil || opts.Embedded == nil {
			return nil, fmt.Errorf("%w: hybrid mode requires both backends", ErrBackendUnavailable)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrBackendUnavailable, opts.Mode)
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}

	c := &Client{
		opts:       opts,
		logger:     slog.Default().With("component", "decision.client", "mode", string(opts.Mode)),
		stopHealth: make(chan struct{}),
	}
	c.healthy.Store(true)

	if opts.Mode != ModeEmbedded {
		c.healthWG.Add(1)
		go c.healthLoop()
	}
	return c, nil
}

// Mode returns the client's fixed evaluation mode.
func (c *Client) Mode() Mode { return c.opts.Mode }

// Evaluate runs one decision. Only a completely absent evaluation path
// returns a Go error; backend failures in server-only mode come back
// as Response.Error so batch callers can keep going.
func (c *Client) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	var key string
	if c.cacheEnabled() {
		k, err := req.CacheKey()
		if err != nil {
			// Unhashable input: evaluate without caching.
			c.logger.WarnContext(ctx, "cache key derivation failed", "error", err)
		} else {
			key = k
			if cached, ok := c.opts.Cache.Get(ctx, key); ok {
				if resp := decodeCached(cached); resp != nil {
					resp.CacheHit = true
					resp.DecisionTimeMs = 0
					return resp, nil
				}
			}
		}
	}

	start := time.Now()
	resp := c.dispatch(ctx, req)
	elapsed := time.Since(start)
	resp.DecisionTimeMs = float64(elapsed.Microseconds()) / 1000.0
	if resp.DecisionID == "" {
		resp.DecisionID = uuid.NewString()
	}

	if c.opts.Metrics != nil {
		c.opts.Metrics.Record(elapsed, !resp.OK())
		if c.opts.Metrics.ExceedsThreshold(elapsed) {
			c.logger.WarnContext(ctx, "decision latency above acceptable maximum",
				"latency_ms", resp.DecisionTimeMs, "policy_path", req.PolicyPath)
		}
	}

	if resp.OK() && key != "" {
		// Store a copy so later caller mutations cannot reach the cache.
		stored := *resp
		c.opts.Cache.Put(ctx, key, &stored, c.opts.CacheTTL,
			"decision", "policy:"+req.PolicyPath)
	}
	return resp, nil
}

// dispatch routes to the mode's backend. Hybrid prefers the server and
// transparently falls back to embedded when the server path errors.
func (c *Client) dispatch(ctx context.Context, req *Request) *Response {
	switch c.opts.Mode {
	case ModeEmbedded:
		return c.evalPath(ctx, c.opts.Embedded, req)

	case ModeServer:
		resp, err := c.opts.Server.Evaluate(ctx, req)
		if err != nil {
			return &Response{DecisionID: uuid.NewString(), Error: err.Error()}
		}
		return resp

	case ModeHybrid:
		resp, err := c.opts.Server.Evaluate(ctx, req)
		if err == nil {
			return resp
		}
		c.logger.WarnContext(ctx, "server path failed, falling back to embedded",
			"policy_path", req.PolicyPath, "error", err)
		return c.evalPath(ctx, c.opts.Embedded, req)
	}
	return &Response{DecisionID: uuid.NewString(), Error: ErrBackendUnavailable.Error()}
}

func (c *Client) evalPath(ctx context.Context, backend Backend, req *Request) *Response {
	resp, err := backend.Evaluate(ctx, req)
	if err != nil {
		return &Response{DecisionID: uuid.NewString(), Error: err.Error()}
	}
	return resp
}

// BatchEvaluate runs all requests, sequentially or under the worker
// bound, and returns responses at the same indexes as their requests.
// One request's failure never aborts its siblings.
func (c *Client) BatchEvaluate(ctx context.Context, reqs []*Request, parallel bool) []*Response {
	results := make([]*Response, len(reqs))

	if !parallel {
		for i, req := range reqs {
			results[i] = c.evaluateIsolated(ctx, req)
		}
		return results
	}

	sem := make(chan struct{}, c.opts.MaxParallel)
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = c.evaluateIsolated(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

func (c *Client) evaluateIsolated(ctx context.Context, req *Request) *Response {
	resp, err := c.Evaluate(ctx, req)
	if err != nil {
		return &Response{DecisionID: uuid.NewString(), Error: err.Error()}
	}
	return resp
}

// Healthy reports the last known backend health. Observability only:
// Evaluate never consults it and always attempts the call.
func (c *Client) Healthy() bool { return c.healthy.Load() }

// LastHealthCheck returns the time of the most recent poll, zero if
// none has completed yet.
func (c *Client) LastHealthCheck() time.Time {
	nanos := c.lastChecked.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Close stops the health loop. Safe to call more than once.
func (c *Client) Close() {
	c.healthOnce.Do(func() { close(c.stopHealth) })
	c.healthWG.Wait()
}

func (c *Client) healthLoop() {
	defer c.healthWG.Done()
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	c.pollHealth()
	for {
		select {
		case <-ticker.C:
			c.pollHealth()
		case <-c.stopHealth:
			return
		}
	}
}

func (c *Client) pollHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.opts.Server.Healthy(ctx)
	c.healthy.Store(err == nil)
	c.lastChecked.Store(time.Now().UnixNano())
	if err != nil {
		c.logger.Warn("backend health probe failed", "error", err)
	}
}

func (c *Client) cacheEnabled() bool {
	return c.opts.CacheEnabled && c.opts.Cache != nil
}

// decodeCached rebuilds a Response from a cached value. Tier-1 holds
// the struct; values promoted from tier-2 arrive as generic JSON maps
// and are re-decoded. A copy is always returned so cached entries are
// never mutated by callers.
func decodeCached(v any) *Response {
	switch cached := v.(type) {
	case *Response:
		copied := *cached
		return &copied
	case map[string]any:
		raw, err := json.Marshal(cached)
		if err != nil {
			return nil
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil
		}
		return &resp
	default:
		return nil
	}
}
