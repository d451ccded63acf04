package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/cache"
	"github.com/castellan-io/castellan/pkg/metrics"
)

// newRuleServer returns an httptest rule server that answers the data
// API with allow = input.role == "admin" and tracks call counts.
func newRuleServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/data/", func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var body struct {
			Input map[string]any `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		allow := body.Input["role"] == "admin"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"result":      map[string]any{"allow": allow},
			"decision_id": "srv-1",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newEmbedded(t *testing.T) *EmbeddedBackend {
	t.Helper()
	emb, err := NewEmbedded()
	require.NoError(t, err)
	emb.RegisterPolicy("authz/allow", `input.role == "admin"`)
	return emb
}

func TestEmbeddedEvaluate(t *testing.T) {
	emb := newEmbedded(t)

	resp, err := emb.Evaluate(context.Background(), &Request{
		InputData:  map[string]any{"role": "admin"},
		PolicyPath: "authz/allow",
	})
	require.NoError(t, err)
	require.True(t, resp.OK())
	assert.Equal(t, true, resp.Result)
	assert.NotEmpty(t, resp.DecisionID)
}

func TestEmbeddedUnknownPolicyPath(t *testing.T) {
	emb := newEmbedded(t)

	resp, err := emb.Evaluate(context.Background(), &Request{PolicyPath: "nope"})
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Error, "no rule registered")
}

func TestEmbeddedInlineQuery(t *testing.T) {
	emb := newEmbedded(t)

	resp, err := emb.Evaluate(context.Background(), &Request{
		InputData: map[string]any{"n": 3},
		Query:     "input.n > 1",
		Explain:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Result)
	assert.NotNil(t, resp.Explanation)
}

func TestServerBackendEvaluate(t *testing.T) {
	srv := newRuleServer(t, nil)
	backend := NewServer(ServerConfig{BaseURL: srv.URL})

	resp, err := backend.Evaluate(context.Background(), &Request{
		InputData:  map[string]any{"role": "admin"},
		PolicyPath: "authz.allow",
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", resp.DecisionID)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["allow"])
}

func TestServerBackendRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/data/", func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	backend := NewServer(ServerConfig{
		BaseURL:      srv.URL,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})
	resp, err := backend.Evaluate(context.Background(), &Request{PolicyPath: "p"})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Result)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestServerModeFailureReturnedInResponse(t *testing.T) {
	backend := NewServer(ServerConfig{
		BaseURL:      "http://127.0.0.1:1", // nothing listens here
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
		Timeout:      100 * time.Millisecond,
	})
	client, err := NewClient(Options{Mode: ModeServer, Server: backend})
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Evaluate(context.Background(), &Request{PolicyPath: "p"})
	require.NoError(t, err, "server-only failure must be data, not a Go error")
	assert.False(t, resp.OK())
	assert.NotEmpty(t, resp.Error)
}

func TestHybridFallsBackToEmbedded(t *testing.T) {
	backend := NewServer(ServerConfig{
		BaseURL:      "http://127.0.0.1:1",
		MaxRetries:   0,
		RetryBackoff: time.Millisecond,
		Timeout:      100 * time.Millisecond,
	})
	client, err := NewClient(Options{
		Mode:     ModeHybrid,
		Server:   backend,
		Embedded: newEmbedded(t),
	})
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Evaluate(context.Background(), &Request{
		InputData:  map[string]any{"role": "admin"},
		PolicyPath: "authz/allow",
	})
	require.NoError(t, err)
	require.True(t, resp.OK(), "hybrid must fall back instead of failing: %s", resp.Error)
	assert.Equal(t, true, resp.Result)
}

func TestClientDecisionCache(t *testing.T) {
	var calls atomic.Int64
	srv := newRuleServer(t, &calls)
	client, err := NewClient(Options{
		Mode:         ModeServer,
		Server:       NewServer(ServerConfig{BaseURL: srv.URL}),
		Cache:        cache.NewMultiTier(cache.NewLRU(16, 0), nil),
		CacheEnabled: true,
		CacheTTL:     time.Minute,
	})
	require.NoError(t, err)
	defer client.Close()

	req := &Request{
		InputData:  map[string]any{"role": "admin"},
		PolicyPath: "authz.allow",
	}
	first, err := client.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := client.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, int64(1), calls.Load(), "second call must be served from cache")
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, 0.0, second.DecisionTimeMs)
}

func TestClientCacheKeyIgnoresPresentationFlags(t *testing.T) {
	a := &Request{InputData: map[string]any{"x": 1}, PolicyPath: "p"}
	b := &Request{InputData: map[string]any{"x": 1}, PolicyPath: "p", Pretty: true, Explain: true}

	ka, err := a.CacheKey()
	require.NoError(t, err)
	kb, err := b.CacheKey()
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestBatchEvaluateOrderAndBound(t *testing.T) {
	const maxParallel = 4

	var inFlight, peak atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/data/", func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		var body struct {
			Input map[string]any `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{"result": body.Input["i"]})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewClient(Options{
		Mode:        ModeServer,
		Server:      NewServer(ServerConfig{BaseURL: srv.URL}),
		MaxParallel: maxParallel,
	})
	require.NoError(t, err)
	defer client.Close()

	reqs := make([]*Request, 50)
	for i := range reqs {
		reqs[i] = &Request{
			InputData:  map[string]any{"i": fmt.Sprintf("req-%d", i)},
			PolicyPath: "p",
		}
	}

	results := client.BatchEvaluate(context.Background(), reqs, true)
	require.Len(t, results, 50)
	for i, resp := range results {
		require.True(t, resp.OK(), "request %d: %s", i, resp.Error)
		assert.Equal(t, fmt.Sprintf("req-%d", i), resp.Result, "index correspondence")
	}
	assert.LessOrEqual(t, peak.Load(), int64(maxParallel), "worker bound exceeded")
}

func TestBatchEvaluateIsolatesFailures(t *testing.T) {
	emb := newEmbedded(t)
	client, err := NewClient(Options{Mode: ModeEmbedded, Embedded: emb})
	require.NoError(t, err)
	defer client.Close()

	reqs := []*Request{
		{InputData: map[string]any{"role": "admin"}, PolicyPath: "authz/allow"},
		{PolicyPath: "missing/policy"},
		{InputData: map[string]any{"role": "guest"}, PolicyPath: "authz/allow"},
	}
	results := client.BatchEvaluate(context.Background(), reqs, false)

	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.True(t, results[2].OK())
	assert.Equal(t, false, results[2].Result)
}

func TestClientHealthPoll(t *testing.T) {
	srv := newRuleServer(t, nil)
	client, err := NewClient(Options{
		Mode:           ModeServer,
		Server:         NewServer(ServerConfig{BaseURL: srv.URL}),
		HealthInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return !client.LastHealthCheck().IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.True(t, client.Healthy())
}

func TestClientMetricsRecorded(t *testing.T) {
	acc := metrics.New(0)
	client, err := NewClient(Options{
		Mode:     ModeEmbedded,
		Embedded: newEmbedded(t),
		Metrics:  acc,
	})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Evaluate(context.Background(), &Request{
		InputData:  map[string]any{"role": "admin"},
		PolicyPath: "authz/allow",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), acc.Snapshot().TotalCalls)
}

func TestNewClientRejectsMissingBackends(t *testing.T) {
	_, err := NewClient(Options{Mode: ModeServer})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	_, err = NewClient(Options{Mode: ModeHybrid, Embedded: newEmbedded(t)})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	_, err = NewClient(Options{Mode: "bogus"})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
