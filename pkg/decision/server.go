package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultServerTimeout = 5 * time.Second
	defaultRetryBackoff  = 100 * time.Millisecond
)

// ServerConfig configures the remote rule-server backend.
type ServerConfig struct {
	// BaseURL of the rule server, e.g. "http://localhost:8181".
	BaseURL string
	// BearerToken, when set, is passed through on every call.
	BearerToken string
	// Timeout bounds each HTTP attempt. Default: 5s.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after a failed
	// one. Zero means a single attempt.
	MaxRetries int
	// RetryBackoff is the fixed pause between attempts. Default: 100ms.
	RetryBackoff time.Duration
	// RequestsPerSecond caps outbound call rate. Zero disables the limiter.
	RequestsPerSecond float64
}

// ServerBackend evaluates decisions against a remote OPA-style HTTP
// data API: POST {base}/v1/data/{policy_path} with {"input": ...}.
type ServerBackend struct {
	config  ServerConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewServer creates the remote backend.
func NewServer(cfg ServerConfig) *ServerBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultServerTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}
	return &ServerBackend{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  slog.Default().With("component", "decision.server"),
	}
}

// Name identifies the backend in logs and explanations.
func (s *ServerBackend) Name() string { return "server" }

// serverEnvelope is the rule server's response envelope.
type serverEnvelope struct {
	Result      any    `json:"result"`
	DecisionID  string `json:"decision_id,omitempty"`
	Explanation any    `json:"explanation,omitempty"`
	Metrics     any    `json:"metrics,omitempty"`
}

// Evaluate posts the request to the data API with the configured retry
// budget. All attempts exhausting is a Go error so the client can run
// its fallback logic; the caller decides whether that becomes a
// Response.Error or an embedded re-evaluation.
func (s *ServerBackend) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	endpoint, err := s.decisionURL(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]any{"input": req.InputData})
	if err != nil {
		return nil, fmt.Errorf("decision: server marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.config.RetryBackoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("decision: server call canceled: %w", ctx.Err())
			}
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("decision: server rate wait: %w", err)
			}
		}

		resp, err := s.doOnce(ctx, endpoint, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		s.logger.WarnContext(ctx, "server attempt failed",
			"attempt", attempt+1, "policy_path", req.PolicyPath, "error", err)
	}
	return nil, fmt.Errorf("decision: server evaluation failed after %d attempts: %w",
		s.config.MaxRetries+1, lastErr)
}

func (s *ServerBackend) doOnce(ctx context.Context, endpoint string, payload []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.config.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.config.BearerToken)
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned HTTP %d: %s",
			httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope serverEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	decisionID := envelope.DecisionID
	if decisionID == "" {
		decisionID = uuid.NewString()
	}
	return &Response{
		Result:      envelope.Result,
		DecisionID:  decisionID,
		Explanation: envelope.Explanation,
		Metrics:     envelope.Metrics,
	}, nil
}

// decisionURL builds the data API URL with the request's presentation flags.
func (s *ServerBackend) decisionURL(req *Request) (string, error) {
	base, err := url.Parse(s.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("decision: bad server URL %q: %w", s.config.BaseURL, err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/v1/data/" +
		strings.ReplaceAll(strings.Trim(req.PolicyPath, "/"), ".", "/")

	q := base.Query()
	if req.Explain {
		q.Set("explain", "full")
	}
	if req.IncludeMetrics {
		q.Set("metrics", "true")
	}
	if req.Pretty {
		q.Set("pretty", "true")
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// Healthy probes the server's health endpoint.
func (s *ServerBackend) Healthy(ctx context.Context) error {
	endpoint := strings.TrimSuffix(s.config.BaseURL, "/") + "/health"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("decision: health request: %w", err)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("decision: health probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("decision: health probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}
