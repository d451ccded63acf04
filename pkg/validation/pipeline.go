package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/castellan-io/castellan/pkg/decision"
	"github.com/castellan-io/castellan/pkg/metrics"
)

// Default rule-set paths for the backend-evaluated stages.
const (
	DefaultConstitutionalPath = "validation/constitutional"
	DefaultCompliancePath     = "validation/compliance"
	DefaultConflictPath       = "validation/conflicts"
)

// Config wires the pipeline to its decision client.
type Config struct {
	// Rule-set paths for stages 2-4. Defaults applied when empty.
	ConstitutionalPath string
	CompliancePath     string
	ConflictPath       string

	// Weights for score aggregation. Zero value means DefaultWeights.
	Weights Weights

	// MaxParallel bounds concurrent stage dispatch and batch workers.
	// Default: 4.
	MaxParallel int

	// Metrics receives per-validation latency samples. Optional.
	Metrics *metrics.Accumulator
}

// Pipeline runs the validation stages and aggregates the verdict.
type Pipeline struct {
	client  *decision.Client
	cfg     Config
	weights Weights
	logger  *slog.Logger
}

// New creates a pipeline over the given decision client.
func New(client *decision.Client, cfg Config) *Pipeline {
	if cfg.ConstitutionalPath == "" {
		cfg.ConstitutionalPath = DefaultConstitutionalPath
	}
	if cfg.CompliancePath == "" {
		cfg.CompliancePath = DefaultCompliancePath
	}
	if cfg.ConflictPath == "" {
		cfg.ConflictPath = DefaultConflictPath
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	weights := cfg.Weights
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Pipeline{
		client:  client,
		cfg:     cfg,
		weights: weights,
		logger:  slog.Default().With("component", "validation.pipeline"),
	}
}

// stageOutcome carries one backend-evaluated stage's result back to
// the aggregation step.
type stageOutcome struct {
	latencyMs float64
	cacheHit  bool
	err       error
}

// Validate runs the pipeline for one request. Validation-semantic
// problems (syntax errors, violations, conflicts) are data in the
// response; a Go error only means no evaluation path existed at all.
func (p *Pipeline) Validate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp := &Response{}

	// Stage 1: syntax, always first, hard gate.
	resp.Syntax = checkSyntax(req)
	if !resp.Syntax.IsValid {
		resp.IsValid = false
		resp.Errors = append(resp.Errors, resp.Syntax.Errors...)
		p.finish(resp, start)
		return resp, nil
	}

	// Stages 2-4 are independent; dispatch concurrently under the
	// worker bound and join before aggregating.
	type stageFn func(context.Context, *Request) stageOutcome
	stages := make([]stageFn, 0, 3)
	if req.CheckConstitutional {
		stages = append(stages, func(ctx context.Context, req *Request) stageOutcome {
			return p.runConstitutional(ctx, req, resp)
		})
	}
	if req.CheckCompliance {
		stages = append(stages, func(ctx context.Context, req *Request) stageOutcome {
			return p.runCompliance(ctx, req, resp)
		})
	}
	if req.CheckConflicts {
		stages = append(stages, func(ctx context.Context, req *Request) stageOutcome {
			return p.runConflicts(ctx, req, resp)
		})
	}

	outcomes := make([]stageOutcome, len(stages))
	sem := make(chan struct{}, p.cfg.MaxParallel)
	var wg sync.WaitGroup
	for i, stage := range stages {
		wg.Add(1)
		go func(i int, stage stageFn) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = stage(ctx, req)
		}(i, stage)
	}
	wg.Wait()

	allHits := len(outcomes) > 0
	for _, out := range outcomes {
		resp.DecisionLatencyMs += out.latencyMs
		if !out.cacheHit {
			allHits = false
		}
		if out.err != nil {
			resp.Errors = append(resp.Errors, out.err.Error())
		}
	}
	resp.CacheHit = allHits

	p.aggregate(resp)
	p.finish(resp, start)
	return resp, nil
}

// BatchValidate validates all requests, sequentially or under the
// worker bound. Results keep index correspondence with the input; one
// request's failure is captured as an error-shaped response.
func (p *Pipeline) BatchValidate(ctx context.Context, reqs []*Request, parallel bool) []*Response {
	results := make([]*Response, len(reqs))

	if !parallel {
		for i, req := range reqs {
			results[i] = p.validateIsolated(ctx, req)
		}
		return results
	}

	sem := make(chan struct{}, p.cfg.MaxParallel)
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = p.validateIsolated(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

func (p *Pipeline) validateIsolated(ctx context.Context, req *Request) *Response {
	resp, err := p.Validate(ctx, req)
	if err != nil {
		return &Response{
			IsValid: false,
			Errors:  []string{err.Error()},
		}
	}
	return resp
}

// runConstitutional issues the principle-compliance check.
func (p *Pipeline) runConstitutional(ctx context.Context, req *Request, resp *Response) stageOutcome {
	dr, out := p.callBackend(ctx, p.cfg.ConstitutionalPath, map[string]any{
		"policy_content":   req.PolicyContent,
		"policy_type":      string(req.PolicyType),
		"principles":       req.ConstitutionalPrinciples,
		"context":          req.ContextData,
		"validation_level": string(req.ValidationLevel),
	})
	if out.err != nil {
		// Fail closed: an unverifiable policy is not constitutional.
		resp.Constitutional = &ConstitutionalResult{IsConstitutional: false}
		out.err = fmt.Errorf("constitutional check failed: %w", out.err)
		return out
	}

	result := asMap(dr.Result)
	resp.Constitutional = &ConstitutionalResult{
		IsConstitutional: getBool(result, "is_constitutional"),
		ComplianceScore:  getFloat(result, "compliance_score"),
		PrincipleScores:  getFloatMap(result, "principle_scores"),
		Violations:       getStrings(result, "violations"),
		Recommendations:  getStrings(result, "recommendations"),
	}
	return out
}

// runCompliance issues the regulatory-compliance check.
func (p *Pipeline) runCompliance(ctx context.Context, req *Request, resp *Response) stageOutcome {
	dr, out := p.callBackend(ctx, p.cfg.CompliancePath, map[string]any{
		"policy_content":   req.PolicyContent,
		"policy_type":      string(req.PolicyType),
		"context":          req.ContextData,
		"validation_level": string(req.ValidationLevel),
	})
	if out.err != nil {
		// Fail closed: unverifiable compliance requires review.
		resp.Compliance = &ComplianceResult{IsCompliant: false, RequiresReview: true}
		out.err = fmt.Errorf("compliance check failed: %w", out.err)
		return out
	}

	result := asMap(dr.Result)
	resp.Compliance = &ComplianceResult{
		IsCompliant:     getBool(result, "is_compliant"),
		ComplianceScore: getFloat(result, "compliance_score"),
		CategoryScores:  getFloatMap(result, "category_scores"),
		Violations:      getStrings(result, "violations"),
		Recommendations: getStrings(result, "recommendations"),
		RequiresReview:  getBool(result, "requires_review"),
	}
	return out
}

// runConflicts issues the conflict-detection check against the
// caller-supplied existing policies.
func (p *Pipeline) runConflicts(ctx context.Context, req *Request, resp *Response) stageOutcome {
	dr, out := p.callBackend(ctx, p.cfg.ConflictPath, map[string]any{
		"policy_content":    req.PolicyContent,
		"existing_policies": req.ExistingPolicies,
	})
	if out.err != nil {
		// Fail closed: treat an unverifiable candidate as conflicting.
		resp.Conflict = &ConflictResult{
			HasConflicts: true,
			ConflictsByCategory: map[string][]string{
				ConflictLogical: {"conflict detection unavailable"},
			},
		}
		out.err = fmt.Errorf("conflict check failed: %w", out.err)
		return out
	}

	result := asMap(dr.Result)
	resp.Conflict = &ConflictResult{
		HasConflicts:        getBool(result, "has_conflicts"),
		ConflictsByCategory: getStringsMap(result, "conflicts_by_category"),
		Recommendations:     getStrings(result, "recommendations"),
	}
	return out
}

// callBackend issues one decision call and folds it into a stage outcome.
func (p *Pipeline) callBackend(ctx context.Context, policyPath string, input map[string]any) (*decision.Response, stageOutcome) {
	dr, err := p.client.Evaluate(ctx, &decision.Request{
		InputData:  input,
		PolicyPath: policyPath,
	})
	if err != nil {
		return nil, stageOutcome{err: err}
	}
	out := stageOutcome{latencyMs: dr.DecisionTimeMs, cacheHit: dr.CacheHit}
	if !dr.OK() {
		out.err = fmt.Errorf("%s", dr.Error)
		return nil, out
	}
	return dr, out
}

// aggregate computes validity, the weighted score, and the
// errors/warnings/recommendations lists from the stage results.
func (p *Pipeline) aggregate(resp *Response) {
	resp.IsValid = resp.Syntax.IsValid &&
		(resp.Constitutional == nil || resp.Constitutional.IsConstitutional) &&
		(resp.Compliance == nil || !resp.Compliance.RequiresReview) &&
		(resp.Conflict == nil || len(resp.Conflict.LogicalConflicts()) == 0)

	// Weighted score over the stages that ran, re-normalized.
	var score, applied float64
	if resp.Syntax.IsValid {
		score += p.weights.Syntax
	}
	applied += p.weights.Syntax

	if resp.Constitutional != nil {
		score += p.weights.Constitutional * clamp01(resp.Constitutional.ComplianceScore)
		applied += p.weights.Constitutional
		resp.Errors = append(resp.Errors, resp.Constitutional.Violations...)
		resp.Recommendations = append(resp.Recommendations, resp.Constitutional.Recommendations...)
	}
	if resp.Compliance != nil {
		score += p.weights.Compliance * clamp01(resp.Compliance.ComplianceScore)
		applied += p.weights.Compliance
		if resp.Compliance.RequiresReview {
			resp.Errors = append(resp.Errors, resp.Compliance.Violations...)
		} else {
			resp.Warnings = append(resp.Warnings, resp.Compliance.Violations...)
		}
		resp.Recommendations = append(resp.Recommendations, resp.Compliance.Recommendations...)
	}
	if resp.Conflict != nil {
		term := 1.0 - p.weights.ConflictPenaltyStep*float64(len(resp.Conflict.LogicalConflicts()))
		if term < 0 {
			term = 0
		}
		score += p.weights.Conflict * term
		applied += p.weights.Conflict
		for category, conflicts := range resp.Conflict.ConflictsByCategory {
			for _, conflict := range conflicts {
				resp.Warnings = append(resp.Warnings, fmt.Sprintf("%s conflict: %s", category, conflict))
			}
		}
		resp.Recommendations = append(resp.Recommendations, resp.Conflict.Recommendations...)
	}

	if applied > 0 {
		resp.OverallScore = clamp01(score / applied)
	}
}

// finish stamps wall-clock timing, records metrics, and flags latency
// threshold breaches as a warning.
func (p *Pipeline) finish(resp *Response, start time.Time) {
	elapsed := time.Since(start)
	resp.ValidationTimeMs = float64(elapsed.Microseconds()) / 1000.0
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Record(elapsed, !resp.IsValid)
		if p.cfg.Metrics.ExceedsThreshold(elapsed) {
			resp.Warnings = append(resp.Warnings, "validation latency exceeded acceptable maximum")
		}
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
