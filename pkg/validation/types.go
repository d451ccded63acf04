// Package validation orchestrates the four-stage policy validation
// pipeline (syntax, constitutional, compliance, conflict detection)
// over the decision client and aggregates the stage outcomes into one
// scored response.
package validation

// PolicyType classifies the candidate policy under validation.
type PolicyType string

const (
	PolicyConstitutionalPrinciple PolicyType = "constitutional-principle"
	PolicyOperationalRule         PolicyType = "operational-rule"
	PolicyGovernanceRule          PolicyType = "governance-rule"
	PolicyComplianceRule          PolicyType = "compliance-rule"
)

// Level selects validation depth. Carried through to the rule backend
// in the stage inputs; the pipeline structure itself does not change.
type Level string

const (
	LevelBasic         Level = "basic"
	LevelStandard      Level = "standard"
	LevelComprehensive Level = "comprehensive"
	LevelCritical      Level = "critical"
)

// Conflict categories reported by the conflict-detection stage. Only
// logical conflicts invalidate a candidate; the rest downgrade to
// warnings.
const (
	ConflictLogical  = "logical"
	ConflictSemantic = "semantic"
	ConflictPriority = "priority"
	ConflictScope    = "scope"
)

// Request is one validation request.
type Request struct {
	PolicyContent            string           `json:"policy_content"`
	PolicyType               PolicyType       `json:"policy_type"`
	ConstitutionalPrinciples []map[string]any `json:"constitutional_principles,omitempty"`
	ExistingPolicies         []map[string]any `json:"existing_policies,omitempty"`
	ContextData              map[string]any   `json:"context_data,omitempty"`
	ValidationLevel          Level            `json:"validation_level,omitempty"`
	CheckConflicts           bool             `json:"check_conflicts"`
	CheckCompliance          bool             `json:"check_compliance"`
	CheckConstitutional      bool             `json:"check_constitutional"`
	TargetFormat             string           `json:"target_format,omitempty"`
}

// SyntaxResult is the first-stage outcome. A failure gates the
// pipeline: downstream stage results stay nil.
type SyntaxResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// ConstitutionalResult reports compliance with constitutional principles.
type ConstitutionalResult struct {
	IsConstitutional bool               `json:"is_constitutional"`
	ComplianceScore  float64            `json:"compliance_score"`
	PrincipleScores  map[string]float64 `json:"principle_scores,omitempty"`
	Violations       []string           `json:"violations,omitempty"`
	Recommendations  []string           `json:"recommendations,omitempty"`
}

// ComplianceResult reports regulatory compliance.
type ComplianceResult struct {
	IsCompliant     bool               `json:"is_compliant"`
	ComplianceScore float64            `json:"compliance_score"`
	CategoryScores  map[string]float64 `json:"category_scores,omitempty"`
	Violations      []string           `json:"violations,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	RequiresReview  bool               `json:"requires_review"`
}

// ConflictResult reports detected contradictions against existing policies.
type ConflictResult struct {
	HasConflicts        bool                `json:"has_conflicts"`
	ConflictsByCategory map[string][]string `json:"conflicts_by_category,omitempty"`
	Recommendations     []string            `json:"recommendations,omitempty"`
}

// LogicalConflicts returns the logical-category conflict descriptions.
func (c *ConflictResult) LogicalConflicts() []string {
	if c == nil {
		return nil
	}
	return c.ConflictsByCategory[ConflictLogical]
}

// Response is the aggregated validation verdict. Nil stage pointers
// mean the stage was not run.
type Response struct {
	IsValid          bool    `json:"is_valid"`
	OverallScore     float64 `json:"overall_score"`
	ValidationTimeMs float64 `json:"validation_time_ms"`

	Syntax         *SyntaxResult         `json:"syntax,omitempty"`
	Constitutional *ConstitutionalResult `json:"constitutional,omitempty"`
	Compliance     *ComplianceResult     `json:"compliance,omitempty"`
	Conflict       *ConflictResult       `json:"conflict,omitempty"`

	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`

	DecisionLatencyMs float64 `json:"decision_latency_ms"`
	CacheHit          bool    `json:"cache_hit"`
}

// Weights configures score aggregation. The stage weights are
// re-normalized over the stages actually run; ConflictPenaltyStep is
// subtracted from the conflict term per logical conflict, floored at 0.
type Weights struct {
	Syntax              float64 `json:"syntax" yaml:"syntax"`
	Constitutional      float64 `json:"constitutional" yaml:"constitutional"`
	Compliance          float64 `json:"compliance" yaml:"compliance"`
	Conflict            float64 `json:"conflict" yaml:"conflict"`
	ConflictPenaltyStep float64 `json:"conflict_penalty_step" yaml:"conflict_penalty_step"`
}

// DefaultWeights returns the empirically chosen defaults.
func DefaultWeights() Weights {
	return Weights{
		Syntax:              0.2,
		Constitutional:      0.4,
		Compliance:          0.3,
		Conflict:            0.1,
		ConflictPenaltyStep: 0.2,
	}
}
