package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// policyDocumentSchema is the structural baseline for JSON policies: a
// non-empty object. The rule DSL itself is opaque to this core.
var policyDocumentSchema = jsonschema.MustCompileString("policy.json", `{
	"type": "object",
	"minProperties": 1
}`)

// checkSyntax runs the local first-stage check: non-empty content plus
// a format-aware structural parse.
func checkSyntax(req *Request) *SyntaxResult {
	content := strings.TrimSpace(req.PolicyContent)
	if content == "" {
		return &SyntaxResult{
			IsValid: false,
			Errors:  []string{"policy content is empty"},
		}
	}

	var errs []string
	switch strings.ToLower(req.TargetFormat) {
	case "json":
		var doc any
		if err := json.Unmarshal([]byte(content), &doc); err != nil {
			errs = append(errs, fmt.Sprintf("invalid JSON: %v", err))
			break
		}
		if err := policyDocumentSchema.Validate(doc); err != nil {
			errs = append(errs, fmt.Sprintf("policy document structure: %v", err))
		}
	case "yaml":
		var doc any
		if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
			errs = append(errs, fmt.Sprintf("invalid YAML: %v", err))
		}
	case "rego":
		if !strings.Contains(content, "package ") {
			errs = append(errs, "rego module missing package declaration")
		}
	default:
		// Opaque DSL: the backend owns deep parsing. Require at least
		// one structural marker so obviously truncated payloads fail fast.
		if !strings.ContainsAny(content, "{}=:") && len(strings.Fields(content)) < 2 {
			errs = append(errs, "policy content has no recognizable structure")
		}
	}

	return &SyntaxResult{IsValid: len(errs) == 0, Errors: errs}
}
