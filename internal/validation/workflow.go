package validation

import (
	"github.com/rendis/hrflow/internal/expressions"
	"github.com/rendis/hrflow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step shape, assignees, expressions, references)
// 3. DAG (cycles, stages)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	semantic   *semanticChecker
}

// NewWorkflowValidator creates a WorkflowValidator. conditions compiles
// condition and when expressions; engines resolves assignee rule prefixes.
// Either may be nil to skip the corresponding compile checks.
func NewWorkflowValidator(conditions expressions.Checker, engines expressions.Set) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		semantic:   &semanticChecker{conditions: conditions, engines: engines},
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(wv.semantic.validateSemantic(def))

	// Stage 3: DAG (skip if semantic errors, the graph may be invalid).
	if result.Valid() {
		result.Merge(validateDAG(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInstanceData delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInstanceData(def *schema.WorkflowDefinition, data map[string]any) error {
	return wv.jsonSchema.ValidateInstanceData(def, data)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	flowErr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, flowErr.Message)
	return result
}
