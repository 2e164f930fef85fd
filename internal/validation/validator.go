package validation

import "github.com/rendis/hrflow/pkg/schema"

// Validator checks workflow definitions before they are registered and
// instance data before an instance is created.
// Uses JSON Schema Draft 2020-12 for both.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInstanceData(def *schema.WorkflowDefinition, data map[string]any) error
}
