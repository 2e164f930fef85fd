package validation

import (
	"fmt"

	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/pkg/schema"
)

// validateDAG builds the stage graph the runner will walk: cycle detection
// and stage assignment. It also warns about explicit dependencies on
// non-blocking steps, whose rejection does not stop the dependent.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	dag, err := engine.ParseDAG(def)
	if err != nil {
		code := schema.CodeOf(err)
		if code == "" {
			code = schema.ErrCodeValidation
		}
		result.AddError("steps", code, err.Error())
		return result
	}

	for _, id := range dag.Sorted {
		for _, dep := range dag.Explicit[id] {
			if !dag.Steps[dep].IsBlocking() {
				result.AddWarning(fmt.Sprintf("steps[%s].depends_on", id), schema.ErrCodeValidation,
					fmt.Sprintf("step %q depends on non-blocking step %q; a rejection there does not stop it", id, dep))
			}
		}
	}

	return result
}
