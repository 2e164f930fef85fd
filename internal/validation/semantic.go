package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/hrflow/internal/expressions"
	"github.com/rendis/hrflow/pkg/schema"
)

// walkSteps visits every step, children included, with its path.
func walkSteps(steps []schema.StepDefinition, fn func(step *schema.StepDefinition, path string)) {
	for i := range steps {
		path := fmt.Sprintf("steps[%d]", i)
		fn(&steps[i], path)
		for j := range steps[i].Steps {
			fn(&steps[i].Steps[j], fmt.Sprintf("%s.steps[%d]", path, j))
		}
	}
}

// semanticChecker holds what semantic analysis needs to compile expressions.
// Both fields may be nil, which skips the corresponding compile checks.
type semanticChecker struct {
	conditions expressions.Checker
	engines    expressions.Set
}

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: step shape per type, assignees, expressions compile, due_in,
// group children, depends_on refs.
func (c *semanticChecker) validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	topLevel := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		topLevel[s.ID] = true
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		c.validateStep(step, path, false, result)
		validateDependsOn(step, path, topLevel, result)

		for j := range step.Steps {
			child := &step.Steps[j]
			childPath := fmt.Sprintf("%s.steps[%d]", path, j)
			c.validateStep(child, childPath, true, result)
			if len(child.DependsOn) > 0 {
				result.AddError(childPath+".depends_on", schema.ErrCodeValidation,
					"child steps cannot declare depends_on; order comes from the group")
			}
		}
	}

	return result
}

// validateStep checks a single step, top-level or child.
func (c *semanticChecker) validateStep(step *schema.StepDefinition, path string, nested bool, result *schema.ValidationResult) {
	typ := step.EffectiveType()

	switch {
	case typ.IsGroup():
		if nested {
			result.AddError(path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("group step %q cannot be nested inside another group", step.ID))
		}
		if len(step.Steps) == 0 {
			result.AddError(path+".steps", schema.ErrCodeValidation,
				fmt.Sprintf("%s step %q has no child steps", typ, step.ID))
		}
		if step.Assignee != "" {
			result.AddError(path+".assignee", schema.ErrCodeValidation,
				fmt.Sprintf("%s step %q cannot have an assignee", typ, step.ID))
		}
	case len(step.Steps) > 0:
		result.AddError(path+".steps", schema.ErrCodeValidation,
			fmt.Sprintf("only parallel and sequential steps may have child steps, %q is %s", step.ID, typ))
	}

	switch typ {
	case schema.StepTypeApproval, schema.StepTypeReview:
		if strings.TrimSpace(step.Assignee) == "" {
			result.AddError(path+".assignee", schema.ErrCodeAssigneeRequired,
				fmt.Sprintf("%s step %q requires an assignee", typ, step.ID))
		}
	case schema.StepTypeCondition:
		if step.Condition == "" {
			result.AddError(path+".condition", schema.ErrCodeValidation,
				fmt.Sprintf("condition step %q has no condition", step.ID))
		}
		if step.Assignee != "" {
			result.AddError(path+".assignee", schema.ErrCodeValidation,
				fmt.Sprintf("condition step %q cannot have an assignee", step.ID))
		}
	}
	if typ != schema.StepTypeCondition && step.Condition != "" {
		result.AddError(path+".condition", schema.ErrCodeValidation,
			fmt.Sprintf("condition is only valid on condition steps, use when on %q", step.ID))
	}

	if step.Condition != "" {
		c.checkCEL(step.Condition, path+".condition", result)
	}
	if step.When != "" {
		c.checkCEL(step.When, path+".when", result)
	}
	if step.Assignee != "" {
		c.checkAssignee(step.Assignee, path+".assignee", result)
	}

	if step.DueIn != "" {
		d, err := time.ParseDuration(step.DueIn)
		switch {
		case err != nil:
			result.AddError(path+".due_in", schema.ErrCodeValidation,
				fmt.Sprintf("invalid due_in %q: %s", step.DueIn, err))
		case d <= 0:
			result.AddError(path+".due_in", schema.ErrCodeValidation,
				fmt.Sprintf("due_in must be positive, got %q", step.DueIn))
		case !typ.Assignable():
			result.AddWarning(path+".due_in", schema.ErrCodeValidation,
				fmt.Sprintf("due_in has no effect on %s steps", typ))
		}
	}

	if step.DelegationNotAllowed && !typ.Assignable() {
		result.AddWarning(path+".delegation_not_allowed", schema.ErrCodeValidation,
			fmt.Sprintf("delegation_not_allowed has no effect on %s steps", typ))
	}
}

func validateDependsOn(step *schema.StepDefinition, path string, topLevel map[string]bool, result *schema.ValidationResult) {
	for j, dep := range step.DependsOn {
		p := fmt.Sprintf("%s.depends_on[%d]", path, j)
		switch {
		case dep == step.ID:
			result.AddError(p, schema.ErrCodeCycleDetected,
				fmt.Sprintf("step %q depends on itself", step.ID))
		case !topLevel[dep]:
			result.AddError(p, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent top-level step %q", dep))
		}
	}
}

func (c *semanticChecker) checkCEL(expression, path string, result *schema.ValidationResult) {
	if c.conditions == nil {
		return
	}
	if err := c.conditions.Check(expression); err != nil {
		result.AddError(path, schema.ErrCodeExpression, err.Error())
	}
}

// checkAssignee compiles expr:/jq:/cel: rules. Literal user IDs pass.
func (c *semanticChecker) checkAssignee(rule, path string, result *schema.ValidationResult) {
	eng, expression, ok := c.engines.SplitRule(strings.TrimSpace(rule))
	if !ok {
		return
	}
	if expression == "" {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("%s assignee rule has no expression", eng.Name()))
		return
	}
	if checker, ok := eng.(expressions.Checker); ok {
		if err := checker.Check(expression); err != nil {
			result.AddError(path, schema.ErrCodeExpression, err.Error())
		}
	}
}
