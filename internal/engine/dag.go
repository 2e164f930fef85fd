package engine

import (
	"fmt"
	"sort"

	"github.com/rendis/hrflow/pkg/schema"
)

// DAG is the stage graph of a workflow definition. Top-level steps are
// ordered by dependency into levels (stages); children of group steps are
// tracked separately and are gated by their parent.
type DAG struct {
	Steps    map[string]*schema.StepDefinition // step ID → definition, children included
	Edges    map[string][]string               // top-level step ID → dependencies
	Explicit map[string][]string               // top-level step ID → declared depends_on only
	Reverse  map[string][]string               // top-level step ID → dependents
	Children map[string][]string               // group step ID → child IDs in declaration order
	Parent   map[string]string                 // child ID → group step ID
	Position map[string]int                    // declaration order, pre-order over children
	Stage    map[string]int                    // top-level step ID → level; children inherit the parent's
	Sorted   []string                          // topological order of top-level steps
	Levels   [][]string                        // top-level steps per stage
}

var validStepTypes = map[schema.StepType]bool{
	schema.StepTypeApproval:     true,
	schema.StepTypeReview:       true,
	schema.StepTypeNotification: true,
	schema.StepTypeCondition:    true,
	schema.StepTypeParallel:     true,
	schema.StepTypeSequential:   true,
	schema.StepTypeCustom:       true,
}

// ParseDAG parses a WorkflowDefinition into a stage graph.
// In sequential mode a top-level step without depends_on implicitly depends
// on the step declared before it. In parallel mode it is a root.
func ParseDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}
	switch def.Mode {
	case "", schema.ModeSequential, schema.ModeParallel:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow mode: %s", def.Mode)
	}

	dag := &DAG{
		Steps:    make(map[string]*schema.StepDefinition),
		Edges:    make(map[string][]string, len(def.Steps)),
		Explicit: make(map[string][]string, len(def.Steps)),
		Reverse:  make(map[string][]string, len(def.Steps)),
		Children: make(map[string][]string),
		Parent:   make(map[string]string),
		Position: make(map[string]int),
		Stage:    make(map[string]int),
	}

	// Register all steps, children included, and check for duplicates.
	pos := 0
	for i := range def.Steps {
		step := &def.Steps[i]
		if err := dag.register(step, fmt.Sprintf("steps[%d]", i), &pos); err != nil {
			return nil, err
		}
		for j := range step.Steps {
			child := &step.Steps[j]
			if err := dag.register(child, fmt.Sprintf("steps[%d].steps[%d]", i, j), &pos); err != nil {
				return nil, err
			}
			dag.Parent[child.ID] = step.ID
			dag.Children[step.ID] = append(dag.Children[step.ID], child.ID)
		}
	}

	for _, step := range dag.Steps {
		if err := validateStepConfig(step, dag.Parent[step.ID] != ""); err != nil {
			return nil, err
		}
	}

	// Build adjacency lists over top-level steps.
	for i := range def.Steps {
		step := &def.Steps[i]
		id := step.ID
		seen := make(map[string]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep)
			}
			if dag.Parent[dep] != "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on %s, which is inside group %s", id, dep, dag.Parent[dep])
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			dag.Explicit[id] = append(dag.Explicit[id], dep)
		}

		deps := append([]string(nil), dag.Explicit[id]...)
		if len(deps) == 0 && i > 0 && def.Mode != schema.ModeParallel {
			deps = []string{def.Steps[i-1].ID}
		}
		for _, dep := range deps {
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Edges))
	var queue []string
	for id, deps := range dag.Edges {
		inDegree[id] = len(deps)
		if len(deps) == 0 {
			queue = append(queue, id)
		}
	}
	dag.byPosition(queue)

	sorted := make([]string, 0, len(dag.Edges))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := append([]string(nil), dag.Reverse[node]...)
		dag.byPosition(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(sorted) != len(dag.Edges) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}
	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)

	for child, parent := range dag.Parent {
		dag.Stage[child] = dag.Stage[parent]
	}
	return dag, nil
}

func (d *DAG) register(step *schema.StepDefinition, path string, pos *int) error {
	if step.ID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s has empty ID", path)
	}
	if _, exists := d.Steps[step.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
	}
	if !validStepTypes[step.EffectiveType()] {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown type: %s", step.ID, step.Type)
	}
	d.Steps[step.ID] = step
	d.Position[step.ID] = *pos
	*pos++
	return nil
}

// computeLevels groups top-level steps into stages by dependency depth.
func computeLevels(dag *DAG) [][]string {
	maxLevel := 0
	for _, id := range dag.Sorted {
		depth := 0
		for _, dep := range dag.Edges[id] {
			if dag.Stage[dep]+1 > depth {
				depth = dag.Stage[dep] + 1
			}
		}
		dag.Stage[id] = depth
		if depth > maxLevel {
			maxLevel = depth
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		levels[dag.Stage[id]] = append(levels[dag.Stage[id]], id)
	}
	for _, l := range levels {
		dag.byPosition(l)
	}
	return levels
}

// validateStepConfig checks type-specific constraints on a step definition.
func validateStepConfig(step *schema.StepDefinition, nested bool) error {
	typ := step.EffectiveType()

	if typ.IsGroup() {
		if nested {
			return schema.NewErrorf(schema.ErrCodeValidation, "group step %s cannot be nested inside another group", step.ID)
		}
		if len(step.Steps) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s step %s has no child steps", typ, step.ID)
		}
	} else if len(step.Steps) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "only parallel and sequential steps may have child steps, %s is %s", step.ID, typ)
	}

	if nested && len(step.DependsOn) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "child step %s cannot declare depends_on; order comes from its group", step.ID)
	}

	switch typ {
	case schema.StepTypeCondition:
		if step.Condition == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "condition step %s has no condition", step.ID)
		}
		if step.Assignee != "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "condition step %s cannot have an assignee", step.ID)
		}
	default:
		if step.Condition != "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: condition is only valid on condition steps, use when", step.ID)
		}
	}
	return nil
}

func (d *DAG) byPosition(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return d.Position[ids[i]] < d.Position[ids[j]] })
}

// TopLevel returns the top-level step IDs in declaration order.
func (d *DAG) TopLevel() []string {
	out := append([]string(nil), d.Sorted...)
	d.byPosition(out)
	return out
}
