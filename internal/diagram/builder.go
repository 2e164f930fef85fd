package diagram

import (
	"fmt"
	"time"

	"github.com/rendis/hrflow/internal/engine"
	"github.com/rendis/hrflow/internal/store"
	"github.com/rendis/hrflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a WorkflowDefinition and the optional
// steps of an instance. It uses engine.ParseDAG for topology; group steps get
// a SubGraph with their children.
func Build(def *schema.WorkflowDefinition, steps []*store.Step, now time.Time) (*DiagramModel, error) {
	dag, err := engine.ParseDAG(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse DAG: %w", err)
	}

	byID := make(map[string]*store.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	nodes := make([]*Node, 0, len(dag.Sorted)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	for _, id := range dag.Sorted {
		step := dag.Steps[id]
		node := stepToNode(step, byID[id], now)
		if children := dag.Children[id]; len(children) > 0 {
			node.Group = buildGroup(dag, step, children, byID, now)
		}
		nodes = append(nodes, node)
	}

	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(dag),
		Levels: buildLevels(dag),
	}, nil
}

// stepToNode maps a StepDefinition and its instance step, if any, to a Node.
func stepToNode(def *schema.StepDefinition, step *store.Step, now time.Time) *Node {
	node := &Node{
		ID:       def.ID,
		Label:    nodeLabel(def),
		Kind:     stepTypeToKind(def.EffectiveType()),
		Optional: !def.IsBlocking(),
	}
	if step != nil {
		node.Status = &StatusOverlay{
			Status:   string(step.Status),
			Assignee: step.Assignee,
			Overdue:  step.Status.Actionable() && step.DueAt != nil && step.DueAt.Before(now),
		}
	}
	return node
}

func stepTypeToKind(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeReview:
		return NodeKindReview
	case schema.StepTypeNotification:
		return NodeKindNotification
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeCustom:
		return NodeKindCustom
	case schema.StepTypeParallel, schema.StepTypeSequential:
		return NodeKindGroup
	default:
		return NodeKindApproval
	}
}

// nodeLabel is the step name (or ID) with the assignee rule on a second line.
func nodeLabel(step *schema.StepDefinition) string {
	label := step.ID
	if step.Name != "" {
		label = step.Name
	}
	if step.Assignee != "" {
		return fmt.Sprintf("%s\n%s", label, step.Assignee)
	}
	return label
}

func buildGroup(dag *engine.DAG, group *schema.StepDefinition, children []string, byID map[string]*store.Step, now time.Time) *SubGraph {
	sg := &SubGraph{Label: string(group.EffectiveType())}
	for i, id := range children {
		sg.Nodes = append(sg.Nodes, stepToNode(dag.Steps[id], byID[id], now))
		if group.EffectiveType() == schema.StepTypeSequential && i > 0 {
			sg.Edges = append(sg.Edges, Edge{From: children[i-1], To: id})
		}
	}
	return sg
}

// buildEdges constructs the Edge list from the DAG in topological order,
// adding start and end edges. Edges out of a condition step are labelled
// since its explicit dependents are skipped when it evaluates false.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge
	for _, id := range dag.Sorted {
		if len(dag.Edges[id]) == 0 {
			edges = append(edges, Edge{From: startID, To: id})
		}
	}
	for _, id := range dag.Sorted {
		for _, dep := range dag.Edges[id] {
			e := Edge{From: dep, To: id}
			if dag.Steps[dep].EffectiveType() == schema.StepTypeCondition && contains(dag.Explicit[id], dep) {
				e.Label = "if true"
			}
			if dag.Steps[id].When != "" {
				e.Label = "when"
			}
			edges = append(edges, e)
		}
	}
	for _, id := range dag.Sorted {
		if len(dag.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	return edges
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// buildLevels wraps DAG stages with virtual start/end levels.
func buildLevels(dag *engine.DAG) [][]string {
	levels := make([][]string, 0, len(dag.Levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, dag.Levels...)
	levels = append(levels, []string{endID})
	return levels
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	switch {
	case def.Name != "" && def.Version > 0:
		return fmt.Sprintf("%s v%d", def.Name, def.Version)
	case def.Name != "":
		return def.Name
	}
	return "Workflow"
}
