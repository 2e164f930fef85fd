package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindApproval     NodeKind = "approval"
	NodeKindReview       NodeKind = "review"
	NodeKindNotification NodeKind = "notification"
	NodeKindCondition    NodeKind = "condition"
	NodeKindCustom       NodeKind = "custom"
	NodeKindGroup        NodeKind = "group"
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Optional bool // non-blocking: a rejection does not reject the workflow
	Status   *StatusOverlay
	Group    *SubGraph // children of parallel and sequential steps
}

// SubGraph holds the child steps of a group step.
type SubGraph struct {
	Label string // "parallel" or "sequential"
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries instance state for a node.
type StatusOverlay struct {
	Status   string // from schema.StepStatus
	Assignee string
	Overdue  bool
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
