package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel as a PNG image using graphviz.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		if node.Group == nil {
			gvNode, nErr := graph.CreateNodeByName(node.ID)
			if nErr != nil {
				return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
			}
			gvNode.SetLabel(nodeText(node))
			applyNodeStyle(gvNode, node)
			gvNodes[node.ID] = gvNode
			continue
		}

		// Groups become clusters. Edges to the group attach to an anchor node
		// inside the cluster so the DAG stays connected.
		sub, subErr := graph.CreateSubGraphByName("cluster_" + node.ID)
		if subErr != nil {
			return nil, fmt.Errorf("diagram: create cluster %s: %w", node.ID, subErr)
		}
		sub.SetLabel(firstLine(node.Label) + " (" + node.Group.Label + ")")
		sub.SetStyle(cgraph.DashedGraphStyle)

		anchor, nErr := sub.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		anchor.SetLabel("")
		anchor.SetShape(cgraph.CircleShape)
		anchor.SetWidth(0.15)
		anchor.SetHeight(0.15)
		gvNodes[node.ID] = anchor

		for _, child := range node.Group.Nodes {
			gvChild, cErr := sub.CreateNodeByName(child.ID)
			if cErr != nil {
				return nil, fmt.Errorf("diagram: create node %s: %w", child.ID, cErr)
			}
			gvChild.SetLabel(nodeText(child))
			applyNodeStyle(gvChild, child)
			gvNodes[child.ID] = gvChild
		}
		for _, edge := range node.Group.Edges {
			createEdge(graph, gvNodes, edge)
		}
	}

	for _, edge := range model.Edges {
		createEdge(graph, gvNodes, edge)
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func createEdge(graph *cgraph.Graph, gvNodes map[string]*cgraph.Node, edge Edge) {
	from, to := gvNodes[edge.From], gvNodes[edge.To]
	if from == nil || to == nil {
		return
	}
	e, err := graph.CreateEdgeByName("", from, to)
	if err == nil && edge.Label != "" {
		e.SetLabel(edge.Label)
	}
}

func nodeText(node *Node) string {
	label := node.Label
	if node.Status != nil && node.Status.Assignee != "" {
		label = firstLine(label) + "\n@" + node.Status.Assignee
	}
	return label
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindApproval, NodeKindCustom:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindReview:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindNotification:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindCondition:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status)
		return
	}
	if node.Optional {
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}

func applyStatusColor(gvNode *cgraph.Node, s *StatusOverlay) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	if s.Overdue {
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
		return
	}
	switch s.Status {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "rejected":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "in_progress":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "pending", "draft":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "skipped", "cancelled":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
