package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		if node.Group == nil {
			fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
			continue
		}
		// A group renders as a subgraph; edges to and from it attach to the box.
		fmt.Fprintf(&b, "    subgraph %s[%q]\n", mermaidSafeID(node.ID), firstLine(node.Label)+" ("+node.Group.Label+")")
		for _, child := range node.Group.Nodes {
			fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(child))
		}
		for _, edge := range node.Group.Edges {
			fmt.Fprintf(&b, "        %s\n", mermaidEdge(edge))
		}
		b.WriteString("    end\n")
	}

	for _, edge := range model.Edges {
		fmt.Fprintf(&b, "    %s\n", mermaidEdge(edge))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef rejected fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef active fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef overdue fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef waiting fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		writeMermaidClass(&b, node)
		if node.Group != nil {
			for _, child := range node.Group.Nodes {
				writeMermaidClass(&b, child)
			}
		}
	}

	return b.String()
}

func writeMermaidClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	if cls := mermaidStatusClass(node.Status); cls != "" {
		fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
	}
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)
	if node.Status != nil && node.Status.Assignee != "" {
		label += " @" + node.Status.Assignee
	}

	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindReview:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindNotification:
		return fmt.Sprintf("%s>%q]", id, label)
	case NodeKindCustom:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // approval
		if node.Optional {
			return fmt.Sprintf("%s[/%q/]", id, label)
		}
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func mermaidEdge(edge Edge) string {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", edge.Label)
	}
	return fmt.Sprintf("%s -->%s %s", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(s *StatusOverlay) string {
	if s.Overdue {
		return "overdue"
	}
	switch s.Status {
	case "completed":
		return "completed"
	case "rejected":
		return "rejected"
	case "in_progress":
		return "active"
	case "pending", "draft":
		return "waiting"
	case "skipped", "cancelled":
		return "skipped"
	default:
		return ""
	}
}
