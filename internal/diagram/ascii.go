package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status overlay.
func statusTag(s *StatusOverlay) string {
	if s == nil {
		return ""
	}
	if s.Overdue {
		return "[LATE]"
	}
	switch s.Status {
	case "completed":
		return "[OK]"
	case "rejected":
		return "[REJ]"
	case "in_progress":
		return "[ACTIVE]"
	case "pending":
		return "[PEND]"
	case "skipped":
		return "[SKIP]"
	case "cancelled":
		return "[CXL]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a text diagram, one row of boxes per
// stage.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if node := findNode(model.Nodes, id); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	for _, node := range model.Nodes {
		if node.Group != nil {
			fmt.Fprintf(&b, "\n--- %s (%s) ---\n", node.ID, node.Group.Label)
			renderGroup(&b, node.Group)
		}
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

// makeBox creates an ASCII box for a node: label, assignee, status.
func makeBox(node *Node) asciiBox {
	content := []string{firstLine(node.Label)}
	if node.Optional {
		content[0] += " (optional)"
	}
	if node.Status != nil {
		if node.Status.Assignee != "" {
			content = append(content, "@"+node.Status.Assignee)
		}
		if tag := statusTag(node.Status); tag != "" {
			content = append(content, tag)
		}
	}

	maxLen := 0
	for _, line := range content {
		if n := len([]rune(line)); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, line := range content {
		pad := maxLen - len([]rune(line))
		lines = append(lines, "│ "+line+strings.Repeat(" ", pad)+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}
	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

func renderGroup(b *strings.Builder, sg *SubGraph) {
	for _, node := range sg.Nodes {
		line := firstLine(node.Label)
		if node.Optional {
			line += " (optional)"
		}
		if node.Status != nil && node.Status.Assignee != "" {
			line += " @" + node.Status.Assignee
		}
		if tag := statusTag(node.Status); tag != "" {
			line += " " + tag
		}
		fmt.Fprintf(b, "    %s\n", line)
	}
	for _, edge := range sg.Edges {
		fmt.Fprintf(b, "    %s ─→ %s\n", edge.From, edge.To)
	}
}

// findNode looks up a node by ID in the model's node list.
func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
