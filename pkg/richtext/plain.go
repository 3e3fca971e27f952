package richtext

import (
	"fmt"
	"strings"
)

// TreePlainText renders an editor tree without any markup.
func TreePlainText(t *Tree) string {
	var blocks []string
	for _, n := range t.Root.Children {
		if s := plainBlock(n, 0); s != "" {
			blocks = append(blocks, s)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func plainBlock(n Node, depth int) string {
	switch n.Type {
	case "list":
		var lines []string
		index := max(n.Start, 1)
		for _, item := range n.Children {
			if item.Type != "listitem" {
				continue
			}
			marker := "- "
			if n.ListType == "number" {
				marker = fmt.Sprintf("%d. ", index)
				index++
			}
			var inline []Node
			var nested []string
			for _, child := range item.Children {
				if child.Type == "list" {
					nested = append(nested, plainBlock(child, depth+1))
				} else {
					inline = append(inline, child)
				}
			}
			lines = append(lines, strings.Repeat("  ", depth)+marker+plainInline(inline))
			lines = append(lines, nested...)
		}
		return strings.Join(lines, "\n")

	case "table":
		rows := tableCells(n, func(cell Node) string {
			var parts []string
			for _, content := range cell.Children {
				parts = append(parts, plainInline(content.Children))
			}
			return strings.Join(parts, " ")
		})
		lines := make([]string, 0, len(rows))
		for _, r := range rows {
			lines = append(lines, strings.Join(r, "\t"))
		}
		return strings.Join(lines, "\n")

	case "horizontalrule":
		return ""

	case "paragraph", "heading", "quote", "code":
		return plainInline(n.Children)

	default:
		var parts []string
		for _, child := range n.Children {
			if s := plainBlock(child, depth); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return plainInline([]Node{n})
		}
		return strings.Join(parts, "\n\n")
	}
}

func plainInline(nodes []Node) string {
	var sb strings.Builder
	for _, n := range nodes {
		switch n.Type {
		case "text":
			sb.WriteString(n.Text)
		case "linebreak":
			sb.WriteString("\n")
		default:
			if n.Text != "" {
				sb.WriteString(n.Text)
			}
			sb.WriteString(plainInline(n.Children))
		}
	}
	return sb.String()
}
