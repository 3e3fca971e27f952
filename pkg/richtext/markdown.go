package richtext

import (
	"fmt"
	"strings"
)

// TreeMarkdown renders an editor tree as markdown.
func TreeMarkdown(t *Tree) string {
	var sb strings.Builder
	for _, block := range t.Root.Children {
		writeBlock(&sb, block, 0)
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func writeBlock(sb *strings.Builder, n Node, depth int) {
	switch n.Type {
	case "paragraph":
		align := n.alignment()
		if align != "" {
			fmt.Fprintf(sb, `<div align="%s">`, align)
		}
		writeInline(sb, n.Children)
		if align != "" {
			sb.WriteString("</div>")
		}
		sb.WriteString("\n\n")

	case "heading":
		level := 1
		if len(n.Tag) == 2 && n.Tag[0] == 'h' && n.Tag[1] >= '1' && n.Tag[1] <= '6' {
			level = int(n.Tag[1] - '0')
		}
		sb.WriteString(strings.Repeat("#", level) + " ")
		writeInline(sb, n.Children)
		sb.WriteString("\n\n")

	case "quote":
		var inner strings.Builder
		writeInline(&inner, n.Children)
		for _, line := range strings.Split(inner.String(), "\n") {
			sb.WriteString("> " + line + "\n")
		}
		sb.WriteString("\n")

	case "code":
		sb.WriteString("```" + n.Language + "\n")
		sb.WriteString(plainInline(n.Children))
		sb.WriteString("\n```\n\n")

	case "list":
		writeList(sb, n, depth)
		if depth == 0 {
			sb.WriteString("\n")
		}

	case "table":
		writeTable(sb, n)

	case "horizontalrule":
		sb.WriteString("---\n\n")

	default:
		for _, child := range n.Children {
			writeBlock(sb, child, depth)
		}
	}
}

func writeInline(sb *strings.Builder, nodes []Node) {
	for _, n := range nodes {
		switch n.Type {
		case "text":
			writeText(sb, n)
		case "linebreak":
			sb.WriteString("\n")
		case "link":
			sb.WriteString("[")
			writeInline(sb, n.Children)
			fmt.Fprintf(sb, "](%s)", n.URL)
		default:
			sb.WriteString(n.Text)
			writeInline(sb, n.Children)
		}
	}
}

// writeText applies wrappers outermost first: code, bold, italic, underline, strike.
func writeText(sb *strings.Builder, n Node) {
	span := ParseStyle(n.Style).SpanOpen()
	format := n.textFormat()

	type wrap struct {
		bit         int
		open, close string
	}
	wraps := []wrap{
		{FormatCode, "`", "`"},
		{FormatBold, "**", "**"},
		{FormatItalic, "_", "_"},
		{FormatUnderline, "<u>", "</u>"},
		{FormatStrikethrough, "~~", "~~"},
	}

	sb.WriteString(span)
	for _, w := range wraps {
		if format&w.bit != 0 {
			sb.WriteString(w.open)
		}
	}
	sb.WriteString(n.Text)
	for i := len(wraps) - 1; i >= 0; i-- {
		if format&wraps[i].bit != 0 {
			sb.WriteString(wraps[i].close)
		}
	}
	if span != "" {
		sb.WriteString("</span>")
	}
}

func writeList(sb *strings.Builder, n Node, depth int) {
	index := 1
	if n.Start > 0 {
		index = n.Start
	}
	for _, item := range n.Children {
		if item.Type != "listitem" {
			continue
		}
		sb.WriteString(strings.Repeat("  ", depth))
		switch n.ListType {
		case "number":
			fmt.Fprintf(sb, "%d. ", index)
			index++
		case "check":
			if item.Checked {
				sb.WriteString("- [x] ")
			} else {
				sb.WriteString("- [ ] ")
			}
		default:
			sb.WriteString("- ")
		}

		var nested []Node
		var inline []Node
		for _, child := range item.Children {
			if child.Type == "list" {
				nested = append(nested, child)
			} else {
				inline = append(inline, child)
			}
		}
		writeInline(sb, inline)
		sb.WriteString("\n")
		for _, child := range nested {
			writeList(sb, child, depth+1)
		}
	}
}

func writeTable(sb *strings.Builder, n Node) {
	rows := tableCells(n, func(cell Node) string {
		var c strings.Builder
		for _, content := range cell.Children {
			writeInline(&c, content.Children)
		}
		return strings.ReplaceAll(c.String(), "\n", " ")
	})
	if len(rows) == 0 {
		return
	}
	cols := 0
	for _, r := range rows {
		cols = max(cols, len(r))
	}

	writeRow := func(r []string) {
		sb.WriteString("|")
		for i := 0; i < cols; i++ {
			cell := ""
			if i < len(r) {
				cell = r[i]
			}
			sb.WriteString(" " + cell + " |")
		}
		sb.WriteString("\n")
	}

	writeRow(rows[0])
	sb.WriteString("|" + strings.Repeat("---|", cols) + "\n")
	for _, r := range rows[1:] {
		writeRow(r)
	}
	sb.WriteString("\n")
}

func tableCells(n Node, render func(Node) string) [][]string {
	var rows [][]string
	for _, row := range n.Children {
		if row.Type != "tablerow" {
			continue
		}
		var cells []string
		for _, cell := range row.Children {
			cells = append(cells, render(cell))
		}
		rows = append(rows, cells)
	}
	return rows
}
