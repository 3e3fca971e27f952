package richtext

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the export view of a replicated document.
type Document struct {
	Title string
	Body  string
	// Meta becomes YAML front matter in markdown exports. Empty values are
	// skipped.
	Meta map[string]any
}

// BodyMarkdown renders a body field as markdown. Bodies that are not a valid
// editor tree are returned unchanged.
func BodyMarkdown(body string) string {
	if !IsTree(body) {
		return body
	}
	t, err := ParseTree(body)
	if err != nil {
		return body
	}
	return TreeMarkdown(t)
}

func BodyPlainText(body string) string {
	if !IsTree(body) {
		return body
	}
	t, err := ParseTree(body)
	if err != nil {
		return body
	}
	return TreePlainText(t)
}

// PlainText joins title and body with a blank line.
func PlainText(doc Document) string {
	parts := make([]string, 0, 2)
	if doc.Title != "" {
		parts = append(parts, doc.Title)
	}
	if body := strings.TrimRight(BodyPlainText(doc.Body), "\n"); body != "" {
		parts = append(parts, body)
	}
	return strings.Join(parts, "\n\n")
}

func Markdown(doc Document) (string, error) {
	var sb strings.Builder

	meta := make(map[string]any, len(doc.Meta))
	for k, v := range doc.Meta {
		if !empty(v) {
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		out, err := yaml.Marshal(meta)
		if err != nil {
			return "", err
		}
		sb.WriteString("---\n")
		sb.Write(out)
		sb.WriteString("---\n\n")
	}

	var sections []string
	if doc.Title != "" {
		sections = append(sections, "# "+doc.Title)
	}
	if body := strings.TrimRight(BodyMarkdown(doc.Body), "\n"); body != "" {
		sections = append(sections, body)
	}
	sb.WriteString(strings.Join(sections, "\n\n"))
	sb.WriteString("\n")
	return sb.String(), nil
}

func empty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}
