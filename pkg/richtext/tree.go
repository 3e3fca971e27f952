// Package richtext renders document content for export. The body field holds
// either a serialized editor tree (Lexical JSON) or plain markdown.
package richtext

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Tree struct {
	Root Node `json:"root"`
}

// Node is any node of the editor tree.
type Node struct {
	Type     string `json:"type"`
	Children []Node `json:"children,omitempty"`

	// text
	Text   string      `json:"text,omitempty"`
	Format interface{} `json:"format,omitempty"` // int bitmask on text, alignment string on blocks
	Style  string      `json:"style,omitempty"`

	// heading: h1..h6
	Tag string `json:"tag,omitempty"`

	// link
	URL string `json:"url,omitempty"`

	// list and listitem
	ListType string `json:"listType,omitempty"` // bullet, number, check
	Start    int    `json:"start,omitempty"`
	Checked  bool   `json:"checked,omitempty"`

	// code
	Language string `json:"language,omitempty"`
}

const (
	FormatBold          = 1
	FormatItalic        = 2
	FormatStrikethrough = 4
	FormatUnderline     = 8
	FormatCode          = 16
)

// IsTree reports whether body looks like a serialized editor tree.
func IsTree(body string) bool {
	return strings.HasPrefix(strings.TrimSpace(body), `{"root":`)
}

func ParseTree(body string) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &t); err != nil {
		return nil, fmt.Errorf("failed to parse rich text tree: %w", err)
	}
	return &t, nil
}

func (n Node) textFormat() int {
	switch f := n.Format.(type) {
	case float64:
		return int(f)
	case int:
		return f
	}
	return 0
}

func (n Node) alignment() string {
	if s, ok := n.Format.(string); ok && s != "left" {
		return s
	}
	return ""
}
