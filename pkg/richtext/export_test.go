package richtext

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const body = `{"root":{"type":"root","children":[
 {"type":"heading","tag":"h2","children":[{"type":"text","text":"Intro"}]},
 {"type":"paragraph","children":[
   {"type":"text","text":"Hello "},
   {"type":"text","text":"world","format":1},
   {"type":"text","text":" and "},
   {"type":"link","url":"https://example.com","children":[{"type":"text","text":"a link"}]}]},
 {"type":"list","listType":"number","children":[
   {"type":"listitem","children":[{"type":"text","text":"first"}]},
   {"type":"listitem","children":[
     {"type":"text","text":"second"},
     {"type":"list","listType":"bullet","children":[{"type":"listitem","children":[{"type":"text","text":"nested"}]}]}]}]},
 {"type":"paragraph","children":[{"type":"text","text":"colored","style":"color: red; font-size: 12px","format":2}]}
]}}`

func TestMarkdownExport(t *testing.T) {
	out, err := Markdown(Document{
		Title: "My post",
		Body:  body,
		Meta: map[string]any{
			"permlink": "my-post",
			"tags":     []string{"go", "crdt"},
			"skipped":  "",
		},
	})
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "export", []byte(out))
}

func TestPlainTextExport(t *testing.T) {
	got := PlainText(Document{Title: "My post", Body: body})
	assert.Equal(t, "My post\n\nIntro\n\nHello world and a link\n\n1. first\n2. second\n  - nested\n\ncolored", got)
}

func TestPlainBodiesPassThrough(t *testing.T) {
	assert.Equal(t, "just *markdown*", BodyMarkdown("just *markdown*"))
	assert.Equal(t, `{"root": broken`, BodyPlainText(`{"root": broken`))

	out, err := Markdown(Document{Title: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "# Hello\n", out)
	assert.Equal(t, "Hello", PlainText(Document{Title: "Hello"}))
}

func TestTableAndCode(t *testing.T) {
	tree := `{"root":{"type":"root","children":[
	 {"type":"table","children":[
	   {"type":"tablerow","children":[
	     {"type":"tablecell","children":[{"type":"paragraph","children":[{"type":"text","text":"a"}]}]},
	     {"type":"tablecell","children":[{"type":"paragraph","children":[{"type":"text","text":"b"}]}]}]},
	   {"type":"tablerow","children":[
	     {"type":"tablecell","children":[{"type":"paragraph","children":[{"type":"text","text":"1"}]}]}]}]},
	 {"type":"code","language":"go","children":[{"type":"code-highlight","text":"x := 1"}]}
	]}}`

	assert.Equal(t, "| a | b |\n|---|---|\n| 1 |  |\n\n```go\nx := 1\n```\n", BodyMarkdown(tree))
	assert.Equal(t, "a\tb\n1\n\nx := 1", BodyPlainText(tree))
}

func TestParseStyle(t *testing.T) {
	s := ParseStyle("color: #F97316; background-color: #BFDBFE; font-size: 12px;;bogus")
	assert.Len(t, s, 3)
	assert.Equal(t, `<span style="color: #F97316; background-color: #BFDBFE">`, s.SpanOpen())
	assert.Equal(t, "", ParseStyle("").SpanOpen())
}
