package session

import (
	"encoding/json"

	"collab-editor-be/internal/schema"
	"collab-editor-be/pkg/crdt"
	"collab-editor-be/pkg/richtext"
)

// ExportPlainText is one of the two places field content leaves the replica.
func (e *Engine) ExportPlainText() (string, error) {
	doc, err := e.exportDocument(false)
	if err != nil {
		return "", err
	}
	return richtext.PlainText(doc), nil
}

// ExportMarkdown renders the document with its list and map fields as YAML
// front matter.
func (e *Engine) ExportMarkdown() (string, error) {
	doc, err := e.exportDocument(true)
	if err != nil {
		return "", err
	}
	return richtext.Markdown(doc)
}

func (e *Engine) exportDocument(withMeta bool) (richtext.Document, error) {
	act := e.activeSession()
	if act == nil {
		return richtext.Document{}, ErrNoSession
	}

	var doc richtext.Document
	var err error
	if doc.Title, err = act.surfaces[schema.FieldTitle].ExportText(); err != nil {
		return doc, err
	}
	if doc.Body, err = act.surfaces[schema.FieldBody].ExportText(); err != nil {
		return doc, err
	}
	if !withMeta {
		return doc, nil
	}

	doc.Meta = make(map[string]any)
	for _, f := range schema.Fields() {
		if f.Name == schema.FieldTitle || f.Name == schema.FieldBody {
			continue
		}
		s := act.surfaces[f.Name]
		var raw any
		switch f.Kind {
		case crdt.KindText:
			raw, err = s.ExportText()
		case crdt.KindList:
			raw, err = s.ExportList()
		default:
			raw, err = s.ExportMap()
		}
		if err != nil {
			return doc, err
		}
		v, err := plain(raw)
		if err != nil {
			return doc, err
		}
		doc.Meta[f.Name] = v
	}
	return doc, nil
}

// plain turns raw JSON values into the generic types the YAML encoder and
// richtext's empty-value check understand.
func plain(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
