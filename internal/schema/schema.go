// Package schema declares the fixed set of replicated fields every document
// exposes.
package schema

import (
	"errors"
	"fmt"

	"collab-editor-be/pkg/crdt"
)

var ErrUnknownField = errors.New("unknown schema field")

const (
	FieldTitle          = "title"
	FieldBody           = "body"
	FieldPermlink       = "permlink"
	FieldTags           = "tags"
	FieldBeneficiaries  = "beneficiaries"
	FieldCustomMetadata = "customMetadata"
	FieldPostType       = "postType"
	FieldAssets         = "assets"
)

type Field struct {
	Name string
	Kind crdt.Kind
}

var fields = []Field{
	{Name: FieldTitle, Kind: crdt.KindText},
	{Name: FieldBody, Kind: crdt.KindText},
	{Name: FieldPermlink, Kind: crdt.KindText},
	{Name: FieldTags, Kind: crdt.KindList},
	{Name: FieldBeneficiaries, Kind: crdt.KindList},
	{Name: FieldCustomMetadata, Kind: crdt.KindMap},
	{Name: FieldPostType, Kind: crdt.KindMap},
	{Name: FieldAssets, Kind: crdt.KindList},
}

// Fields returns the schema in declaration order.
func Fields() []Field {
	out := make([]Field, len(fields))
	copy(out, fields)
	return out
}

func Lookup(name string) (Field, error) {
	for _, f := range fields {
		if f.Name == name {
			return f, nil
		}
	}
	return Field{}, fmt.Errorf("%w: %q", ErrUnknownField, name)
}

// Beneficiary is the element type of the beneficiaries list.
type Beneficiary struct {
	Account string `json:"account"`
	Weight  int    `json:"weight"`
}

// Asset is the element type of the assets list.
type Asset struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}
