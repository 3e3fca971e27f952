package schema

import (
	"testing"

	"collab-editor-be/pkg/crdt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	f, err := Lookup(FieldBody)
	require.NoError(t, err)
	assert.Equal(t, crdt.KindText, f.Kind)

	_, err = Lookup("summary")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestFieldsIsACopy(t *testing.T) {
	got := Fields()
	require.Len(t, got, 8)
	got[0].Name = "mutated"
	assert.Equal(t, FieldTitle, Fields()[0].Name)
}
