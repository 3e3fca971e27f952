// Package replica owns the replicated document of one session.
package replica

import (
	"errors"
	"fmt"
	"sync"

	"collab-editor-be/internal/schema"
	"collab-editor-be/pkg/crdt"

	"github.com/google/uuid"
)

var ErrNotReady = errors.New("replicated document is not ready")

// Manager creates replicated documents with every schema field instantiated
// up front.
type Manager struct {
	newClientID func() string
}

func NewManager() *Manager {
	return &Manager{newClientID: func() string { return uuid.NewString() }}
}

// Document wraps a crdt.Doc together with its schema field handles.
type Document struct {
	mu        sync.RWMutex
	doc       *crdt.Doc
	fields    map[string]any
	destroyed bool
}

func (m *Manager) Create() *Document {
	doc := crdt.NewDoc(m.newClientID())
	fields := make(map[string]any, len(schema.Fields()))
	for _, f := range schema.Fields() {
		switch f.Kind {
		case crdt.KindText:
			fields[f.Name] = doc.Text(f.Name)
		case crdt.KindList:
			fields[f.Name] = doc.List(f.Name)
		case crdt.KindMap:
			fields[f.Name] = doc.Map(f.Name)
		}
	}
	return &Document{doc: doc, fields: fields}
}

// Doc returns the underlying replica, or nil once destroyed.
func (d *Document) Doc() *crdt.Doc {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.destroyed {
		return nil
	}
	return d.doc
}

// Field returns the handle created for name at construction. The same handle
// is returned on every call.
func (d *Document) Field(name string) (any, error) {
	if d == nil {
		return nil, ErrNotReady
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.destroyed {
		return nil, ErrNotReady
	}
	h, ok := d.fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownField, name)
	}
	return h, nil
}

// MustField panics when the document is not ready. Reading a field before
// creation completes is a programming error.
func (d *Document) MustField(name string) any {
	h, err := d.Field(name)
	if err != nil {
		panic(fmt.Sprintf("replica: field %q: %v", name, err))
	}
	return h
}

func (d *Document) Text(name string) (*crdt.Text, error) {
	h, err := d.Field(name)
	if err != nil {
		return nil, err
	}
	t, ok := h.(*crdt.Text)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not text", crdt.ErrKindMismatch, name)
	}
	return t, nil
}

func (d *Document) List(name string) (*crdt.List, error) {
	h, err := d.Field(name)
	if err != nil {
		return nil, err
	}
	l, ok := h.(*crdt.List)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a list", crdt.ErrKindMismatch, name)
	}
	return l, nil
}

func (d *Document) Map(name string) (*crdt.Map, error) {
	h, err := d.Field(name)
	if err != nil {
		return nil, err
	}
	m, ok := h.(*crdt.Map)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a map", crdt.ErrKindMismatch, name)
	}
	return m, nil
}

// Destroy releases the replica and all field handles. Safe to call repeatedly.
func (d *Document) Destroy() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	d.doc.Destroy()
	d.fields = nil
}

func (d *Document) Destroyed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.destroyed
}
