package crdt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Text is a replicated string. Positions are counted in runes.
type Text struct {
	doc  *Doc
	name string
}

func (t *Text) Name() string { return t.name }

func (t *Text) Insert(pos int, s string) error {
	if s == "" {
		return nil
	}
	return t.doc.local(func() ([]Op, error) {
		f := t.doc.fields[t.name]
		origin, err := originAt(f.seq, pos)
		if err != nil {
			return nil, err
		}
		ops := make([]Op, 0, len(s))
		for _, r := range s {
			value, _ := json.Marshal(string(r))
			op := Op{Field: t.name, Kind: KindText, Type: OpInsert, ID: t.doc.tick(), Origin: origin, Value: value}
			f.seq.integrate(&item{id: op.ID, origin: op.Origin, value: op.Value})
			ops = append(ops, op)
			origin = op.ID
		}
		return ops, nil
	})
}

func (t *Text) Delete(pos, n int) error {
	if n <= 0 {
		return nil
	}
	return t.doc.local(func() ([]Op, error) {
		return deleteRange(t.doc, t.name, KindText, pos, n)
	})
}

func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	f, ok := t.doc.fields[t.name]
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, it := range f.seq.visible() {
		var s string
		if err := json.Unmarshal(it.value, &s); err == nil {
			sb.WriteString(s)
		}
	}
	return sb.String()
}

func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	f, ok := t.doc.fields[t.name]
	if !ok {
		return 0
	}
	return f.seq.length()
}

// List is a replicated sequence of JSON values.
type List struct {
	doc  *Doc
	name string
}

func (l *List) Name() string { return l.name }

func (l *List) Push(v any) error {
	return l.doc.local(func() ([]Op, error) {
		f := l.doc.fields[l.name]
		return insertValue(l.doc, l.name, f.seq, f.seq.length(), v)
	})
}

func (l *List) Insert(pos int, v any) error {
	return l.doc.local(func() ([]Op, error) {
		f := l.doc.fields[l.name]
		return insertValue(l.doc, l.name, f.seq, pos, v)
	})
}

func (l *List) Delete(pos, n int) error {
	if n <= 0 {
		return nil
	}
	return l.doc.local(func() ([]Op, error) {
		return deleteRange(l.doc, l.name, KindList, pos, n)
	})
}

func (l *List) Values() []json.RawMessage {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()
	f, ok := l.doc.fields[l.name]
	if !ok {
		return nil
	}
	items := f.seq.visible()
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, append(json.RawMessage(nil), it.value...))
	}
	return out
}

func (l *List) Len() int {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()
	f, ok := l.doc.fields[l.name]
	if !ok {
		return 0
	}
	return f.seq.length()
}

// Map is a replicated last-writer-wins map.
type Map struct {
	doc  *Doc
	name string
}

func (m *Map) Name() string { return m.name }

func (m *Map) Set(key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("crdt: failed to encode value for %s.%s: %w", m.name, key, err)
	}
	return m.doc.local(func() ([]Op, error) {
		f := m.doc.fields[m.name]
		op := Op{Field: m.name, Kind: KindMap, Type: OpSet, ID: m.doc.tick(), Key: key, Value: value}
		f.entries[key] = &entry{id: op.ID, value: value}
		return []Op{op}, nil
	})
}

func (m *Map) Delete(key string) error {
	return m.doc.local(func() ([]Op, error) {
		f := m.doc.fields[m.name]
		cur, ok := f.entries[key]
		if !ok || cur.deleted {
			return nil, nil
		}
		op := Op{Field: m.name, Kind: KindMap, Type: OpSet, ID: m.doc.tick(), Key: key, Deleted: true}
		f.entries[key] = &entry{id: op.ID, deleted: true}
		return []Op{op}, nil
	})
}

func (m *Map) Get(key string) (json.RawMessage, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	f, ok := m.doc.fields[m.name]
	if !ok {
		return nil, false
	}
	e, ok := f.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return append(json.RawMessage(nil), e.value...), true
}

func (m *Map) Entries() map[string]json.RawMessage {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	out := make(map[string]json.RawMessage)
	f, ok := m.doc.fields[m.name]
	if !ok {
		return out
	}
	for k, e := range f.entries {
		if !e.deleted {
			out[k] = append(json.RawMessage(nil), e.value...)
		}
	}
	return out
}

func (m *Map) Len() int {
	return len(m.Entries())
}

// originAt returns the id of the live item before pos. Must hold mu.
func originAt(seq *sequence, pos int) (ID, error) {
	if pos < 0 || pos > seq.length() {
		return ID{}, fmt.Errorf("%w: %d", ErrOutOfRange, pos)
	}
	if pos == 0 {
		return ID{}, nil
	}
	return seq.visibleAt(pos - 1).id, nil
}

func insertValue(d *Doc, name string, seq *sequence, pos int, v any) ([]Op, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crdt: failed to encode list value for %s: %w", name, err)
	}
	origin, err := originAt(seq, pos)
	if err != nil {
		return nil, err
	}
	op := Op{Field: name, Kind: KindList, Type: OpInsert, ID: d.tick(), Origin: origin, Value: value}
	seq.integrate(&item{id: op.ID, origin: op.Origin, value: op.Value})
	return []Op{op}, nil
}

func deleteRange(d *Doc, name string, kind Kind, pos, n int) ([]Op, error) {
	seq := d.fields[name].seq
	if pos < 0 || pos+n > seq.length() {
		return nil, fmt.Errorf("%w: %d+%d", ErrOutOfRange, pos, n)
	}
	targets := make([]ID, 0, n)
	for i := 0; i < n; i++ {
		targets = append(targets, seq.visibleAt(pos+i).id)
	}
	ops := make([]Op, 0, n)
	for _, target := range targets {
		seq.remove(target)
		ops = append(ops, Op{Field: name, Kind: kind, Type: OpDelete, ID: d.tick(), Target: target})
	}
	return ops, nil
}
