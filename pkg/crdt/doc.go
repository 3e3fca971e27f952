// Package crdt implements a small operation-based replicated document with
// text, list and map fields.
//
// A Doc converges with any other Doc that has received the same set of
// updates, in any order and with duplicates. Text and list fields are
// replicated growable arrays; map fields are last-writer-wins per key.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDestroyed    = errors.New("crdt: document destroyed")
	ErrKindMismatch = errors.New("crdt: field kind mismatch")
	ErrOutOfRange   = errors.New("crdt: position out of range")
)

// Observer receives every update that changed the document together with the
// origin passed to Apply. Local mutations carry a nil origin.
type Observer func(update Update, origin any)

type field struct {
	kind    Kind
	seq     *sequence
	entries map[string]*entry
}

type entry struct {
	id      ID
	value   json.RawMessage
	deleted bool
}

type Doc struct {
	mu        sync.Mutex
	client    string
	clock     uint64
	fields    map[string]*field
	handles   map[string]any
	pending   []Op
	tombs     map[ID]Op
	observers map[int]Observer
	nextObs   int
	destroyed bool
}

// NewDoc creates an empty document replica. client must be unique per
// replica; a random uuid is the usual choice.
func NewDoc(client string) *Doc {
	return &Doc{
		client:    client,
		fields:    make(map[string]*field),
		handles:   make(map[string]any),
		tombs:     make(map[ID]Op),
		observers: make(map[int]Observer),
	}
}

func (d *Doc) ClientID() string {
	return d.client
}

// Text returns the text field with the given name, creating it on first use.
// Asking for an existing field of another kind panics.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handles[name]; ok {
		if t, ok := h.(*Text); ok {
			return t
		}
		panic(fmt.Sprintf("crdt: field %q is not text", name))
	}
	if _, err := d.ensureField(name, KindText); err != nil {
		panic(err.Error())
	}
	t := &Text{doc: d, name: name}
	d.handles[name] = t
	return t
}

func (d *Doc) List(name string) *List {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handles[name]; ok {
		if l, ok := h.(*List); ok {
			return l
		}
		panic(fmt.Sprintf("crdt: field %q is not a list", name))
	}
	if _, err := d.ensureField(name, KindList); err != nil {
		panic(err.Error())
	}
	l := &List{doc: d, name: name}
	d.handles[name] = l
	return l
}

func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handles[name]; ok {
		if m, ok := h.(*Map); ok {
			return m
		}
		panic(fmt.Sprintf("crdt: field %q is not a map", name))
	}
	if _, err := d.ensureField(name, KindMap); err != nil {
		panic(err.Error())
	}
	m := &Map{doc: d, name: name}
	d.handles[name] = m
	return m
}

// ensureField must be called with mu held.
func (d *Doc) ensureField(name string, kind Kind) (*field, error) {
	if f, ok := d.fields[name]; ok {
		if f.kind != kind {
			return nil, fmt.Errorf("%w: %s is %s, not %s", ErrKindMismatch, name, f.kind, kind)
		}
		return f, nil
	}
	f := &field{kind: kind}
	if kind == KindMap {
		f.entries = make(map[string]*entry)
	} else {
		f.seq = newSequence()
	}
	d.fields[name] = f
	return f, nil
}

// Observe registers fn for every effective update. The returned func removes it.
func (d *Doc) Observe(fn Observer) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return func() {}
	}
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Apply merges a remote or stored update. It is idempotent and commutative.
func (d *Doc) Apply(update Update, origin any) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}

	var applied []Op
	var errs []error
	for _, op := range update.Ops {
		ok, err := d.applyOp(op)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			applied = append(applied, op)
		}
	}
	applied = append(applied, d.drainPending()...)
	observers := d.snapshotObservers()
	d.mu.Unlock()

	if len(applied) > 0 {
		notify(observers, Update{Ops: applied}, origin)
	}
	return errors.Join(errs...)
}

// applyOp must be called with mu held. It reports whether op changed state.
func (d *Doc) applyOp(op Op) (bool, error) {
	f, err := d.ensureField(op.Field, op.Kind)
	if err != nil {
		return false, err
	}
	d.observe(op.ID)

	switch op.Type {
	case OpInsert:
		if f.seq == nil {
			return false, fmt.Errorf("%w: insert into %s", ErrKindMismatch, op.Field)
		}
		if f.seq.has(op.ID) && !op.Deleted {
			return false, nil
		}
		it := &item{id: op.ID, origin: op.Origin, value: op.Value, deleted: op.Deleted}
		if _, tomb := d.tombs[op.ID]; tomb {
			it.deleted = true
			delete(d.tombs, op.ID)
		}
		if !f.seq.integrate(it) {
			d.pending = append(d.pending, op)
			return false, nil
		}
		return true, nil

	case OpDelete:
		if f.seq == nil {
			return false, fmt.Errorf("%w: delete from %s", ErrKindMismatch, op.Field)
		}
		if it, ok := f.seq.index[op.Target]; ok {
			if it.deleted {
				return false, nil
			}
			return f.seq.remove(op.Target), nil
		}
		d.tombs[op.Target] = op
		return false, nil

	case OpSet:
		if f.entries == nil {
			return false, fmt.Errorf("%w: set on %s", ErrKindMismatch, op.Field)
		}
		cur, ok := f.entries[op.Key]
		if ok && !cur.id.Less(op.ID) {
			return false, nil
		}
		f.entries[op.Key] = &entry{id: op.ID, value: op.Value, deleted: op.Deleted}
		return true, nil
	}
	return false, fmt.Errorf("crdt: unknown op type %q", op.Type)
}

// drainPending retries buffered inserts until no more make progress.
func (d *Doc) drainPending() []Op {
	var applied []Op
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		waiting := d.pending
		d.pending = nil
		for _, op := range waiting {
			f := d.fields[op.Field]
			it := &item{id: op.ID, origin: op.Origin, value: op.Value, deleted: op.Deleted}
			if _, tomb := d.tombs[op.ID]; tomb {
				it.deleted = true
				delete(d.tombs, op.ID)
			}
			if f.seq.integrate(it) {
				applied = append(applied, op)
				progress = true
			} else {
				d.pending = append(d.pending, op)
			}
		}
	}
	return applied
}

func (d *Doc) observe(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

func (d *Doc) tick() ID {
	d.clock++
	return ID{Clock: d.clock, Client: d.client}
}

func (d *Doc) snapshotObservers() []Observer {
	keys := make([]int, 0, len(d.observers))
	for k := range d.observers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]Observer, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.observers[k])
	}
	return out
}

func notify(observers []Observer, u Update, origin any) {
	for _, fn := range observers {
		fn(u, origin)
	}
}

// local applies ops produced by this replica and notifies observers.
func (d *Doc) local(build func() ([]Op, error)) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	ops, err := build()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	observers := d.snapshotObservers()
	d.mu.Unlock()

	if len(ops) > 0 {
		notify(observers, Update{Ops: ops}, nil)
	}
	return nil
}

// EncodeState returns the whole document as a single update. Applying it to
// another replica merges this replica's state into it.
func (d *Doc) EncodeState() Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.fields))
	for name := range d.fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var ops []Op
	for _, name := range names {
		f := d.fields[name]
		if f.seq != nil {
			for _, it := range f.seq.items {
				ops = append(ops, Op{
					Field: name, Kind: f.kind, Type: OpInsert,
					ID: it.id, Origin: it.origin, Value: it.value, Deleted: it.deleted,
				})
			}
			continue
		}
		keys := make([]string, 0, len(f.entries))
		for k := range f.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e := f.entries[k]
			ops = append(ops, Op{
				Field: name, Kind: f.kind, Type: OpSet,
				ID: e.id, Key: k, Value: e.value, Deleted: e.deleted,
			})
		}
	}
	ops = append(ops, d.pending...)
	tombIDs := make([]ID, 0, len(d.tombs))
	for id := range d.tombs {
		tombIDs = append(tombIDs, id)
	}
	sort.Slice(tombIDs, func(i, j int) bool { return tombIDs[i].Less(tombIDs[j]) })
	for _, id := range tombIDs {
		ops = append(ops, d.tombs[id])
	}
	return Update{Ops: ops}
}

// IsEmpty reports whether no field holds any operation.
func (d *Doc) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.fields {
		if f.seq != nil && len(f.seq.items) > 0 {
			return false
		}
		if len(f.entries) > 0 {
			return false
		}
	}
	return len(d.pending) == 0
}

// Destroy drops observers and field state. Safe to call more than once.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	d.observers = make(map[int]Observer)
	d.fields = make(map[string]*field)
	d.pending = nil
	d.tombs = make(map[ID]Op)
}

func (d *Doc) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}
