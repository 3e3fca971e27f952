package crdt

import "encoding/json"

type item struct {
	id      ID
	origin  ID
	value   json.RawMessage
	deleted bool
}

// sequence is a replicated growable array. Items are placed right after their
// origin; concurrent siblings are ordered by descending id, which keeps every
// replica's order identical regardless of delivery order.
type sequence struct {
	items []*item
	index map[ID]*item
}

func newSequence() *sequence {
	return &sequence{index: make(map[ID]*item)}
}

func (s *sequence) has(id ID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *sequence) position(id ID) int {
	for i, it := range s.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// integrate places it in the sequence. It reports false when the origin is
// not known yet and the caller must retry later.
func (s *sequence) integrate(it *item) bool {
	if existing, ok := s.index[it.id]; ok {
		if it.deleted {
			existing.deleted = true
		}
		return true
	}

	i := 0
	if !it.origin.IsZero() {
		pos := s.position(it.origin)
		if pos < 0 {
			return false
		}
		i = pos + 1
	}
	for i < len(s.items) && it.id.Less(s.items[i].id) {
		i++
	}

	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it
	s.index[it.id] = it
	return true
}

func (s *sequence) remove(id ID) bool {
	it, ok := s.index[id]
	if !ok {
		return false
	}
	it.deleted = true
	return true
}

// visibleAt returns the nth live item, or nil.
func (s *sequence) visibleAt(n int) *item {
	if n < 0 {
		return nil
	}
	seen := 0
	for _, it := range s.items {
		if it.deleted {
			continue
		}
		if seen == n {
			return it
		}
		seen++
	}
	return nil
}

func (s *sequence) visible() []*item {
	out := make([]*item, 0, len(s.items))
	for _, it := range s.items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

func (s *sequence) length() int {
	n := 0
	for _, it := range s.items {
		if !it.deleted {
			n++
		}
	}
	return n
}
