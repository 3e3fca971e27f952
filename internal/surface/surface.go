// Package surface builds the editing surfaces a UI binds to. Each surface is
// bound to exactly one schema field of one replicated document.
package surface

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collab-editor-be/internal/pkg/logger"
	"collab-editor-be/internal/replica"
	"collab-editor-be/internal/schema"
	"collab-editor-be/internal/tier"
	"collab-editor-be/pkg/crdt"
	"collab-editor-be/pkg/syncproto"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// TopicChanged carries one Change per local mutation.
const TopicChanged = "surface.changed"

var (
	ErrFieldBound   = errors.New("field already bound to a live surface")
	ErrSeedExisting = errors.New("initial content is only accepted for a new, empty field")
	ErrWrongKind    = errors.New("operation does not match field kind")
	ErrDestroyed    = errors.New("surface destroyed")
)

// Change is the payload published on TopicChanged. It never carries content.
// Seq increases with every change made through one factory.
type Change struct {
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"session_id"`
	Field     string    `json:"field"`
	Kind      crdt.Kind `json:"kind"`
	At        time.Time `json:"at"`
}

// Presence is the cursor channel of a networked session.
type Presence interface {
	SetLocal(field string, anchor, head int)
	Peers(field string) []syncproto.Cursor
}

type BuildOptions struct {
	SessionID string
	// NewDocument must be true for Initial to be accepted.
	NewDocument bool
	// Initial seeds an empty field: a string for text, a slice for lists and
	// a map[string]any for maps.
	Initial any
	// OnChange runs synchronously after every local mutation, before the
	// change is published.
	OnChange func(Change)
}

type binding struct {
	doc   *replica.Document
	field string
}

type Factory struct {
	publisher message.Publisher
	log       logger.ILogger
	seq       atomic.Uint64

	mu    sync.Mutex
	bound map[binding]*Surface
}

// NewFactory returns a factory publishing change notifications on publisher.
// A nil publisher disables notifications.
func NewFactory(publisher message.Publisher, log logger.ILogger) *Factory {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Factory{publisher: publisher, log: log, bound: make(map[binding]*Surface)}
}

// Build binds a surface to field name of doc. Presence decoration is only
// wired for the networked tier.
func (f *Factory) Build(doc *replica.Document, name string, t tier.Tier, presence Presence, opts BuildOptions) (*Surface, error) {
	def, err := schema.Lookup(name)
	if err != nil {
		return nil, err
	}
	handle, err := doc.Field(name)
	if err != nil {
		return nil, err
	}
	if t != tier.Networked {
		presence = nil
	}

	s := &Surface{
		factory:   f,
		key:       binding{doc: doc, field: name},
		kind:      def.Kind,
		tier:      t,
		sessionID: opts.SessionID,
		presence:  presence,
		onChange:  opts.OnChange,
	}
	switch h := handle.(type) {
	case *crdt.Text:
		s.text = h
	case *crdt.List:
		s.list = h
	case *crdt.Map:
		s.dict = h
	}

	f.mu.Lock()
	if _, taken := f.bound[s.key]; taken {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFieldBound, name)
	}
	f.bound[s.key] = s
	f.mu.Unlock()

	if opts.Initial != nil {
		if err := s.seed(opts); err != nil {
			s.Destroy()
			return nil, err
		}
	}
	return s, nil
}

// Bound reports whether field name of doc currently has a live surface.
func (f *Factory) Bound(doc *replica.Document, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bound[binding{doc: doc, field: name}]
	return ok
}

func (f *Factory) release(s *Surface) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bound[s.key] == s {
		delete(f.bound, s.key)
	}
}

func (f *Factory) notify(s *Surface) {
	change := Change{Seq: f.seq.Add(1), SessionID: s.sessionID, Field: s.key.field, Kind: s.kind, At: time.Now()}
	if s.onChange != nil {
		s.onChange(change)
	}
	if f.publisher == nil {
		return
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := f.publisher.Publish(TopicChanged, msg); err != nil {
		f.log.Warn("Surface", "Failed to publish change notification", map[string]interface{}{
			"field": s.key.field,
			"error": err.Error(),
		})
	}
}

// Surface is the editing handle for one field.
type Surface struct {
	factory   *Factory
	key       binding
	kind      crdt.Kind
	tier      tier.Tier
	sessionID string
	presence  Presence
	onChange  func(Change)

	text *crdt.Text
	list *crdt.List
	dict *crdt.Map

	destroyed atomic.Bool
}

func (s *Surface) Field() string   { return s.key.field }
func (s *Surface) Kind() crdt.Kind { return s.kind }
func (s *Surface) Tier() tier.Tier { return s.tier }

func (s *Surface) seed(opts BuildOptions) error {
	if !opts.NewDocument {
		return ErrSeedExisting
	}
	switch s.kind {
	case crdt.KindText:
		v, ok := opts.Initial.(string)
		if !ok {
			return fmt.Errorf("%w: text seed must be a string", ErrWrongKind)
		}
		if s.text.Len() > 0 {
			return ErrSeedExisting
		}
		return s.Insert(0, v)
	case crdt.KindList:
		if s.list.Len() > 0 {
			return ErrSeedExisting
		}
		raw, err := json.Marshal(opts.Initial)
		if err != nil {
			return err
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("%w: list seed must be a slice", ErrWrongKind)
		}
		for _, item := range items {
			if err := s.Push(item); err != nil {
				return err
			}
		}
		return nil
	default:
		if s.dict.Len() > 0 {
			return ErrSeedExisting
		}
		raw, err := json.Marshal(opts.Initial)
		if err != nil {
			return err
		}
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("%w: map seed must be an object", ErrWrongKind)
		}
		for k, v := range entries {
			if err := s.Set(k, v); err != nil {
				return err
			}
		}
		return nil
	}
}

func (s *Surface) check(kind crdt.Kind) error {
	if s.destroyed.Load() {
		return ErrDestroyed
	}
	if s.kind != kind {
		return fmt.Errorf("%w: %s is a %s field", ErrWrongKind, s.key.field, s.kind)
	}
	return nil
}

func (s *Surface) mutate(kind crdt.Kind, apply func() error) error {
	if err := s.check(kind); err != nil {
		return err
	}
	if err := apply(); err != nil {
		return err
	}
	s.factory.notify(s)
	return nil
}

func (s *Surface) Insert(pos int, text string) error {
	return s.mutate(crdt.KindText, func() error { return s.text.Insert(pos, text) })
}

func (s *Surface) Delete(pos, n int) error {
	return s.mutate(crdt.KindText, func() error { return s.text.Delete(pos, n) })
}

// Replace deletes n runes at pos and inserts text in their place.
func (s *Surface) Replace(pos, n int, text string) error {
	return s.mutate(crdt.KindText, func() error {
		if err := s.text.Delete(pos, n); err != nil {
			return err
		}
		return s.text.Insert(pos, text)
	})
}

func (s *Surface) Push(v any) error {
	return s.mutate(crdt.KindList, func() error { return s.list.Push(v) })
}

func (s *Surface) InsertItem(pos int, v any) error {
	return s.mutate(crdt.KindList, func() error { return s.list.Insert(pos, v) })
}

func (s *Surface) Remove(pos, n int) error {
	return s.mutate(crdt.KindList, func() error { return s.list.Delete(pos, n) })
}

func (s *Surface) Set(key string, v any) error {
	return s.mutate(crdt.KindMap, func() error { return s.dict.Set(key, v) })
}

func (s *Surface) Unset(key string) error {
	return s.mutate(crdt.KindMap, func() error { return s.dict.Delete(key) })
}

// ExportText reads a text field for export. Nothing in the engine persists
// what it returns.
func (s *Surface) ExportText() (string, error) {
	if err := s.check(crdt.KindText); err != nil {
		return "", err
	}
	return s.text.String(), nil
}

func (s *Surface) ExportList() ([]json.RawMessage, error) {
	if err := s.check(crdt.KindList); err != nil {
		return nil, err
	}
	return s.list.Values(), nil
}

func (s *Surface) ExportMap() (map[string]json.RawMessage, error) {
	if err := s.check(crdt.KindMap); err != nil {
		return nil, err
	}
	return s.dict.Entries(), nil
}

// Peers returns the other participants' cursors in this field. Empty outside
// the networked tier.
func (s *Surface) Peers() []syncproto.Cursor {
	if s.presence == nil || s.destroyed.Load() {
		return nil
	}
	return s.presence.Peers(s.key.field)
}

func (s *Surface) SetCursor(anchor, head int) {
	if s.presence == nil || s.destroyed.Load() {
		return
	}
	s.presence.SetLocal(s.key.field, anchor, head)
}

// Destroy detaches the binding. Safe to call repeatedly.
func (s *Surface) Destroy() {
	if s.destroyed.Swap(true) {
		return
	}
	s.factory.release(s)
}

func (s *Surface) Destroyed() bool {
	return s.destroyed.Load()
}
