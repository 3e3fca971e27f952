// Package remotetest provides an in-memory sync server that speaks the same
// frames as the real one, for tests that must not touch the network.
package remotetest

import (
	"context"
	"errors"
	"sync"

	"collab-editor-be/internal/persistence/remote"
	"collab-editor-be/pkg/crdt"
	"collab-editor-be/pkg/syncproto"

	"github.com/google/uuid"
)

var ErrOffline = errors.New("remotetest: server offline")

type Server struct {
	mu      sync.Mutex
	docs    map[string]*crdt.Doc
	tokens  map[string]bool
	offline bool
	hold    chan struct{}
	conns   map[*Conn]struct{}
	dials   int
}

func NewServer() *Server {
	return &Server{
		docs:  make(map[string]*crdt.Doc),
		conns: make(map[*Conn]struct{}),
	}
}

// AllowToken restricts the server to the given tokens. Without any call every
// token is accepted.
func (s *Server) AllowToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil {
		s.tokens = make(map[string]bool)
	}
	s.tokens[token] = true
}

// SetOffline makes new dials fail.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// HoldHandshake delays every auth reply until the returned func is called.
func (s *Server) HoldHandshake() func() {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hold = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.hold = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// DropAll severs every live connection as a network failure would.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.sever()
	}
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Doc returns the server replica for id, creating it on first use.
func (s *Server) Doc(id string) *crdt.Doc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docLocked(id)
}

func (s *Server) docLocked(id string) *crdt.Doc {
	if d, ok := s.docs[id]; ok {
		return d
	}
	d := crdt.NewDoc("server-" + uuid.NewString())
	d.Observe(func(u crdt.Update, origin any) {
		for _, c := range s.members(id) {
			if c != origin {
				c.deliver(syncproto.Message{Type: syncproto.TypeUpdate, Update: &u})
			}
		}
	})
	s.docs[id] = d
	return d
}

func (s *Server) members(id string) []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conn
	for c := range s.conns {
		if c.docID() == id && c.authed() {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) Dial(ctx context.Context, target remote.Target) (remote.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.offline {
		return nil, ErrOffline
	}
	c := &Conn{server: s, inbox: make(chan syncproto.Message, 4096), closed: make(chan struct{})}
	s.conns[c] = struct{}{}
	return c, nil
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

type Conn struct {
	server *Server
	inbox  chan syncproto.Message
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	doc  string
	ok   bool
	peer string
}

func (c *Conn) docID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

func (c *Conn) authed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ok
}

func (c *Conn) deliver(m syncproto.Message) {
	select {
	case <-c.closed:
	case c.inbox <- m:
	}
}

func (c *Conn) sever() {
	c.once.Do(func() {
		close(c.closed)
		c.server.remove(c)
		c.mu.Lock()
		doc, peer := c.doc, c.peer
		c.mu.Unlock()
		if peer != "" {
			for _, other := range c.server.members(doc) {
				other.deliver(syncproto.Message{Type: syncproto.TypePeerLeft, Peer: peer})
			}
		}
	})
}

func (c *Conn) Close() error {
	c.sever()
	return nil
}

func (c *Conn) Receive(ctx context.Context) (syncproto.Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.closed:
		return syncproto.Message{}, remote.ErrConnClosed
	case <-ctx.Done():
		return syncproto.Message{}, ctx.Err()
	}
}

func (c *Conn) Send(ctx context.Context, m syncproto.Message) error {
	select {
	case <-c.closed:
		return remote.ErrConnClosed
	default:
	}
	s := c.server

	switch m.Type {
	case syncproto.TypeAuth:
		s.mu.Lock()
		hold := s.hold
		allowed := s.tokens == nil || s.tokens[m.Token]
		s.mu.Unlock()
		go func() {
			if hold != nil {
				select {
				case <-hold:
				case <-c.closed:
					return
				}
			}
			if !allowed {
				c.deliver(syncproto.Message{Type: syncproto.TypeAuthFailed, Reason: "invalid token"})
				return
			}
			c.mu.Lock()
			c.doc = m.Doc
			c.ok = true
			c.mu.Unlock()
			c.deliver(syncproto.Message{Type: syncproto.TypeAuthOK})
		}()

	case syncproto.TypeSync:
		doc := s.Doc(c.docID())
		if m.Update != nil {
			if err := doc.Apply(*m.Update, c); err != nil {
				return err
			}
		}
		state := doc.EncodeState()
		c.deliver(syncproto.Message{Type: syncproto.TypeSync, Update: &state})
		c.deliver(syncproto.Message{Type: syncproto.TypeSynced})

	case syncproto.TypeUpdate:
		if m.Update != nil {
			return s.Doc(c.docID()).Apply(*m.Update, c)
		}

	case syncproto.TypePresence:
		if m.Presence == nil {
			return nil
		}
		c.mu.Lock()
		c.peer = m.Presence.Peer
		c.mu.Unlock()
		for _, other := range s.members(c.docID()) {
			if other != c {
				other.deliver(m)
			}
		}
	}
	return nil
}
