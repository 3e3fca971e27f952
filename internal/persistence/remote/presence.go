package remote

import (
	"sort"
	"sync"

	"collab-editor-be/pkg/syncproto"
)

// Presence tracks where the other participants' cursors are. It is purely
// decorative; losing it never affects document content.
type Presence struct {
	self string
	name string
	send func(syncproto.Message)

	mu    sync.RWMutex
	local *syncproto.Cursor
	peers map[string]syncproto.Cursor
}

func newPresence(self, name string, send func(syncproto.Message)) *Presence {
	return &Presence{self: self, name: name, send: send, peers: make(map[string]syncproto.Cursor)}
}

// SetLocal publishes our cursor in field.
func (p *Presence) SetLocal(field string, anchor, head int) {
	c := syncproto.Cursor{Peer: p.self, Name: p.name, Field: field, Anchor: anchor, Head: head}
	p.mu.Lock()
	p.local = &c
	p.mu.Unlock()
	p.send(syncproto.Message{Type: syncproto.TypePresence, Presence: &c})
}

func (p *Presence) localMessage() (syncproto.Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.local == nil {
		return syncproto.Message{}, false
	}
	c := *p.local
	return syncproto.Message{Type: syncproto.TypePresence, Presence: &c}, true
}

func (p *Presence) upsert(c syncproto.Cursor) {
	if c.Peer == "" || c.Peer == p.self {
		return
	}
	p.mu.Lock()
	p.peers[c.Peer] = c
	p.mu.Unlock()
}

func (p *Presence) remove(peer string) {
	p.mu.Lock()
	delete(p.peers, peer)
	p.mu.Unlock()
}

func (p *Presence) clear() {
	p.mu.Lock()
	p.peers = make(map[string]syncproto.Cursor)
	p.mu.Unlock()
}

// Peers returns the remote cursors currently in field, sorted by peer.
func (p *Presence) Peers(field string) []syncproto.Cursor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []syncproto.Cursor
	for _, c := range p.peers {
		if c.Field == field {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}
