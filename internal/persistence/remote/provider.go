// Package remote is the client side of the sync channel: it keeps one
// replicated document in step with the sync server over a reconnecting
// transport and reports what happens as typed events.
package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"collab-editor-be/internal/pkg/logger"
	"collab-editor-be/pkg/crdt"
	"collab-editor-be/pkg/syncproto"
)

var ErrAuthRejected = errors.New("sync server rejected credentials")

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type EventType string

const (
	EventStatus     EventType = "status-changed"
	EventSynced     EventType = "synced"
	EventAuthFailed EventType = "auth-failed"
)

type Event struct {
	Type   EventType
	Status Status
	Err    error
}

type Credentials struct {
	Token   string
	Account string
}

type Options struct {
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
	Logger       logger.ILogger
}

func (o *Options) withDefaults() {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * time.Second
		if o.ReconnectMax < o.ReconnectMin {
			o.ReconnectMax = o.ReconnectMin
		}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}
}

// Provider runs exactly one connection loop for one document.
type Provider struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	dialer Dialer
	target Target
	creds  Credentials
	doc    *crdt.Doc
	opts   Options

	events   chan Event
	nudge    chan struct{}
	out      *outbox
	presence *Presence

	unobserve   func()
	destroyOnce sync.Once
}

// Connect starts the connection loop and returns immediately.
func Connect(ctx context.Context, dialer Dialer, target Target, creds Credentials, doc *crdt.Doc, opts Options) *Provider {
	opts.withDefaults()
	cctx, cancel := context.WithCancel(ctx)
	p := &Provider{
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
		dialer: dialer,
		target: target,
		creds:  creds,
		doc:    doc,
		opts:   opts,
		events: make(chan Event, 16),
		nudge:  make(chan struct{}, 1),
		out:    newOutbox(),
	}
	p.presence = newPresence(doc.ClientID(), creds.Account, p.out.push)
	p.unobserve = doc.Observe(func(u crdt.Update, origin any) {
		if origin == p {
			return
		}
		p.out.push(syncproto.Message{Type: syncproto.TypeUpdate, Update: &u})
	})
	go p.run()
	return p
}

// Events is closed when the loop stops.
func (p *Provider) Events() <-chan Event { return p.events }

func (p *Provider) Presence() *Presence { return p.presence }

// Reconnect skips the current backoff wait.
func (p *Provider) Reconnect() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Disconnect stops the loop and closes the transport. Safe to call repeatedly.
func (p *Provider) Disconnect() {
	p.cancel()
	<-p.done
}

// Destroy disconnects and detaches from the document.
func (p *Provider) Destroy() {
	p.Disconnect()
	p.destroyOnce.Do(func() {
		p.unobserve()
		p.presence.clear()
		p.out.reset()
	})
}

func (p *Provider) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

func (p *Provider) run() {
	defer close(p.done)
	defer close(p.events)

	backoff := p.opts.ReconnectMin
	for {
		p.emit(Event{Type: EventStatus, Status: StatusConnecting})

		synced, err := p.attempt()
		if p.ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			p.opts.Logger.Warn("SyncChannel", "Credentials rejected, giving up", map[string]interface{}{"doc": p.target.DocID()})
			p.emit(Event{Type: EventAuthFailed, Err: err})
			return
		}

		p.opts.Logger.Info("SyncChannel", "Connection lost", map[string]interface{}{"doc": p.target.DocID(), "error": fmt.Sprint(err)})
		p.emit(Event{Type: EventStatus, Status: StatusDisconnected, Err: err})

		if synced {
			backoff = p.opts.ReconnectMin
		}
		wait := jitter(backoff)
		backoff *= 2
		if backoff > p.opts.ReconnectMax {
			backoff = p.opts.ReconnectMax
		}

		select {
		case <-p.ctx.Done():
			return
		case <-p.nudge:
		case <-time.After(wait):
		}
	}
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 5
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}

type received struct {
	msg syncproto.Message
	err error
}

// attempt dials and serves one connection until it fails.
func (p *Provider) attempt() (synced bool, err error) {
	conn, err := p.dialer.Dial(p.ctx, p.target)
	if err != nil {
		return false, err
	}

	sctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	defer conn.Close()

	err = conn.Send(sctx, syncproto.Message{Type: syncproto.TypeAuth, Token: p.creds.Token, Doc: p.target.DocID()})
	if err != nil {
		return false, err
	}
	reply, err := conn.Receive(sctx)
	if err != nil {
		return false, err
	}
	switch reply.Type {
	case syncproto.TypeAuthOK:
	case syncproto.TypeAuthFailed:
		return false, fmt.Errorf("%w: %s", ErrAuthRejected, reply.Reason)
	default:
		return false, fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}
	p.emit(Event{Type: EventStatus, Status: StatusConnected})

	// Anything observed after the reset is queued; anything before is in the state.
	p.out.reset()
	state := p.doc.EncodeState()
	if err := conn.Send(sctx, syncproto.Message{Type: syncproto.TypeSync, Update: &state}); err != nil {
		return false, err
	}
	if m, ok := p.presence.localMessage(); ok {
		if err := conn.Send(sctx, m); err != nil {
			return false, err
		}
	}

	incoming := make(chan received)
	go func() {
		for {
			m, err := conn.Receive(sctx)
			select {
			case incoming <- received{msg: m, err: err}:
			case <-sctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sctx.Done():
			return synced, sctx.Err()

		case r := <-incoming:
			if r.err != nil {
				return synced, r.err
			}
			done, err := p.handle(r.msg)
			if err != nil {
				return synced, err
			}
			if done && !synced {
				synced = true
				p.emit(Event{Type: EventSynced})
			}

		case <-p.out.signal:
			for _, m := range p.out.drain() {
				if err := conn.Send(sctx, m); err != nil {
					return synced, err
				}
			}

		case <-ticker.C:
			if err := conn.Send(sctx, syncproto.Message{Type: syncproto.TypePing}); err != nil {
				return synced, err
			}
		}
	}
}

// handle applies one server frame. It reports true on synced.
func (p *Provider) handle(m syncproto.Message) (bool, error) {
	switch m.Type {
	case syncproto.TypeSync, syncproto.TypeUpdate:
		if m.Update == nil {
			return false, nil
		}
		if err := p.doc.Apply(*m.Update, p); err != nil {
			return false, fmt.Errorf("failed to apply remote update: %w", err)
		}
	case syncproto.TypeSynced:
		return true, nil
	case syncproto.TypePresence:
		if m.Presence != nil {
			p.presence.upsert(*m.Presence)
		}
	case syncproto.TypePeerLeft:
		p.presence.remove(m.Peer)
	case syncproto.TypeAuthFailed:
		return false, fmt.Errorf("%w: %s", ErrAuthRejected, m.Reason)
	}
	return false, nil
}

// outbox is an unbounded queue of frames waiting for a live connection.
type outbox struct {
	mu     sync.Mutex
	msgs   []syncproto.Message
	signal chan struct{}
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (o *outbox) push(m syncproto.Message) {
	o.mu.Lock()
	o.msgs = append(o.msgs, m)
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() []syncproto.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.msgs
	o.msgs = nil
	return msgs
}

func (o *outbox) reset() {
	o.mu.Lock()
	o.msgs = nil
	o.mu.Unlock()
}
