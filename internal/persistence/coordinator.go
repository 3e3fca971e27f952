// Package persistence binds one replicated document to its two backends: the
// local cache, which is always attached, and the remote sync channel, which
// only networked sessions attach. It owns the connection state machine.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-editor-be/internal/persistence/localcache"
	"collab-editor-be/internal/persistence/remote"
	"collab-editor-be/internal/pkg/logger"
	"collab-editor-be/pkg/crdt"
)

var (
	ErrLocalAttached  = errors.New("local cache already attached")
	ErrRemoteAttached = errors.New("remote channel already attached")
	ErrNoLocal        = errors.New("local cache must be attached first")
	ErrNoRemote       = errors.New("no remote channel target")
)

// LocalStore opens per-document cache handles.
type LocalStore interface {
	OpenDocument(ctx context.Context, key string) (*localcache.Handle, error)
}

type originTag string

// replayOrigin marks updates read back from the cache so they are not
// appended a second time.
const replayOrigin originTag = "local-cache-replay"

type Coordinator struct {
	log    logger.ILogger
	store  LocalStore
	dialer remote.Dialer
	opts   remote.Options
	stream *StateStream

	mu       sync.Mutex
	doc      *crdt.Doc
	local    *localcache.Handle
	unlisten func()
	remote   *remote.Provider
	pumpDone chan struct{}
	target   remote.Target
	creds    remote.Credentials
	state    ConnectionState

	// writeMu orders cache appends against snapshot compaction.
	writeMu sync.Mutex
}

// NewCoordinator builds an unattached coordinator. dialer may be nil for
// engines that never go networked.
func NewCoordinator(store LocalStore, dialer remote.Dialer, opts remote.Options, stream *StateStream, log logger.ILogger) *Coordinator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if stream == nil {
		stream = NewStateStream(log)
	}
	if opts.Logger == nil {
		opts.Logger = log
	}
	return &Coordinator{
		log:    log,
		store:  store,
		dialer: dialer,
		opts:   opts,
		stream: stream,
		state:  StateDisconnected,
	}
}

// AttachLocal opens the cache entry for key, replays whatever it holds into
// doc and records every later update of doc. restored reports whether the
// cache had content for key.
func (c *Coordinator) AttachLocal(ctx context.Context, doc *crdt.Doc, key string) (restored bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local != nil {
		return false, ErrLocalAttached
	}

	h, err := c.store.OpenDocument(ctx, key)
	if err != nil {
		return false, err
	}
	restored, err = replay(ctx, h, doc)
	if err != nil {
		_ = h.Destroy()
		return false, err
	}

	c.doc = doc
	c.local = h
	c.unlisten = doc.Observe(func(u crdt.Update, origin any) {
		if origin == replayOrigin {
			return
		}
		c.append(h, u)
	})

	c.log.Debug("Persistence", "Local cache attached", map[string]interface{}{"key": key, "restored": restored})
	return restored, nil
}

func replay(ctx context.Context, h *localcache.Handle, doc *crdt.Doc) (bool, error) {
	snapshot, updates, err := h.Load(ctx)
	if err != nil {
		return false, err
	}
	payloads := updates
	if snapshot != nil {
		payloads = append([][]byte{snapshot}, updates...)
	}
	for i, payload := range payloads {
		u, err := crdt.DecodeUpdate(payload)
		if err != nil {
			return false, fmt.Errorf("corrupt cache entry %d for %s: %w", i, h.Key(), err)
		}
		if err := doc.Apply(u, replayOrigin); err != nil {
			return false, err
		}
	}
	return len(payloads) > 0, nil
}

func (c *Coordinator) append(h *localcache.Handle, u crdt.Update) {
	payload, err := u.Encode()
	if err == nil {
		c.writeMu.Lock()
		err = h.AppendUpdate(context.Background(), payload)
		c.writeMu.Unlock()
	}
	if err != nil && !errors.Is(err, localcache.ErrHandleDestroyed) {
		c.log.Error("Persistence", "Failed to record update locally", map[string]interface{}{
			"key":   h.Key(),
			"error": err,
		})
	}
}

// SaveSnapshot compacts the cache entry into one encoded state and returns its
// size in bytes.
func (c *Coordinator) SaveSnapshot(ctx context.Context) (int, error) {
	c.mu.Lock()
	h, doc := c.local, c.doc
	c.mu.Unlock()
	if h == nil {
		return 0, ErrNoLocal
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := doc.EncodeState().Encode()
	if err != nil {
		return 0, err
	}
	if err := h.SaveSnapshot(ctx, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// AttachRemote starts the sync channel. Only one remote handle may exist at a
// time; reconnection reuses it rather than attaching another.
func (c *Coordinator) AttachRemote(ctx context.Context, target remote.Target, creds remote.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return ErrNoLocal
	}
	if c.remote != nil {
		return ErrRemoteAttached
	}
	if c.dialer == nil {
		return fmt.Errorf("%w: no dialer configured", ErrNoRemote)
	}

	c.target, c.creds = target, creds
	c.startLocked(ctx)
	return nil
}

func (c *Coordinator) startLocked(ctx context.Context) {
	p := remote.Connect(context.WithoutCancel(ctx), c.dialer, c.target, c.creds, c.doc, c.opts)
	done := make(chan struct{})
	c.remote, c.pumpDone = p, done
	go c.pump(p, done)
	c.log.Info("Persistence", "Remote channel attached", map[string]interface{}{"doc": c.target.DocID()})
}

func (c *Coordinator) pump(p *remote.Provider, done chan struct{}) {
	defer close(done)
	for ev := range p.Events() {
		if c.handle(p, ev) {
			p.Destroy()
			return
		}
	}
}

// handle applies one channel event to the state machine. It reports true when
// the provider must be destroyed.
func (c *Coordinator) handle(p *remote.Provider, ev remote.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote != p {
		return false
	}

	reason := ""
	if ev.Err != nil {
		reason = ev.Err.Error()
	}

	switch ev.Type {
	case remote.EventStatus:
		switch ev.Status {
		case remote.StatusConnecting:
			c.setLocked(StateConnecting, "connect attempt")
		case remote.StatusConnected:
			c.setLocked(StateConnected, "handshake complete")
		case remote.StatusDisconnected:
			c.setLocked(StateOffline, reason)
		}
	case remote.EventSynced:
		c.setLocked(StateSynced, "initial sync complete")
	case remote.EventAuthFailed:
		c.setLocked(StateError, reason)
		c.remote = nil
		c.log.Warn("Persistence", "Sync server rejected credentials, continuing local-only", map[string]interface{}{
			"doc": c.target.DocID(),
		})
		return true
	}
	return false
}

func (c *Coordinator) setLocked(to ConnectionState, reason string) {
	from := c.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		c.log.Warn("Persistence", "Ignoring illegal connection transition", map[string]interface{}{
			"from": string(from),
			"to":   string(to),
		})
		return
	}
	c.state = to
	c.stream.publish(StateChange{From: from, To: to, Reason: reason, At: time.Now()})
}

func (c *Coordinator) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending reports whether a connect attempt is in flight. A caller that sees
// this for too long may abandon the session and reopen local-only.
func (c *Coordinator) Pending() bool {
	return c.State() == StateConnecting
}

// Presence returns the remote presence channel, or nil without a remote.
func (c *Coordinator) Presence() *remote.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return nil
	}
	return c.remote.Presence()
}

// Reconnect skips the current backoff wait. It does nothing without a remote.
func (c *Coordinator) Reconnect() bool {
	c.mu.Lock()
	p := c.remote
	c.mu.Unlock()
	if p == nil {
		return false
	}
	p.Reconnect()
	return true
}

// Reauthenticate replaces the credentials and restarts the remote channel,
// which also recovers from the error state.
func (c *Coordinator) Reauthenticate(ctx context.Context, creds remote.Credentials) error {
	c.mu.Lock()
	if c.doc == nil {
		c.mu.Unlock()
		return ErrNoLocal
	}
	if c.target.Owner == "" {
		c.mu.Unlock()
		return ErrNoRemote
	}
	c.mu.Unlock()

	c.stopRemote("reauthenticating")

	c.mu.Lock()
	defer c.mu.Unlock()
	// Detach may have run while the old channel was stopping.
	if c.doc == nil {
		return ErrNoLocal
	}
	if c.remote != nil {
		return ErrRemoteAttached
	}
	c.creds = creds
	c.startLocked(ctx)
	return nil
}

func (c *Coordinator) stopRemote(reason string) {
	c.mu.Lock()
	p, done := c.remote, c.pumpDone
	c.remote, c.pumpDone = nil, nil
	c.setLocked(StateDisconnected, reason)
	c.mu.Unlock()

	if p != nil {
		p.Destroy()
	}
	if done != nil {
		<-done
	}
}

// Detach tears down the remote channel, then the local cache. Either may
// already be gone; failures are logged and joined.
func (c *Coordinator) Detach() error {
	c.stopRemote("detached")

	c.mu.Lock()
	h, unlisten := c.local, c.unlisten
	c.local, c.unlisten, c.doc = nil, nil, nil
	c.mu.Unlock()

	var errs []error
	if unlisten != nil {
		unlisten()
	}
	if h != nil {
		if err := h.Destroy(); err != nil {
			c.log.Error("Persistence", "Failed to release local cache handle", map[string]interface{}{
				"key":   h.Key(),
				"error": err,
			})
			errs = append(errs, fmt.Errorf("local cache: %w", err))
		}
	}
	return errors.Join(errs...)
}
