// Package session is the lifecycle manager: it is the only holder of the
// current document session and sequences teardown of the old session before
// the next one is built.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collab-editor-be/internal/auth"
	"collab-editor-be/internal/autosave"
	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/persistence"
	"collab-editor-be/internal/persistence/remote"
	"collab-editor-be/internal/pkg/logger"
	"collab-editor-be/internal/replica"
	"collab-editor-be/internal/schema"
	"collab-editor-be/internal/surface"
	"collab-editor-be/internal/tier"
	"collab-editor-be/pkg/events"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// Cache is the local durable store: document content plus file metadata.
type Cache interface {
	persistence.LocalStore
	autosave.MetadataStore
	GetMetadata(ctx context.Context, key string) (*metadata.FileRecord, error)
	ListMetadata(ctx context.Context) ([]metadata.FileRecord, error)
	DeleteDocument(ctx context.Context, key string) error
}

// PermissionLookup resolves permission records of networked documents.
type PermissionLookup interface {
	Permissions(ctx context.Context, id metadata.Identity) ([]metadata.Permission, error)
	Refresh(ctx context.Context, id metadata.Identity) ([]metadata.Permission, error)
}

// TokenSetter is implemented by auth providers that accept a new token.
type TokenSetter interface {
	SetToken(token string)
}

type Config struct {
	ServerURL string
	Remote    remote.Options
	Debounce  time.Duration
}

// Deps are the engine's collaborators. Dialer, Events and Permissions are
// optional; without a Dialer every session is local-only.
type Deps struct {
	Cache       Cache
	Auth        auth.Provider
	Dialer      remote.Dialer
	Publisher   message.Publisher
	Subscriber  message.Subscriber
	Events      events.Publisher
	Permissions PermissionLookup
	Logger      logger.ILogger
}

type Engine struct {
	cfg  Config
	deps Deps
	log  logger.ILogger

	replicas *replica.Manager
	surfaces *surface.Factory
	stream   *persistence.StateStream

	// One guard per operation; a re-entrant call of the same operation is
	// rejected. Different operations queue on lifecycle.
	creating  atomic.Bool
	opening   atomic.Bool
	closing   atomic.Bool
	lifecycle sync.Mutex

	mu      sync.RWMutex
	state   EngineState
	current *active
}

// active holds every resource of one session.
type active struct {
	info     Session
	doc      *replica.Document
	coord    *persistence.Coordinator
	surfaces map[string]*surface.Surface
	bridge   *autosave.Bridge
}

func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = logger.NewNopLogger()
	}
	if deps.Auth == nil {
		deps.Auth = auth.Static{}
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger,
		replicas: replica.NewManager(),
		surfaces: surface.NewFactory(deps.Publisher, deps.Logger),
		stream:   persistence.NewStateStream(deps.Logger),
		state:    EngineNone,
	}
}

// OpenDocument replaces the current session with one for d.
func (e *Engine) OpenDocument(ctx context.Context, d Descriptor) (Session, error) {
	if !e.opening.CompareAndSwap(false, true) {
		e.log.Warn("Lifecycle", "Open already in progress, ignoring", map[string]interface{}{"key": d.Key()})
		return Session{}, ErrBusy
	}
	defer e.opening.Store(false)

	if err := d.Validate(); err != nil {
		return Session{}, err
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.open(ctx, d.Identity, d.Name, false, nil)
}

// NewDocument creates a local document and opens it.
func (e *Engine) NewDocument(ctx context.Context, opts NewOptions) (Session, error) {
	if !e.creating.CompareAndSwap(false, true) {
		e.log.Warn("Lifecycle", "Create already in progress, ignoring", nil)
		return Session{}, ErrBusy
	}
	defer e.creating.Store(false)

	id := metadata.Identity{LocalID: opts.LocalID}
	if id.LocalID == "" {
		id.LocalID = uuid.NewString()
	}
	for name := range opts.Initial {
		if _, err := schema.Lookup(name); err != nil {
			return Session{}, err
		}
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.open(ctx, id, opts.Name, true, opts.Initial)
}

// CloseDocument tears the current session down. Closing with no session is
// a no-op.
func (e *Engine) CloseDocument(ctx context.Context) error {
	if !e.closing.CompareAndSwap(false, true) {
		e.log.Warn("Lifecycle", "Close already in progress, ignoring", nil)
		return ErrBusy
	}
	defer e.closing.Store(false)

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.closeLocked(ctx)
	return nil
}

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// open runs the opening sequence. Must hold lifecycle.
func (e *Engine) open(ctx context.Context, id metadata.Identity, name string, isNew bool, initial map[string]any) (Session, error) {
	e.closeLocked(ctx)
	e.setState(EngineOpening)

	if name == "" {
		name = id.Key()
	}
	act := &active{
		info: Session{
			ID:       uuid.NewString(),
			Identity: id,
			Name:     name,
			State:    StateUninitialized,
		},
		surfaces: make(map[string]*surface.Surface),
	}

	if err := e.build(ctx, act, isNew, initial); err != nil {
		e.log.Error("Lifecycle", "Open failed, rolling back", map[string]interface{}{
			"key":   id.Key(),
			"error": err,
		})
		e.teardown(context.WithoutCancel(ctx), act)
		e.setState(EngineNone)
		return Session{}, err
	}

	act.info.State = StateActive
	act.info.OpenedAt = time.Now()
	e.mu.Lock()
	e.current = act
	e.state = EngineActive
	e.mu.Unlock()

	e.log.Info("Lifecycle", "Document session active", map[string]interface{}{
		"session": act.info.ID,
		"key":     id.Key(),
		"tier":    string(act.info.Tier),
	})
	e.publish(ctx, events.DocumentOpened, act.info)
	return act.info, nil
}

func (e *Engine) build(ctx context.Context, act *active, isNew bool, initial map[string]any) error {
	id := act.info.Identity

	act.doc = e.replicas.Create()

	authState, err := e.deps.Auth.Current(ctx)
	if err != nil {
		e.log.Warn("Lifecycle", "Auth provider failed, treating as signed out", map[string]interface{}{"error": err.Error()})
	}
	authValid := err == nil && authState.ValidAt(time.Now()) && e.deps.Dialer != nil
	act.info.Tier = tier.Decide(id.Provenance(), authValid)

	act.coord = persistence.NewCoordinator(e.deps.Cache, e.deps.Dialer, e.cfg.Remote, e.stream, e.log)
	restored, err := act.coord.AttachLocal(ctx, act.doc.Doc(), id.Key())
	if err != nil {
		return fmt.Errorf("attach local cache: %w", err)
	}
	if act.info.Tier == tier.Networked {
		target := remote.Target{ServerURL: e.cfg.ServerURL, Owner: id.Owner, Slug: id.Slug}
		creds := remote.Credentials{Token: authState.Token, Account: authState.Account}
		if err := act.coord.AttachRemote(ctx, target, creds); err != nil {
			return fmt.Errorf("attach remote channel: %w", err)
		}
	}

	if e.deps.Subscriber != nil {
		act.bridge, err = autosave.Start(ctx, e.deps.Subscriber, autosave.Config{
			SessionID: act.info.ID,
			Identity:  id,
			Name:      act.info.Name,
			Tier:      act.info.Tier,
			Debounce:  e.cfg.Debounce,
		}, autosave.Deps{
			Snapshots: act.coord,
			Metadata:  e.deps.Cache,
			Events:    e.deps.Events,
			Logger:    e.log,
		})
		if err != nil {
			return fmt.Errorf("start autosave: %w", err)
		}
	}

	var presence surface.Presence
	if p := act.coord.Presence(); p != nil {
		presence = p
	}
	var onChange func(surface.Change)
	if act.bridge != nil {
		onChange = act.bridge.Observe
	}
	fresh := isNew && !restored
	for _, f := range schema.Fields() {
		s, err := e.surfaces.Build(act.doc, f.Name, act.info.Tier, presence, surface.BuildOptions{
			SessionID:   act.info.ID,
			NewDocument: fresh,
			Initial:     initial[f.Name],
			OnChange:    onChange,
		})
		if err != nil {
			return fmt.Errorf("build surface %s: %w", f.Name, err)
		}
		act.surfaces[f.Name] = s
	}

	// A new document gets its file record right away so it shows up in
	// listings before the first edit.
	if isNew && act.bridge != nil {
		if err := act.bridge.Save(ctx); err != nil {
			return fmt.Errorf("initial save: %w", err)
		}
	}
	return nil
}

// closeLocked drives the current session to destroyed. Must hold lifecycle.
func (e *Engine) closeLocked(ctx context.Context) {
	e.mu.Lock()
	act := e.current
	if act == nil {
		e.state = EngineNone
		e.mu.Unlock()
		return
	}
	e.state = EngineClosing
	act.info.State = StateTearingDown
	e.mu.Unlock()

	e.teardown(ctx, act)

	e.mu.Lock()
	act.info.State = StateDestroyed
	e.current = nil
	e.state = EngineNone
	e.mu.Unlock()

	e.log.Info("Lifecycle", "Document session destroyed", map[string]interface{}{"session": act.info.ID})
	e.publish(ctx, events.DocumentClosed, act.info)
}

// teardown releases whatever act holds: autosave, persistence (remote then
// local), surfaces, then the replica. Every step runs even if an earlier one
// failed.
func (e *Engine) teardown(ctx context.Context, act *active) {
	if act.bridge != nil {
		e.step(act, "flush autosave", func() error { return act.bridge.Flush(ctx) })
		e.step(act, "stop autosave", func() error { act.bridge.Stop(); return nil })
	}
	if act.coord != nil {
		e.step(act, "detach persistence", act.coord.Detach)
	}
	for name, s := range act.surfaces {
		e.step(act, "destroy surface "+name, func() error { s.Destroy(); return nil })
	}
	if act.doc != nil {
		e.step(act, "destroy replica", func() error { act.doc.Destroy(); return nil })
	}
}

func (e *Engine) step(act *active, name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		e.log.Error("Lifecycle", "Teardown step failed", map[string]interface{}{
			"session": act.info.ID,
			"step":    name,
			"error":   err,
		})
	}
}

func (e *Engine) publish(ctx context.Context, eventType string, info Session) {
	if e.deps.Events == nil {
		return
	}
	ev := events.DocumentEvent{
		Type:      eventType,
		SessionID: info.ID,
		Key:       info.Identity.Key(),
		Tier:      string(info.Tier),
		Owner:     info.Identity.Owner,
		Slug:      info.Identity.Slug,
		Name:      info.Name,
		At:        time.Now(),
	}
	if err := e.deps.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Warn("Lifecycle", "Failed to publish lifecycle event", map[string]interface{}{
			"type":  eventType,
			"error": err.Error(),
		})
	}
}

func (e *Engine) State() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Session returns the current session, if any.
func (e *Engine) Session() (Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return Session{}, false
	}
	return e.current.info, true
}

func (e *Engine) activeSession() *active {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// ConnectionState is disconnected when no session is open.
func (e *Engine) ConnectionState() persistence.ConnectionState {
	act := e.activeSession()
	if act == nil {
		return persistence.StateDisconnected
	}
	return act.coord.State()
}

// Pending reports a remote attach still in flight.
func (e *Engine) Pending() bool {
	act := e.activeSession()
	return act != nil && act.coord.Pending()
}

// Subscribe streams connection state changes across all sessions.
func (e *Engine) Subscribe() (<-chan persistence.StateChange, func()) {
	return e.stream.Subscribe()
}

// FieldSurface returns the live surface bound to name.
func (e *Engine) FieldSurface(name string) (*surface.Surface, bool) {
	act := e.activeSession()
	if act == nil {
		return nil, false
	}
	s, ok := act.surfaces[name]
	return s, ok
}

// Unsaved reports changes not yet written by autosave.
func (e *Engine) Unsaved() bool {
	act := e.activeSession()
	return act != nil && act.bridge != nil && act.bridge.Unsaved()
}

// Save flushes pending autosave work now.
func (e *Engine) Save(ctx context.Context) error {
	act := e.activeSession()
	if act == nil {
		return ErrNoSession
	}
	if act.bridge == nil {
		_, err := act.coord.SaveSnapshot(ctx)
		return err
	}
	return act.bridge.Flush(ctx)
}

// Reconnect skips the remote channel's current backoff wait.
func (e *Engine) Reconnect() bool {
	act := e.activeSession()
	return act != nil && act.coord.Reconnect()
}

// Reauthenticate installs token and reconnects. A remote document that was
// opened local-only is reopened, since the tier of a session never changes.
func (e *Engine) Reauthenticate(ctx context.Context, token string) (Session, error) {
	setter, ok := e.deps.Auth.(TokenSetter)
	if !ok {
		return Session{}, errors.New("auth provider does not accept tokens")
	}
	setter.SetToken(token)

	act := e.activeSession()
	if act == nil {
		return Session{}, ErrNoSession
	}
	info := act.info
	if !info.Identity.Provenance().HasRemote() {
		return info, nil
	}

	state, err := e.deps.Auth.Current(ctx)
	if err != nil {
		return Session{}, err
	}
	if !state.ValidAt(time.Now()) {
		return Session{}, auth.ErrInvalidToken
	}

	if info.Tier == tier.Networked {
		e.lifecycle.Lock()
		defer e.lifecycle.Unlock()
		if e.activeSession() != act {
			return Session{}, ErrNoSession
		}
		err := act.coord.Reauthenticate(ctx, remote.Credentials{Token: state.Token, Account: state.Account})
		return info, err
	}
	return e.OpenDocument(ctx, Descriptor{Identity: info.Identity, Name: info.Name})
}

// Metadata returns the file record of the current document and, for
// networked documents, its permission records.
func (e *Engine) Metadata(ctx context.Context, refresh bool) (*metadata.FileRecord, []metadata.Permission, error) {
	act := e.activeSession()
	if act == nil {
		return nil, nil, ErrNoSession
	}
	id := act.info.Identity
	rec, err := e.deps.Cache.GetMetadata(ctx, id.Key())
	if err != nil {
		return nil, nil, err
	}
	if e.deps.Permissions == nil || id.Kind() != metadata.KindNetworked {
		return rec, nil, nil
	}

	var perms []metadata.Permission
	if refresh {
		perms, err = e.deps.Permissions.Refresh(ctx, id)
	} else {
		perms, err = e.deps.Permissions.Permissions(ctx, id)
	}
	if err != nil {
		return rec, nil, err
	}
	return rec, perms, nil
}

// Documents lists every document known to the local cache.
func (e *Engine) Documents(ctx context.Context) ([]metadata.FileRecord, error) {
	return e.deps.Cache.ListMetadata(ctx)
}

// Forget drops a document from the local cache. The open document cannot be
// forgotten; a networked document stays on its server.
func (e *Engine) Forget(ctx context.Context, id metadata.Identity) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if act := e.activeSession(); act != nil && act.info.Identity.Key() == id.Key() {
		return ErrIsOpen
	}
	if err := e.deps.Cache.DeleteDocument(ctx, id.Key()); err != nil {
		return fmt.Errorf("failed to forget %s: %w", id.Key(), err)
	}
	e.log.Info("Lifecycle", "Document forgotten", map[string]interface{}{"key": id.Key()})
	return nil
}

// Shutdown closes the current session, waiting for any operation in flight.
func (e *Engine) Shutdown(ctx context.Context) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.closeLocked(ctx)
}
