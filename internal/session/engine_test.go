package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collab-editor-be/internal/auth"
	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/persistence"
	"collab-editor-be/internal/persistence/localcache"
	"collab-editor-be/internal/persistence/remote"
	"collab-editor-be/internal/persistence/remote/remotetest"
	"collab-editor-be/internal/schema"
	"collab-editor-be/internal/session"
	"collab-editor-be/internal/surface"
	"collab-editor-be/internal/tier"
	"collab-editor-be/pkg/events"
	"collab-editor-be/pkg/syncproto"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

var post = metadata.Identity{Owner: "alice", Slug: "post"}

type eventLog struct {
	mu     sync.Mutex
	events []events.DocumentEvent
}

func (l *eventLog) Publish(_ context.Context, ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, events.ParseDocumentEvent(ev))
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type+" "+ev.Key)
	}
	return out
}

type fixture struct {
	store    *localcache.Store
	server   *remotetest.Server
	verifier *auth.Verifier
	provider *auth.JWTProvider
	events   *eventLog
	engine   *session.Engine
}

type option func(*session.Config, *session.Deps)

func newFixture(t *testing.T, token string, opts ...option) *fixture {
	t.Helper()
	store, err := localcache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	verifier := auth.NewVerifier(secret)
	f := &fixture{
		store:    store,
		server:   remotetest.NewServer(),
		verifier: verifier,
		provider: auth.NewJWTProvider(verifier, token),
		events:   &eventLog{},
	}
	deps := session.Deps{
		Cache:      store,
		Auth:       f.provider,
		Dialer:     f.server,
		Publisher:  pubSub,
		Subscriber: pubSub,
		Events:     f.events,
	}
	cfg := session.Config{
		ServerURL: "ws://sync.test",
		Remote:    remote.Options{ReconnectMin: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond},
		Debounce:  20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	f.engine = session.NewEngine(cfg, deps)

	t.Cleanup(func() {
		f.engine.Shutdown(context.Background())
		pubSub.Close()
		store.Close()
	})
	return f
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	token, err := f.verifier.Issue("u1", "alice", time.Hour)
	require.NoError(t, err)
	return token
}

func field(t *testing.T, e *session.Engine, name string) *surface.Surface {
	t.Helper()
	s, ok := e.FieldSurface(name)
	require.True(t, ok, "no surface for %s", name)
	return s
}

func text(t *testing.T, e *session.Engine, name string) string {
	t.Helper()
	got, err := field(t, e, name).ExportText()
	require.NoError(t, err)
	return got
}

func waitFor(t *testing.T, ch <-chan persistence.StateChange, want persistence.ConnectionState) []persistence.ConnectionState {
	t.Helper()
	var seen []persistence.ConnectionState
	deadline := time.After(2 * time.Second)
	for {
		select {
		case change := <-ch:
			seen = append(seen, change.To)
			if change.To == want {
				return seen
			}
		case <-deadline:
			t.Fatalf("never reached %s, saw %v", want, seen)
		}
	}
}

func TestNewDocumentSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	sess, err := f.engine.NewDocument(ctx, session.NewOptions{
		LocalID: "draft-1",
		Name:    "Draft",
		Initial: map[string]any{schema.FieldTitle: "Hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, tier.LocalOnly, sess.Tier)
	assert.Equal(t, session.StateActive, sess.State)
	assert.Equal(t, session.EngineActive, f.engine.State())

	require.NoError(t, field(t, f.engine, schema.FieldBody).Insert(0, "first words"))
	require.NoError(t, f.engine.Save(ctx))
	require.NoError(t, f.engine.CloseDocument(ctx))

	docs, err := f.engine.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "local:draft-1", docs[0].Key)
	assert.Equal(t, "Draft", docs[0].Name)
	assert.Equal(t, metadata.KindLocal, docs[0].Kind)

	_, err = f.engine.OpenDocument(ctx, session.Descriptor{Identity: metadata.Identity{LocalID: "draft-1"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text(t, f.engine, schema.FieldTitle))
	assert.Equal(t, "first words", text(t, f.engine, schema.FieldBody))
}

func TestUnknownInitialFieldIsRejected(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.engine.NewDocument(context.Background(), session.NewOptions{Initial: map[string]any{"subtitle": "x"}})
	assert.ErrorIs(t, err, schema.ErrUnknownField)
	assert.Equal(t, session.EngineNone, f.engine.State())
}

func TestOpenTearsDownPreviousSessionFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	_, err := f.engine.NewDocument(ctx, session.NewOptions{LocalID: "a"})
	require.NoError(t, err)
	oldTitle := field(t, f.engine, schema.FieldTitle)

	_, err = f.engine.NewDocument(ctx, session.NewOptions{LocalID: "b"})
	require.NoError(t, err)

	assert.True(t, oldTitle.Destroyed())
	assert.ErrorIs(t, oldTitle.Insert(0, "late"), surface.ErrDestroyed)
	assert.NotSame(t, oldTitle, field(t, f.engine, schema.FieldTitle))
	assert.Equal(t, []string{
		events.DocumentOpened + " local:a",
		events.DocumentClosed + " local:a",
		events.DocumentOpened + " local:b",
	}, f.events.types())
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	require.NoError(t, f.engine.CloseDocument(ctx), "closing with no session is a no-op")

	_, err := f.engine.NewDocument(ctx, session.NewOptions{})
	require.NoError(t, err)
	require.NoError(t, f.engine.CloseDocument(ctx))
	require.NoError(t, f.engine.CloseDocument(ctx))

	assert.Equal(t, session.EngineNone, f.engine.State())
	assert.Equal(t, persistence.StateDisconnected, f.engine.ConnectionState())
	_, ok := f.engine.Session()
	assert.False(t, ok)
	_, ok = f.engine.FieldSurface(schema.FieldTitle)
	assert.False(t, ok)
	assert.ErrorIs(t, f.engine.Save(ctx), session.ErrNoSession)
}

func TestInvalidAuthDegradesToLocalOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "not-a-jwt")

	sess, err := f.engine.OpenDocument(ctx, session.Descriptor{Identity: post})
	require.NoError(t, err)
	assert.Equal(t, tier.LocalOnly, sess.Tier)
	assert.Equal(t, persistence.StateDisconnected, f.engine.ConnectionState())
	assert.Zero(t, f.server.Dials())

	require.NoError(t, field(t, f.engine, schema.FieldBody).Insert(0, "offline draft"))
	assert.Equal(t, "offline draft", text(t, f.engine, schema.FieldBody))
	assert.False(t, f.engine.Reconnect())
}

func TestNetworkedStateOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.provider.SetToken(f.token(t))

	changes, unsubscribe := f.engine.Subscribe()
	defer unsubscribe()

	sess, err := f.engine.OpenDocument(ctx, session.Descriptor{Identity: post, Name: "My post"})
	require.NoError(t, err)
	assert.Equal(t, tier.Networked, sess.Tier)

	seen := waitFor(t, changes, persistence.StateSynced)
	assert.Equal(t, []persistence.ConnectionState{
		persistence.StateConnecting,
		persistence.StateConnected,
		persistence.StateSynced,
	}, seen)
	assert.False(t, f.engine.Pending())

	require.NoError(t, field(t, f.engine, schema.FieldTitle).Insert(0, "Shared"))
	remoteDoc := f.server.Doc(syncproto.DocID("alice", "post"))
	assert.Eventually(t, func() bool {
		return remoteDoc.Text(schema.FieldTitle).String() == "Shared"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.engine.CloseDocument(ctx))
	waitFor(t, changes, persistence.StateDisconnected)
	assert.Eventually(t, func() bool { return f.server.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestOfflineEditsReconcileOnReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.provider.SetToken(f.token(t))

	changes, unsubscribe := f.engine.Subscribe()
	defer unsubscribe()

	_, err := f.engine.OpenDocument(ctx, session.Descriptor{Identity: post})
	require.NoError(t, err)
	waitFor(t, changes, persistence.StateSynced)

	f.server.SetOffline(true)
	f.server.DropAll()
	waitFor(t, changes, persistence.StateOffline)

	require.NoError(t, field(t, f.engine, schema.FieldBody).Insert(0, "written offline"))
	remoteDoc := f.server.Doc(syncproto.DocID("alice", "post"))
	require.NoError(t, remoteDoc.Text(schema.FieldTitle).Insert(0, "Remote title"))

	f.server.SetOffline(false)
	f.engine.Reconnect()
	waitFor(t, changes, persistence.StateSynced)

	assert.Eventually(t, func() bool {
		return remoteDoc.Text(schema.FieldBody).String() == "written offline"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		got, _ := field(t, f.engine, schema.FieldTitle).ExportText()
		return got == "Remote title"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReauthenticateUpgradesDegradedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	sess, err := f.engine.OpenDocument(ctx, session.Descriptor{Identity: post})
	require.NoError(t, err)
	require.Equal(t, tier.LocalOnly, sess.Tier)
	require.NoError(t, field(t, f.engine, schema.FieldBody).Insert(0, "kept"))
	require.NoError(t, f.engine.Save(ctx))

	_, err = f.engine.Reauthenticate(ctx, "still-bad")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	changes, unsubscribe := f.engine.Subscribe()
	defer unsubscribe()

	upgraded, err := f.engine.Reauthenticate(ctx, f.token(t))
	require.NoError(t, err)
	assert.Equal(t, tier.Networked, upgraded.Tier)
	assert.NotEqual(t, sess.ID, upgraded.ID)
	waitFor(t, changes, persistence.StateSynced)

	assert.Equal(t, "kept", text(t, f.engine, schema.FieldBody))
	remoteDoc := f.server.Doc(syncproto.DocID("alice", "post"))
	assert.Eventually(t, func() bool {
		return remoteDoc.Text(schema.FieldBody).String() == "kept"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedOpenRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	h, err := f.store.OpenDocument(ctx, "local:locked")
	require.NoError(t, err)

	_, err = f.engine.OpenDocument(ctx, session.Descriptor{Identity: metadata.Identity{LocalID: "locked"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, localcache.ErrHandleOpen)
	assert.Equal(t, session.EngineNone, f.engine.State())
	_, ok := f.engine.Session()
	assert.False(t, ok)

	require.NoError(t, h.Destroy())
	_, err = f.engine.OpenDocument(ctx, session.Descriptor{Identity: metadata.Identity{LocalID: "locked"}})
	require.NoError(t, err, "rollback must release every binding")
}

func TestInvalidDescriptor(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.engine.OpenDocument(context.Background(), session.Descriptor{Identity: metadata.Identity{Owner: "alice"}})
	assert.ErrorIs(t, err, metadata.ErrInvalidRecord)
}

// gatedAuth blocks Current until released, holding an open in flight.
type gatedAuth struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAuth) Current(ctx context.Context) (auth.State, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return auth.State{}, ctx.Err()
	}
	return auth.State{}, nil
}

func TestReentrantOpenIsRejected(t *testing.T) {
	ctx := context.Background()
	gate := &gatedAuth{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, "", func(_ *session.Config, d *session.Deps) { d.Auth = gate })

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.OpenDocument(ctx, session.Descriptor{Identity: metadata.Identity{LocalID: "one"}})
		done <- err
	}()
	<-gate.entered
	assert.Equal(t, session.EngineOpening, f.engine.State())

	_, err := f.engine.OpenDocument(ctx, session.Descriptor{Identity: metadata.Identity{LocalID: "two"}})
	assert.ErrorIs(t, err, session.ErrBusy)

	close(gate.release)
	require.NoError(t, <-done)
	sess, ok := f.engine.Session()
	require.True(t, ok)
	assert.Equal(t, "one", sess.Identity.LocalID)
}

func TestExports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	_, err := f.engine.ExportPlainText()
	assert.ErrorIs(t, err, session.ErrNoSession)

	_, err = f.engine.NewDocument(ctx, session.NewOptions{Initial: map[string]any{
		schema.FieldTitle:    "My post",
		schema.FieldBody:     "Plain body",
		schema.FieldPermlink: "my-post",
		schema.FieldTags:     []string{"go"},
	}})
	require.NoError(t, err)

	plain, err := f.engine.ExportPlainText()
	require.NoError(t, err)
	assert.Equal(t, "My post\n\nPlain body", plain)

	md, err := f.engine.ExportMarkdown()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(md, "---\n"), md)
	assert.Contains(t, md, "permlink: my-post\n")
	assert.Contains(t, md, "tags:\n    - go\n")
	assert.NotContains(t, md, "beneficiaries")
	assert.True(t, strings.HasSuffix(md, "# My post\n\nPlain body\n"), md)
}

type permissions struct {
	refreshed int
}

func (p *permissions) Permissions(context.Context, metadata.Identity) ([]metadata.Permission, error) {
	return []metadata.Permission{{Account: "alice", Level: metadata.LevelFullAccess, GrantedBy: "alice"}}, nil
}

func (p *permissions) Refresh(ctx context.Context, id metadata.Identity) ([]metadata.Permission, error) {
	p.refreshed++
	if id.Owner == "" {
		return nil, errors.New("not networked")
	}
	return p.Permissions(ctx, id)
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()
	perms := &permissions{}
	f := newFixture(t, "", func(_ *session.Config, d *session.Deps) { d.Permissions = perms })

	_, _, err := f.engine.Metadata(ctx, false)
	assert.ErrorIs(t, err, session.ErrNoSession)

	_, err = f.engine.NewDocument(ctx, session.NewOptions{LocalID: "m", Name: "Notes"})
	require.NoError(t, err)
	rec, list, err := f.engine.Metadata(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Notes", rec.Name)
	assert.Nil(t, list, "local documents carry no permissions")
	assert.Zero(t, perms.refreshed)

	f.provider.SetToken(f.token(t))
	_, err = f.engine.OpenDocument(ctx, session.Descriptor{Identity: post})
	require.NoError(t, err)
	_, list, err = f.engine.Metadata(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, metadata.LevelFullAccess, list[0].Level)
	assert.Equal(t, 1, perms.refreshed)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")

	_, err := f.engine.NewDocument(ctx, session.NewOptions{LocalID: "scratch"})
	require.NoError(t, err)
	id := metadata.Identity{LocalID: "scratch"}
	assert.ErrorIs(t, f.engine.Forget(ctx, id), session.ErrIsOpen)

	require.NoError(t, f.engine.CloseDocument(ctx))
	require.NoError(t, f.engine.Forget(ctx, id))
	docs, err := f.engine.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestEditRightBeforeCloseIsSaved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "", func(cfg *session.Config, _ *session.Deps) { cfg.Debounce = time.Hour })

	_, err := f.engine.NewDocument(ctx, session.NewOptions{LocalID: "p"})
	require.NoError(t, err)
	before, err := f.store.GetMetadata(ctx, "local:p")
	require.NoError(t, err)
	require.NotNil(t, before)

	require.NoError(t, field(t, f.engine, schema.FieldBody).Insert(0, "typed just before close"))
	assert.True(t, f.engine.Unsaved())
	require.NoError(t, f.engine.CloseDocument(ctx))

	after, err := f.store.GetMetadata(ctx, "local:p")
	require.NoError(t, err)
	assert.Greater(t, after.Size, before.Size)
	assert.False(t, after.Unsaved)
}

// brittleCache panics on metadata writes once broken.
type brittleCache struct {
	*localcache.Store
	broken atomic.Bool
}

func (c *brittleCache) PutMetadata(ctx context.Context, rec metadata.FileRecord) error {
	if c.broken.Load() {
		panic("metadata table unavailable")
	}
	return c.Store.PutMetadata(ctx, rec)
}

type logRecorder struct {
	mu     sync.Mutex
	failed []string
}

func (l *logRecorder) Debug(string, string, map[string]interface{}) {}
func (l *logRecorder) Info(string, string, map[string]interface{})  {}
func (l *logRecorder) Warn(string, string, map[string]interface{})  {}
func (l *logRecorder) Sync() error                                   { return nil }

func (l *logRecorder) Error(_ string, message string, details map[string]interface{}) {
	if message != "Teardown step failed" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	step, _ := details["step"].(string)
	l.failed = append(l.failed, step)
}

func (l *logRecorder) steps() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.failed...)
}

func TestTeardownSurvivesFailingStep(t *testing.T) {
	ctx := context.Background()
	cache := &brittleCache{}
	logs := &logRecorder{}
	f := newFixture(t, "", func(cfg *session.Config, d *session.Deps) {
		cfg.Debounce = time.Hour
		cache.Store = d.Cache.(*localcache.Store)
		d.Cache = cache
		d.Logger = logs
	})

	_, err := f.engine.NewDocument(ctx, session.NewOptions{LocalID: "fragile"})
	require.NoError(t, err)
	body := field(t, f.engine, schema.FieldBody)
	title := field(t, f.engine, schema.FieldTitle)
	require.NoError(t, body.Insert(0, "pending"))

	cache.broken.Store(true)
	require.NoError(t, f.engine.CloseDocument(ctx))

	assert.Equal(t, []string{"flush autosave"}, logs.steps())
	assert.Equal(t, session.EngineNone, f.engine.State())
	assert.True(t, body.Destroyed())
	assert.True(t, title.Destroyed())
	_, open := f.engine.Session()
	assert.False(t, open)

	// the local cache handle was released, so the document opens again
	cache.broken.Store(false)
	_, err = f.engine.OpenDocument(ctx, session.Descriptor{Identity: metadata.Identity{LocalID: "fragile"}})
	require.NoError(t, err)
	assert.Equal(t, "pending", text(t, f.engine, schema.FieldBody))
}
