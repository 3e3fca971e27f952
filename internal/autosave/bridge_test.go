package autosave

import (
	"context"
	"sync"
	"testing"
	"time"

	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/replica"
	"collab-editor-be/internal/schema"
	"collab-editor-be/internal/surface"
	"collab-editor-be/internal/tier"
	"collab-editor-be/pkg/events"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	snapshots int
	records   []metadata.FileRecord
	marked    []string
	published []events.Event
}

func (r *recorder) SaveSnapshot(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots++
	return 42, nil
}

func (r *recorder) PutMetadata(_ context.Context, rec metadata.FileRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) MarkUnsaved(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked = append(r.marked, key)
	return nil
}

func (r *recorder) markedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.marked...)
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, ev)
	return nil
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots, len(r.records), len(r.published)
}

type harness struct {
	pubSub *gochannel.GoChannel
	rec    *recorder
	bridge *Bridge
	title  *surface.Surface
}

func start(t *testing.T, id metadata.Identity, tr tier.Tier, debounce time.Duration) *harness {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { pubSub.Close() })

	rec := &recorder{}
	b, err := Start(context.Background(), pubSub, Config{
		SessionID: "s1",
		Identity:  id,
		Name:      "My draft",
		Tier:      tr,
		Debounce:  debounce,
	}, Deps{Snapshots: rec, Metadata: rec, Events: rec})
	require.NoError(t, err)
	t.Cleanup(b.Stop)

	title, err := surface.NewFactory(pubSub, nil).Build(replica.NewManager().Create(), schema.FieldTitle, tr, nil, surface.BuildOptions{SessionID: "s1"})
	require.NoError(t, err)
	return &harness{pubSub: pubSub, rec: rec, bridge: b, title: title}
}

func TestLocalSaveIsDebounced(t *testing.T) {
	h := start(t, metadata.Identity{LocalID: "draft-1"}, tier.LocalOnly, 30*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.title.Insert(0, "x"))
	}
	assert.Eventually(t, func() bool {
		_, records, _ := h.rec.counts()
		return records == 1 && !h.bridge.Unsaved()
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	snapshots, records, published := h.rec.counts()
	assert.Equal(t, 1, snapshots)
	assert.Equal(t, 1, records)
	assert.Zero(t, published)

	rec := h.rec.records[0]
	assert.Equal(t, "local:draft-1", rec.Key)
	assert.Equal(t, metadata.KindLocal, rec.Kind)
	assert.Equal(t, "My draft", rec.Name)
	assert.EqualValues(t, 42, rec.Size)
	assert.False(t, h.bridge.LastSaved().IsZero())
}

func TestNetworkedSaveIsBookkeepingOnly(t *testing.T) {
	h := start(t, metadata.Identity{Owner: "alice", Slug: "post"}, tier.Networked, 20*time.Millisecond)

	require.NoError(t, h.title.Insert(0, "hi"))
	assert.Eventually(t, func() bool {
		_, _, published := h.rec.counts()
		return published == 1
	}, time.Second, 5*time.Millisecond)

	snapshots, records, _ := h.rec.counts()
	assert.Zero(t, snapshots)
	assert.Equal(t, 1, records)
	assert.Equal(t, "alice", h.rec.records[0].Owner)

	ev := events.ParseDocumentEvent(h.rec.published[0])
	assert.Equal(t, events.DocumentSaved, ev.Type)
	assert.Equal(t, "post", ev.Slug)
}

func TestFlushAndStop(t *testing.T) {
	h := start(t, metadata.Identity{LocalID: "draft-2"}, tier.LocalOnly, time.Hour)

	require.NoError(t, h.bridge.Flush(context.Background()))
	snapshots, _, _ := h.rec.counts()
	assert.Zero(t, snapshots, "nothing pending, nothing saved")

	require.NoError(t, h.title.Insert(0, "x"))
	assert.Eventually(t, h.bridge.Unsaved, time.Second, 5*time.Millisecond)
	require.NoError(t, h.bridge.Flush(context.Background()))
	assert.False(t, h.bridge.Unsaved())
	snapshots, _, _ = h.rec.counts()
	assert.Equal(t, 1, snapshots)

	h.bridge.Stop()
	h.bridge.Stop()
	require.NoError(t, h.title.Insert(0, "y"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.bridge.Unsaved())
}

func TestOtherSessionsAreIgnored(t *testing.T) {
	h := start(t, metadata.Identity{LocalID: "draft-3"}, tier.LocalOnly, 10*time.Millisecond)

	other, err := surface.NewFactory(h.pubSub, nil).Build(replica.NewManager().Create(), schema.FieldBody, tier.LocalOnly, nil, surface.BuildOptions{SessionID: "s2"})
	require.NoError(t, err)
	require.NoError(t, other.Insert(0, "elsewhere"))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, h.bridge.Unsaved())
	snapshots, _, _ := h.rec.counts()
	assert.Zero(t, snapshots)
}

func TestSynchronousChangeIsPendingImmediately(t *testing.T) {
	h := start(t, metadata.Identity{LocalID: "draft-4"}, tier.LocalOnly, time.Hour)

	body, err := surface.NewFactory(h.pubSub, nil).Build(replica.NewManager().Create(), schema.FieldBody, tier.LocalOnly, nil, surface.BuildOptions{
		SessionID: "s1",
		OnChange:  h.bridge.Observe,
	})
	require.NoError(t, err)

	require.NoError(t, body.Insert(0, "typed"))
	assert.True(t, h.bridge.Unsaved())
	assert.Eventually(t, func() bool { return len(h.rec.markedKeys()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"local:draft-4"}, h.rec.markedKeys())

	require.NoError(t, h.bridge.Flush(context.Background()))
	assert.False(t, h.bridge.Unsaved())

	// the bus copy of the same change must not count again
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.bridge.Unsaved())
	snapshots, records, _ := h.rec.counts()
	assert.Equal(t, 1, snapshots)
	assert.Equal(t, 1, records)
	assert.False(t, h.rec.records[0].Unsaved)
}
