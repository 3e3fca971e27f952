// Package autosave turns bursts of surface changes into debounced saves.
package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/pkg/logger"
	"collab-editor-be/internal/surface"
	"collab-editor-be/internal/tier"
	"collab-editor-be/pkg/events"

	"github.com/ThreeDotsLabs/watermill/message"
)

const DefaultDebounce = time.Second

// Snapshotter compacts the document's encoded state into the local cache.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context) (int, error)
}

type MetadataStore interface {
	PutMetadata(ctx context.Context, rec metadata.FileRecord) error
	// MarkUnsaved flags an existing record; saves clear the flag again.
	MarkUnsaved(ctx context.Context, key string) error
}

type Config struct {
	SessionID string
	Identity  metadata.Identity
	Name      string
	Tier      tier.Tier
	Debounce  time.Duration
}

type Deps struct {
	Snapshots Snapshotter
	Metadata  MetadataStore
	Events    events.Publisher
	Logger    logger.ILogger
	Now       func() time.Time
}

type Bridge struct {
	cfg  Config
	deps Deps

	cancel context.CancelFunc
	done   chan struct{}

	saveMu sync.Mutex
	marks  sync.WaitGroup

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	savedGen  uint64
	lastSaved time.Time
	stopped   bool
}

// Start subscribes to surface changes of cfg.SessionID and returns the running
// bridge.
func Start(ctx context.Context, sub message.Subscriber, cfg Config, deps Deps) (*Bridge, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNopLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Identity.Key()
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := sub.Subscribe(sctx, surface.TopicChanged)
	if err != nil {
		cancel()
		return nil, err
	}

	b := &Bridge{cfg: cfg, deps: deps, cancel: cancel, done: make(chan struct{})}
	go b.consume(messages)
	return b, nil
}

func (b *Bridge) consume(messages <-chan *message.Message) {
	defer close(b.done)
	for msg := range messages {
		var change surface.Change
		err := json.Unmarshal(msg.Payload, &change)
		msg.Ack()
		if err != nil {
			b.deps.Logger.Warn("Autosave", "Dropping malformed change notification", map[string]interface{}{"error": err.Error()})
			continue
		}
		b.Observe(change)
	}
}

// Observe counts a change of this session. Surfaces call it synchronously so
// an edit is pending before its notification crosses the bus; the notification
// itself is then ignored by sequence number.
func (b *Bridge) Observe(change surface.Change) {
	if change.SessionID != b.cfg.SessionID {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || change.Seq <= b.gen {
		return
	}
	if b.gen == b.savedGen {
		b.marks.Add(1)
		go b.markUnsaved()
	}
	b.gen = change.Seq
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.Debounce, b.fire)
		return
	}
	b.timer.Reset(b.cfg.Debounce)
}

// markUnsaved flags the file record once the document turns dirty. It runs
// under saveMu so it cannot land after the save that cleans it.
func (b *Bridge) markUnsaved() {
	defer b.marks.Done()
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	if !b.Unsaved() || b.deps.Metadata == nil {
		return
	}
	if err := b.deps.Metadata.MarkUnsaved(context.Background(), b.cfg.Identity.Key()); err != nil {
		b.deps.Logger.Warn("Autosave", "Failed to flag unsaved changes", map[string]interface{}{
			"key":   b.cfg.Identity.Key(),
			"error": err.Error(),
		})
	}
}

func (b *Bridge) fire() {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return
	}
	if err := b.save(context.Background()); err != nil {
		b.deps.Logger.Error("Autosave", "Debounced save failed", map[string]interface{}{
			"key":   b.cfg.Identity.Key(),
			"error": err,
		})
	}
}

// Unsaved reports whether changes arrived after the last successful save.
func (b *Bridge) Unsaved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen != b.savedGen
}

func (b *Bridge) LastSaved() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSaved
}

// Flush runs the pending save now, if there is one.
func (b *Bridge) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	pending := b.gen != b.savedGen
	b.mu.Unlock()
	if !pending {
		return nil
	}
	return b.save(ctx)
}

// Save writes unconditionally.
func (b *Bridge) Save(ctx context.Context) error {
	return b.save(ctx)
}

// Stop cancels pending timers and the subscription. Unsaved changes are not
// written; call Flush first. Safe to call repeatedly.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	b.cancel()
	<-b.done
	b.marks.Wait()

	// wait out a save that fired before the timer was stopped
	b.saveMu.Lock()
	b.saveMu.Unlock()
}

func (b *Bridge) save(ctx context.Context) error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	b.mu.Lock()
	gen := b.gen
	b.mu.Unlock()

	now := b.deps.Now()
	rec := metadata.FileRecord{
		Key:        b.cfg.Identity.Key(),
		Kind:       b.cfg.Identity.Kind(),
		Name:       b.cfg.Name,
		ModifiedAt: now,
	}

	var err error
	if b.cfg.Tier == tier.Networked {
		err = b.saveNetworked(ctx, rec)
	} else {
		err = b.saveLocal(ctx, rec)
	}
	if err != nil {
		return err
	}

	b.mu.Lock()
	if gen > b.savedGen {
		b.savedGen = gen
	}
	b.lastSaved = now
	b.mu.Unlock()

	b.deps.Logger.Debug("Autosave", "Saved", map[string]interface{}{"key": rec.Key, "tier": string(b.cfg.Tier)})
	return nil
}

// saveLocal writes the encoded state and the file record. A remote document
// opened local-only keeps its owner and records no size.
func (b *Bridge) saveLocal(ctx context.Context, rec metadata.FileRecord) error {
	if b.deps.Snapshots == nil {
		return errors.New("autosave: no snapshot target for local tier")
	}
	size, err := b.deps.Snapshots.SaveSnapshot(ctx)
	if err != nil {
		return err
	}
	if rec.Kind == metadata.KindLocal {
		rec.Size = int64(size)
	} else {
		rec.Owner = b.cfg.Identity.Owner
	}
	return b.putMetadata(ctx, rec)
}

// saveNetworked only touches bookkeeping; the sync channel replicates content.
func (b *Bridge) saveNetworked(ctx context.Context, rec metadata.FileRecord) error {
	rec.Owner = b.cfg.Identity.Owner
	if err := b.putMetadata(ctx, rec); err != nil {
		return err
	}
	if b.deps.Events == nil {
		return nil
	}
	ev := events.DocumentEvent{
		Type:      events.DocumentSaved,
		SessionID: b.cfg.SessionID,
		Key:       rec.Key,
		Tier:      string(b.cfg.Tier),
		Owner:     b.cfg.Identity.Owner,
		Slug:      b.cfg.Identity.Slug,
		Name:      b.cfg.Name,
		At:        rec.ModifiedAt,
	}
	if err := b.deps.Events.Publish(ctx, ev); err != nil {
		// Bookkeeping already landed; the event is best effort.
		b.deps.Logger.Warn("Autosave", "Failed to publish save event", map[string]interface{}{"key": rec.Key, "error": err.Error()})
	}
	return nil
}

func (b *Bridge) putMetadata(ctx context.Context, rec metadata.FileRecord) error {
	if b.deps.Metadata == nil {
		return nil
	}
	return b.deps.Metadata.PutMetadata(ctx, rec)
}
