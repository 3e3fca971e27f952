package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-editor-be/internal/auth"
	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/pkg/logger"
	"collab-editor-be/pkg/crdt"
	"collab-editor-be/pkg/syncproto"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ClusterChannel carries frames between sync server instances.
const ClusterChannel = "doc_events"

// StateKey is the Redis key holding the encoded state of a document.
func StateKey(docID string) string {
	return fmt.Sprintf("doc:%s:state", docID)
}

// AccessChecker resolves the level an account holds on a document.
type AccessChecker interface {
	Access(ctx context.Context, owner, slug, account string) (metadata.Level, error)
}

// fromCluster tags updates that arrived from another instance.
type fromCluster struct{}

type clusterEvent struct {
	Instance string            `json:"instance"`
	Doc      string            `json:"doc"`
	Frame    syncproto.Message `json:"frame"`
}

// Room is one document shared by every client editing it on this instance.
type Room struct {
	id      string
	doc     *crdt.Doc
	stop    func()
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func (r *Room) broadcast(data []byte, except *Client) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if c != except {
			c.enqueue(data)
		}
	}
}

type Hub struct {
	// Rooms by document id (owner/slug)
	rooms map[string]*Room
	mu    sync.Mutex

	verifier *auth.Verifier
	access   AccessChecker

	// Redis connection for cross-instance communication, nil when running alone
	rdb      *redis.Client
	instance string

	// Dedicated Logger
	logger logger.ILogger
}

func NewHub(rdb *redis.Client, verifier *auth.Verifier, access AccessChecker, log logger.ILogger) *Hub {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Hub{
		rooms:    make(map[string]*Room),
		verifier: verifier,
		access:   access,
		rdb:      rdb,
		instance: uuid.NewString(),
		logger:   log,
	}
}

// Run relays frames published by other instances until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb == nil {
		<-ctx.Done()
		return
	}
	h.subscribeToRedis(ctx)
}

// authorize verifies the token of an auth frame and returns the caller's
// account and level.
func (h *Hub) authorize(ctx context.Context, owner, slug, token string) (string, metadata.Level, error) {
	claims, err := h.verifier.Verify(token)
	if err != nil {
		return "", "", err
	}
	level, err := h.access.Access(ctx, owner, slug, claims.Account)
	if err != nil {
		return "", "", err
	}
	if !level.Valid() {
		return "", "", fmt.Errorf("%s has no access to %s", claims.Account, syncproto.DocID(owner, slug))
	}
	return claims.Account, level, nil
}

// join adds c to the room of its document, loading the room on first use.
func (h *Hub) join(ctx context.Context, c *Client) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[c.docID]
	if !ok {
		var err error
		room, err = h.openRoom(ctx, c.docID)
		if err != nil {
			return nil, err
		}
		h.rooms[c.docID] = room
		h.logger.Info("Hub", "Room opened", map[string]interface{}{"doc": c.docID})
	}

	room.mu.Lock()
	room.clients[c] = struct{}{}
	room.mu.Unlock()
	h.logger.Info("Hub", "Client joined", map[string]interface{}{"doc": c.docID, "account": c.account, "level": string(c.level)})
	return room, nil
}

// openRoom must be called with h.mu held.
func (h *Hub) openRoom(ctx context.Context, docID string) (*Room, error) {
	room := &Room{
		id:      docID,
		doc:     crdt.NewDoc("server-" + h.instance),
		clients: make(map[*Client]struct{}),
	}
	if h.rdb != nil {
		data, err := h.rdb.Get(ctx, StateKey(docID)).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to load state of %s: %w", docID, err)
		}
		state, err := crdt.DecodeUpdate(data)
		if err != nil {
			return nil, err
		}
		if err := room.doc.Apply(state, fromCluster{}); err != nil {
			return nil, err
		}
	}
	room.stop = room.doc.Observe(func(u crdt.Update, origin any) {
		h.relayUpdate(room, u, origin)
	})
	return room, nil
}

// relayUpdate fans an effective update out to the room. Updates made by a
// local client are also persisted and published to the cluster.
func (h *Hub) relayUpdate(room *Room, u crdt.Update, origin any) {
	frame := syncproto.Message{Type: syncproto.TypeUpdate, Update: &u}
	data, err := syncproto.Encode(frame)
	if err != nil {
		h.logger.Error("Hub", "Failed to encode update", map[string]interface{}{"doc": room.id, "error": err})
		return
	}
	sender, local := origin.(*Client)
	room.broadcast(data, sender)
	if !local {
		return
	}
	h.persist(room)
	h.publish(room.id, frame)
}

func (h *Hub) persist(room *Room) {
	if h.rdb == nil {
		return
	}
	data, err := room.doc.EncodeState().Encode()
	if err != nil {
		h.logger.Error("Hub", "Failed to encode state", map[string]interface{}{"doc": room.id, "error": err})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.rdb.Set(ctx, StateKey(room.id), data, 0).Err(); err != nil {
		h.logger.Warn("Hub", "Failed to store state", map[string]interface{}{"doc": room.id, "error": err.Error()})
	}
}

func (h *Hub) publish(docID string, frame syncproto.Message) {
	if h.rdb == nil {
		return
	}
	payload, err := json.Marshal(clusterEvent{Instance: h.instance, Doc: docID, Frame: frame})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.rdb.Publish(ctx, ClusterChannel, payload).Err(); err != nil {
		h.logger.Warn("Hub", "Failed to publish to cluster", map[string]interface{}{"doc": docID, "error": err.Error()})
	}
}

// relayFrame sends a presence or peer_left frame to the room and the cluster.
func (h *Hub) relayFrame(room *Room, frame syncproto.Message, except *Client) {
	data, err := syncproto.Encode(frame)
	if err != nil {
		return
	}
	room.broadcast(data, except)
	h.publish(room.id, frame)
}

// leave removes c from its room and closes the room once empty.
func (h *Hub) leave(c *Client) {
	room := c.room
	if room == nil {
		close(c.send)
		return
	}

	h.mu.Lock()
	room.mu.Lock()
	delete(room.clients, c)
	empty := len(room.clients) == 0
	room.mu.Unlock()
	if empty && h.rooms[room.id] == room {
		delete(h.rooms, room.id)
	}
	h.mu.Unlock()

	close(c.send)
	h.logger.Info("Hub", "Client left", map[string]interface{}{"doc": room.id, "account": c.account})

	if peer := c.peerID(); peer != "" {
		h.relayFrame(room, syncproto.Message{Type: syncproto.TypePeerLeft, Peer: peer}, nil)
	}
	if empty {
		room.stop()
		room.doc.Destroy()
		h.logger.Info("Hub", "Room closed", map[string]interface{}{"doc": room.id})
	}
}

// Rooms reports how many documents are open on this instance.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) room(docID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[docID]
}

func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, ClusterChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev clusterEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.logger.Warn("Hub", "Redis msg parse error", map[string]interface{}{"error": err.Error()})
				continue
			}
			if ev.Instance == h.instance {
				continue
			}
			h.applyCluster(ev)
		}
	}
}

func (h *Hub) applyCluster(ev clusterEvent) {
	room := h.room(ev.Doc)
	if room == nil {
		return
	}
	switch ev.Frame.Type {
	case syncproto.TypeUpdate:
		if ev.Frame.Update == nil {
			return
		}
		if err := room.doc.Apply(*ev.Frame.Update, fromCluster{}); err != nil && !errors.Is(err, crdt.ErrDestroyed) {
			h.logger.Warn("Hub", "Failed to apply cluster update", map[string]interface{}{"doc": ev.Doc, "error": err.Error()})
		}
	case syncproto.TypePresence, syncproto.TypePeerLeft:
		data, err := syncproto.Encode(ev.Frame)
		if err != nil {
			return
		}
		room.broadcast(data, nil)
	}
}
