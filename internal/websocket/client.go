package websocket

import (
	"context"
	"sync"
	"time"

	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/tracer"
	"collab-editor-be/pkg/syncproto"

	"github.com/gofiber/websocket/v2"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	authWait       = 10 * time.Second
	maxMessageSize = 4 << 20
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	owner string
	slug  string
	docID string

	// Set once the auth frame is accepted.
	account string
	level   metadata.Level
	room    *Room

	mu   sync.Mutex
	peer string

	// Buffered channel of outbound frames.
	send chan []byte

	kick     chan struct{}
	kickOnce sync.Once
	done     chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, owner, slug string) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		owner: owner,
		slug:  slug,
		docID: syncproto.DocID(owner, slug),
		send:  make(chan []byte, 256),
		kick:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *Client) peerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// enqueue never blocks; a client that cannot keep up is disconnected.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.kickOnce.Do(func() {
			c.hub.logger.Warn("Hub", "Client send buffer full, dropping connection", map[string]interface{}{"doc": c.docID, "account": c.account})
			close(c.kick)
		})
	}
}

func (c *Client) reply(m syncproto.Message) {
	data, err := syncproto.Encode(m)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// readPump pumps frames from the websocket connection into the room. It
// returns once writePump has flushed what was queued.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		<-c.done
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Hub", "Unexpected close", map[string]interface{}{"doc": c.docID, "error": err.Error()})
			}
			return
		}
		m, err := syncproto.Decode(data)
		if err != nil {
			c.hub.logger.Warn("Hub", "Dropping malformed frame", map[string]interface{}{"doc": c.docID, "error": err.Error()})
			continue
		}
		if c.room == nil {
			if !c.authenticate(m) {
				return
			}
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(m)
	}
}

func (c *Client) authenticate(m syncproto.Message) bool {
	if m.Type != syncproto.TypeAuth {
		c.reply(syncproto.Message{Type: syncproto.TypeAuthFailed, Reason: "expected auth frame"})
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), authWait)
	defer cancel()
	ctx, span := tracer.Start(ctx, "hub.authenticate", attribute.String("doc", c.docID))
	var err error
	defer func() { tracer.End(span, err) }()

	var account string
	var level metadata.Level
	account, level, err = c.hub.authorize(ctx, c.owner, c.slug, m.Token)
	if err != nil {
		c.hub.logger.Warn("Hub", "Auth rejected", map[string]interface{}{"doc": c.docID, "error": err.Error()})
		c.reply(syncproto.Message{Type: syncproto.TypeAuthFailed, Reason: err.Error()})
		return false
	}
	c.account, c.level = account, level
	span.SetAttributes(attribute.String("account", account), attribute.String("level", string(level)))

	var room *Room
	room, err = c.hub.join(ctx, c)
	if err != nil {
		c.hub.logger.Error("Hub", "Failed to join room", map[string]interface{}{"doc": c.docID, "error": err})
		c.reply(syncproto.Message{Type: syncproto.TypeAuthFailed, Reason: "document unavailable"})
		return false
	}
	c.room = room
	c.reply(syncproto.Message{Type: syncproto.TypeAuthOK})
	return true
}

func (c *Client) handle(m syncproto.Message) {
	doc := c.room.doc
	switch m.Type {
	case syncproto.TypeSync:
		if m.Update != nil && c.level.CanEdit() {
			if err := doc.Apply(*m.Update, c); err != nil {
				c.hub.logger.Warn("Hub", "Failed to merge client state", map[string]interface{}{"doc": c.docID, "error": err.Error()})
			}
		}
		state := doc.EncodeState()
		c.reply(syncproto.Message{Type: syncproto.TypeSync, Update: &state})
		c.reply(syncproto.Message{Type: syncproto.TypeSynced})

	case syncproto.TypeUpdate:
		if m.Update == nil {
			return
		}
		if !c.level.CanEdit() {
			c.hub.logger.Debug("Hub", "Dropping update from read-only member", map[string]interface{}{"doc": c.docID, "account": c.account})
			return
		}
		if err := doc.Apply(*m.Update, c); err != nil {
			c.hub.logger.Warn("Hub", "Failed to merge update", map[string]interface{}{"doc": c.docID, "error": err.Error()})
		}

	case syncproto.TypePresence:
		if m.Presence == nil {
			return
		}
		cursor := *m.Presence
		// Peer ids are scoped to the authenticated account so one member
		// cannot move another's cursor.
		cursor.Peer = c.account + "/" + cursor.Peer
		if cursor.Name == "" {
			cursor.Name = c.account
		}
		c.mu.Lock()
		c.peer = cursor.Peer
		c.mu.Unlock()
		c.hub.relayFrame(c.room, syncproto.Message{Type: syncproto.TypePresence, Presence: &cursor}, c)

	case syncproto.TypePing:
		// the read deadline was already extended
	}
}

// writePump pumps frames from the hub to the websocket connection, one frame
// per websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case <-c.kick:
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
