package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"collab-editor-be/pkg/syncproto"

	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("sync connection closed")

// Target addresses one document on one sync server.
type Target struct {
	ServerURL string
	Owner     string
	Slug      string
}

func (t Target) DocID() string {
	return syncproto.DocID(t.Owner, t.Slug)
}

func (t Target) URL() (string, error) {
	base, err := url.Parse(strings.TrimRight(t.ServerURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid sync server url %q: %w", t.ServerURL, err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	return base.String() + "/ws/docs/" + url.PathEscape(t.Owner) + "/" + url.PathEscape(t.Slug), nil
}

// Conn is one live transport to the sync server.
type Conn interface {
	Send(ctx context.Context, m syncproto.Message) error
	Receive(ctx context.Context) (syncproto.Message, error)
	Close() error
}

// Dialer opens transports. Injected so the engine can run without a network.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	u, err := target.URL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", u, err)
	}
	return &wsConn{ws: ws, writeTimeout: d.WriteTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Send(ctx context.Context, m syncproto.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := syncproto.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Receive(ctx context.Context) (syncproto.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return syncproto.Message{}, err
		}
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return syncproto.Message{}, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return syncproto.Decode(data)
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
