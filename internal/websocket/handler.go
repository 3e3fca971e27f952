package websocket

import (
	"github.com/gofiber/websocket/v2"
)

// ServeWs runs one editor connection for the document owner/slug. The first
// frame must be auth; nothing is relayed before it is accepted.
func ServeWs(hub *Hub, conn *websocket.Conn, owner, slug string) {
	client := newClient(hub, conn, owner, slug)

	go client.writePump()
	client.readPump() // Run readPump in current goroutine (handler)
}
