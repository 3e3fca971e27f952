// Package syncproto defines the JSON frames exchanged between an editor and
// the sync server over a WebSocket.
//
// Handshake: the client sends auth, the server answers auth_ok or
// auth_failed. The client then sends sync with its full state; the server
// answers sync with its own state followed by synced. After that both sides
// exchange update and presence frames; the server also emits peer_left.
package syncproto

import (
	"encoding/json"
	"fmt"

	"collab-editor-be/pkg/crdt"
)

type MessageType string

const (
	TypeAuth       MessageType = "auth"
	TypeAuthOK     MessageType = "auth_ok"
	TypeAuthFailed MessageType = "auth_failed"
	TypeSync       MessageType = "sync"
	TypeSynced     MessageType = "synced"
	TypeUpdate     MessageType = "update"
	TypePresence   MessageType = "presence"
	TypePeerLeft   MessageType = "peer_left"
	TypePing       MessageType = "ping"
)

type Message struct {
	Type     MessageType  `json:"type"`
	Token    string       `json:"token,omitempty"`
	Doc      string       `json:"doc,omitempty"`
	Update   *crdt.Update `json:"update,omitempty"`
	Presence *Cursor      `json:"presence,omitempty"`
	Peer     string       `json:"peer,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// Cursor is one participant's selection inside one field.
type Cursor struct {
	Peer   string `json:"peer"`
	Name   string `json:"name,omitempty"`
	Field  string `json:"field"`
	Anchor int    `json:"anchor"`
	Head   int    `json:"head"`
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("invalid sync frame: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("invalid sync frame: missing type")
	}
	return m, nil
}

// DocID is the room name for an owner/slug pair.
func DocID(owner, slug string) string {
	return owner + "/" + slug
}
