package session

import (
	"errors"
	"time"

	"collab-editor-be/internal/metadata"
	"collab-editor-be/internal/tier"
)

var (
	ErrBusy      = errors.New("lifecycle operation already in progress")
	ErrNoSession = errors.New("no active document session")
	ErrIsOpen    = errors.New("document is open in the current session")
)

// EngineState is the lifecycle of the engine as a whole.
type EngineState string

const (
	EngineNone    EngineState = "none"
	EngineOpening EngineState = "opening"
	EngineActive  EngineState = "active"
	EngineClosing EngineState = "closing"
)

// State is the lifecycle of one document session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateTearingDown   State = "tearing-down"
	StateDestroyed     State = "destroyed"
)

// Descriptor identifies the document to open.
type Descriptor struct {
	metadata.Identity
	// Name is the display name recorded in file metadata. Defaults to the
	// identity key.
	Name string
}

type NewOptions struct {
	// LocalID defaults to a fresh uuid.
	LocalID string
	Name    string
	// Initial seeds fields of the new document, keyed by field name.
	Initial map[string]any
}

// Session is a read-only view of the current document session.
type Session struct {
	ID       string
	Identity metadata.Identity
	Name     string
	Tier     tier.Tier
	State    State
	OpenedAt time.Time
}
