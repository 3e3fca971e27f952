package events

import (
	"context"
	"time"
)

const (
	DocumentOpened = "DOCUMENT_OPENED"
	DocumentClosed = "DOCUMENT_CLOSED"
	DocumentSaved  = "DOCUMENT_SAVED"
)

// Publisher is satisfied by the NATS publisher. Engine code treats a nil
// Publisher as "events disabled".
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// DocumentEvent describes one lifecycle step of an editing session. Owner and
// Slug are empty for local documents.
type DocumentEvent struct {
	Type      string
	SessionID string
	Key       string
	Tier      string
	Owner     string
	Slug      string
	Name      string
	At        time.Time
}

func (e DocumentEvent) EventType() string { return e.Type }

func (e DocumentEvent) Timestamp() time.Time { return e.At }

func (e DocumentEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"type":       e.Type,
		"session_id": e.SessionID,
		"key":        e.Key,
		"tier":       e.Tier,
		"owner":      e.Owner,
		"slug":       e.Slug,
		"name":       e.Name,
		"at":         e.At.UTC().Format(time.RFC3339Nano),
	}
}

// ParseDocumentEvent rebuilds a DocumentEvent from a decoded payload.
func ParseDocumentEvent(ev Event) DocumentEvent {
	base := BaseEvent{Type: ev.EventType(), Data: ev.Payload(), OccurredAt: ev.Timestamp()}
	out := DocumentEvent{
		Type:      base.String("type"),
		SessionID: base.String("session_id"),
		Key:       base.String("key"),
		Tier:      base.String("tier"),
		Owner:     base.String("owner"),
		Slug:      base.String("slug"),
		Name:      base.String("name"),
		At:        base.Time("at"),
	}
	if out.Type == "" {
		out.Type = ev.EventType()
	}
	return out
}
