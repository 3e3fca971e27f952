package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDocumentEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	in := DocumentEvent{Type: DocumentSaved, SessionID: "s1", Key: "remote:alice/post", Tier: "networked", Owner: "alice", Slug: "post", At: at}

	// what a subscriber sees after the JSON round trip
	payload := map[string]interface{}{}
	for k, v := range in.Payload() {
		payload[k] = v
	}
	got := ParseDocumentEvent(BaseEvent{Type: "events." + DocumentSaved, Data: payload, OccurredAt: time.Now()})

	assert.Equal(t, in, got)
}

func TestParseDocumentEventFallsBackToSubject(t *testing.T) {
	got := ParseDocumentEvent(BaseEvent{Type: DocumentClosed, Data: map[string]interface{}{}})
	assert.Equal(t, DocumentClosed, got.Type)
	assert.Empty(t, got.Owner)
}
