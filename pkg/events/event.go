package events

import "time"

// Event is anything published on the document event stream.
type Event interface {
	EventType() string
	Payload() map[string]interface{}
	Timestamp() time.Time
}

// BaseEvent is an event read back off the stream: a type plus its decoded
// JSON payload.
type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string               { return e.Type }
func (e BaseEvent) Payload() map[string]interface{} { return e.Data }
func (e BaseEvent) Timestamp() time.Time            { return e.OccurredAt }

// String reads a string field of the payload, "" when absent.
func (e BaseEvent) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Time reads an RFC 3339 field of the payload, falling back to OccurredAt.
func (e BaseEvent) Time(key string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, e.String(key)); err == nil {
		return t
	}
	return e.OccurredAt
}
