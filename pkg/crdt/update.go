package crdt

import (
	"encoding/json"
	"fmt"
)

// ID identifies a single operation across all replicas. Clock is a Lamport
// timestamp, Client breaks ties between concurrent operations.
type ID struct {
	Clock  uint64 `json:"c"`
	Client string `json:"p"`
}

func (id ID) IsZero() bool {
	return id.Clock == 0 && id.Client == ""
}

// Less orders ids by clock, then client.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id ID) String() string {
	return fmt.Sprintf("%d@%s", id.Clock, id.Client)
}

type Kind string

const (
	KindText Kind = "text"
	KindList Kind = "list"
	KindMap  Kind = "map"
)

type OpType string

const (
	OpInsert OpType = "ins"
	OpDelete OpType = "del"
	OpSet    OpType = "set"
)

// Op is one replicated mutation of one field.
type Op struct {
	Field   string          `json:"f"`
	Kind    Kind            `json:"k"`
	Type    OpType          `json:"t"`
	ID      ID              `json:"id"`
	Origin  ID              `json:"o,omitempty"`
	Target  ID              `json:"x,omitempty"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"v,omitempty"`
	Deleted bool            `json:"d,omitempty"`
}

// Update is a batch of operations. Updates are the unit of exchange between
// replicas, local storage and observers.
type Update struct {
	Ops []Op `json:"ops"`
}

func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

func (u Update) Encode() ([]byte, error) {
	return json.Marshal(u)
}

func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if len(data) == 0 {
		return u, nil
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("failed to decode update: %w", err)
	}
	return u, nil
}

// Merge concatenates updates. Applying the result is equivalent to applying
// each input in order.
func Merge(updates ...Update) Update {
	var out Update
	for _, u := range updates {
		out.Ops = append(out.Ops, u.Ops...)
	}
	return out
}
