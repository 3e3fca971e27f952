package persistence

import (
	"sync"
	"time"

	"collab-editor-be/internal/pkg/logger"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateSynced       ConnectionState = "synced"
	StateOffline      ConnectionState = "offline"
	StateError        ConnectionState = "error"
)

// transitions lists the legal moves of the connection state machine. Any
// state may also go back to disconnected when the channel is detached.
var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateOffline, StateError},
	StateConnected:    {StateSynced, StateOffline, StateError},
	StateSynced:       {StateOffline, StateError},
	StateOffline:      {StateConnecting},
	StateError:        {},
}

func canTransition(from, to ConnectionState) bool {
	if to == StateDisconnected {
		return from != StateDisconnected
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type StateChange struct {
	From   ConnectionState
	To     ConnectionState
	Reason string
	At     time.Time
}

// StateStream fans state changes out to subscribers. One stream can outlive
// many coordinators, so a UI subscribes once for the whole process.
type StateStream struct {
	log logger.ILogger

	mu     sync.Mutex
	subs   map[int]chan StateChange
	nextID int
}

func NewStateStream(log logger.ILogger) *StateStream {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &StateStream{log: log, subs: make(map[int]chan StateChange)}
}

// Subscribe returns a buffered channel of changes and a func that closes it.
func (s *StateStream) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 64)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *StateStream) publish(change StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- change:
		default:
			s.log.Warn("Persistence", "Dropping state change for slow subscriber", map[string]interface{}{
				"subscriber": id,
				"to":         string(change.To),
			})
		}
	}
}
