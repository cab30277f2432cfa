package chat

import (
	"sync"

	"github.com/fenggwsx/ResiChat/internal/protocol"
)

// EventType distinguishes the notifications a Manager delivers to listeners.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventConnectError
	EventDisconnected
	EventMessageReceived
	EventMessageDeleted
	EventPresence
	EventServerError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventConnectError:
		return "connect_error"
	case EventDisconnected:
		return "disconnected"
	case EventMessageReceived:
		return "message_received"
	case EventMessageDeleted:
		return "message_deleted"
	case EventPresence:
		return "presence"
	case EventServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Event is one notification. Only the fields relevant to Type are set.
// Err is set for EventConnectError, and for EventDisconnected when the
// session was lost rather than closed by Disconnect.
type Event struct {
	Type      EventType
	UserID    uint
	ChatID    uint
	MessageID uint
	Online    bool
	Message   *protocol.Message
	Reason    string
	Err       error
}

// Listener receives events in transport arrival order. Listeners run on the
// manager's goroutines and must not block for long. Connect and Disconnect
// must not be called synchronously from a listener.
type Listener func(Event)

type listenerSet struct {
	mu     sync.RWMutex
	nextID int
	order  []int
	byID   map[int]Listener
}

func (s *listenerSet) add(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		s.byID = make(map[int]Listener)
	}
	s.nextID++
	id := s.nextID
	s.byID[id] = l
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *listenerSet) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}
