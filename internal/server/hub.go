package server

import (
	"sync"

	"github.com/fenggwsx/ResiChat/internal/protocol"
)

// RoomHub tracks the sessions connected to this node and the chat room each
// one has joined.
type RoomHub struct {
	mu       sync.RWMutex
	rooms    map[uint]map[string]*clientSession
	sessions map[string]*clientSession
}

// NewRoomHub initializes an empty hub.
func NewRoomHub() *RoomHub {
	return &RoomHub{
		rooms:    make(map[uint]map[string]*clientSession),
		sessions: make(map[string]*clientSession),
	}
}

// Attach registers a live session.
func (h *RoomHub) Attach(s *clientSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

// Detach removes a session and its room membership.
func (h *RoomHub) Detach(s *clientSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.id)
	for chatID, members := range h.rooms {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

// Join subscribes s to chatID.
func (h *RoomHub) Join(chatID uint, s *clientSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[chatID]
	if !ok {
		members = make(map[string]*clientSession)
		h.rooms[chatID] = members
	}
	members[s.id] = s
}

// Leave unsubscribes s from chatID if present.
func (h *RoomHub) Leave(chatID uint, s *clientSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[chatID]; ok {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

// Members returns the number of sessions in chatID.
func (h *RoomHub) Members(chatID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// Broadcast queues env for every member of chatID. Sessions whose queue is
// full miss the event.
func (h *RoomHub) Broadcast(chatID uint, env protocol.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, s := range h.rooms[chatID] {
		if s.trySend(env) {
			delivered++
		}
	}
	return delivered
}

// BroadcastAll queues env for every attached session.
func (h *RoomHub) BroadcastAll(env protocol.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, s := range h.sessions {
		if s.trySend(env) {
			delivered++
		}
	}
	return delivered
}
