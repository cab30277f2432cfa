package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType enumerates the named events carried over the realtime transport.
type EventType string

const (
	// Client to server. authenticate is only used by the framed TCP transport,
	// where there is no handshake to carry the token.
	EventAuthenticate  EventType = "authenticate"
	EventUserOnline    EventType = "userOnline"
	EventUserOffline   EventType = "userOffline"
	EventJoinChat      EventType = "joinChat"
	EventOutChat       EventType = "outChat"
	EventSendMessage   EventType = "sendMessage"
	EventDeleteMessage EventType = "deleteMessage"

	// Server to client.
	EventReceiveMessage EventType = "receiveMessage"
	EventMessageDeleted EventType = "messageDeleted"
	EventUserStatus     EventType = "userStatus"
	EventError          EventType = "error"
)

// ErrEmptyPayload is returned when an envelope that requires a payload carries none.
var ErrEmptyPayload = errors.New("payload empty")

// Envelope wraps every payload sent over the wire.
type Envelope struct {
	ID        string      `json:"id"`
	Event     EventType   `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// AuthenticatePayload is the first frame on a framed TCP connection.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// PresencePayload announces a user going online or offline.
type PresencePayload struct {
	UserID uint `json:"userId"`
	Online bool `json:"online"`
}

// RoomPayload carries the chat targeted by joinChat and outChat.
type RoomPayload struct {
	ChatID uint `json:"chatId"`
}

// SendMessagePayload carries a composed message and its target chat.
type SendMessagePayload struct {
	ChatID  uint    `json:"chatId"`
	Message Message `json:"message"`
}

// DeleteMessagePayload carries a delete intent, and is echoed back as messageDeleted.
type DeleteMessagePayload struct {
	ChatID    uint `json:"chatId"`
	MessageID uint `json:"messageId"`
}

// ErrorPayload reports a rejected client event.
type ErrorPayload struct {
	ReferenceID string `json:"referenceId,omitempty"`
	Reason      string `json:"reason"`
}

// DecodePayload converts a loosely typed payload, as produced by json decoding
// into interface{}, into the concrete payload type.
func DecodePayload(payload interface{}, out interface{}) error {
	if payload == nil {
		return ErrEmptyPayload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
