package websocket

import (
	"time"

	"github.com/KevinKickass/OpenTestStand/internal/streaming"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Stand state messages, one per engine event type
	MessageTypeFrame     MessageType = MessageType(streaming.EventFrame)
	MessageTypeValves    MessageType = MessageType(streaming.EventValves)
	MessageTypeMotors    MessageType = MessageType(streaming.EventMotors)
	MessageTypeLog       MessageType = MessageType(streaming.EventLog)
	MessageTypeInterlock MessageType = MessageType(streaming.EventInterlock)
	MessageTypeSequence  MessageType = MessageType(streaming.EventSequence)
	MessageTypeLink      MessageType = MessageType(streaming.EventLink)
	MessageTypeRecording MessageType = MessageType(streaming.EventRecording)
	MessageTypeCommand   MessageType = MessageType(streaming.EventCommand)

	// Sent once after a client is admitted
	MessageTypeSnapshot MessageType = "snapshot"

	// Session messages
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribed  MessageType = "subscribed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// FromEvent wraps an engine event.
func FromEvent(evt streaming.Event) Message {
	return Message{
		Type:      MessageType(evt.Type),
		Timestamp: evt.Time,
		Data:      evt.Data,
	}
}

// clientRequest is a message from the client. With auth enabled the first
// one must be the auth message.
//
//	{"type":"auth","token":"..."}
//	{"type":"subscribe","types":["frame","interlock"]}
//	{"type":"ping"}
type clientRequest struct {
	Type  string        `json:"type"`
	Token string        `json:"token,omitempty"`
	Types []MessageType `json:"types,omitempty"`
}
