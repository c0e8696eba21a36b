package protocol

import (
	"encoding/json"
	"time"
)

// WebSocket timing constants.
const (
	// WSWriteWait is the time allowed to write a message.
	WSWriteWait = 30 * time.Second

	// WSPongWait is the time to wait for a pong response.
	WSPongWait = 15 * time.Second

	// WSPingPeriod is how often to send pings (must be < PongWait).
	WSPingPeriod = 5 * time.Second

	// WSMaxMessageSize is the maximum message size in bytes (8MB).
	// A full games list for a large library stays well below this.
	WSMaxMessageSize = 8 * 1024 * 1024

	// WSHandshakeTimeout bounds the dial and hello exchange.
	WSHandshakeTimeout = 10 * time.Second
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Connection management
	MsgTypeHubHello   MessageType = "hub_hello"   // Hub → Host: handshake
	MsgTypeHostStatus MessageType = "host_status" // Host → Hub: handshake response

	MsgTypeRequest  MessageType = "request"  // Hub → Host: invoke a command
	MsgTypeResponse MessageType = "response" // Host → Hub: command result
	MsgTypeEvent    MessageType = "event"    // Host → Hub: push notification
	MsgTypeError    MessageType = "error"    // Host → Hub: command failure
)

// Command names understood by the host. They are sent verbatim.
const (
	CmdGetInstalledGames = "get_installed_games"
	CmdRefreshGamesList  = "refresh_games_list"
	CmdCheckGameUpdates  = "check_game_updates"
	CmdUpdateGame        = "update_game"
	CmdGetSettings       = "get_settings"
	CmdUpdateSettings    = "update_settings"
	CmdSelectDirectory   = "select_directory"
)

// Argument keys. The host matches them literally.
const (
	ArgGameID = "gameId"
	ArgUpdate = "update"
)

// Event channels pushed by the host.
const (
	ChannelUpdateProgress = "update-progress"
)

// WSError represents an error in a WebSocket message.
type WSError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Message is the envelope for all WebSocket communication.
type Message struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WSError        `json:"error,omitempty"`
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(id string, msgType MessageType, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Message{ID: id, Type: msgType, Payload: raw}, nil
}

// ParsePayload unmarshals the payload into the given type.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// NewErrorMessage creates an error response message.
func NewErrorMessage(id string, code int, message string) *Message {
	return &Message{
		ID:   id,
		Type: MsgTypeError,
		Error: &WSError{
			Code:    code,
			Message: message,
		},
	}
}

// Reply creates a response message for this request.
func (m *Message) Reply(payload any) (*Message, error) {
	return NewMessage(m.ID, MsgTypeResponse, payload)
}

// ReplyError creates an error response for this request.
func (m *Message) ReplyError(code int, message string) *Message {
	return NewErrorMessage(m.ID, code, message)
}

// Common WebSocket error codes.
const (
	WSErrCodeBadRequest     = 400
	WSErrCodeNotFound       = 404
	WSErrCodeCancelled      = 499
	WSErrCodeInternal       = 500
	WSErrCodeNotImplemented = 501
)

// Connection payloads

// HubHelloRequest is sent when the hub connects to the host.
type HubHelloRequest struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform,omitempty"`
}

// HostStatusResponse is the host's response to the hello.
type HostStatusResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

// Request payloads

// InvokeRequest names a host command and its argument bag.
type InvokeRequest struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// EventEnvelope wraps a push payload with the channel it belongs to.
type EventEnvelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// NewInvokeMessage builds a request envelope for a command.
func NewInvokeMessage(id, command string, args map[string]any) (*Message, error) {
	return NewMessage(id, MsgTypeRequest, InvokeRequest{Command: command, Args: args})
}

// NewEventMessage builds a push event for a channel.
func NewEventMessage(id, channel string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return NewMessage(id, MsgTypeEvent, EventEnvelope{Channel: channel, Payload: data})
}
