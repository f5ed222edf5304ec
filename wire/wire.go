// Package wire defines the message envelope shared with the assistant server.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType classifies a message envelope.
type MessageType string

const (
	TypeChat         MessageType = "Chat"
	TypeVoiceData    MessageType = "VoiceData"
	TypeStatusUpdate MessageType = "StatusUpdate"
	TypeError        MessageType = "Error"
	TypePing         MessageType = "Ping"
	TypePong         MessageType = "Pong"
)

// Known reports whether t is one of the defined message types.
func (t MessageType) Known() bool {
	switch t {
	case TypeChat, TypeVoiceData, TypeStatusUpdate, TypeError, TypePing, TypePong:
		return true
	}
	return false
}

// Message is the JSON envelope carried over the session connection.
// Binary voice frames bypass the envelope entirely and are written as
// raw websocket binary messages.
type Message struct {
	Type      MessageType     `json:"message_type"`
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Transcription is the structured payload of a server-to-client VoiceData
// envelope.
type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	DurationMs int     `json:"duration_ms,omitempty"`
}

// Status is the payload of a StatusUpdate envelope.
type Status struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo is the payload of an Error envelope.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func New(t MessageType, sessionID, userID string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return Message{
		Type:      t,
		SessionID: sessionID,
		UserID:    userID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewChat builds a Chat envelope carrying a plain text payload.
func NewChat(sessionID, userID, text string) Message {
	m, _ := New(TypeChat, sessionID, userID, text)
	return m
}

func NewPing(sessionID, userID string) Message {
	m, _ := New(TypePing, sessionID, userID, struct{}{})
	return m
}

func NewPong(sessionID, userID string) Message {
	m, _ := New(TypePong, sessionID, userID, struct{}{})
	return m
}

// Encode serializes the envelope for the wire.
func Encode(m Message) ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Decode parses a received envelope. Unknown message types decode without
// error; the transport routes them to its catch-all observer.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("envelope missing message_type")
	}
	return m, nil
}

// Text extracts a plain string payload. Returns "" when the payload is not
// a JSON string.
func (m Message) Text() string {
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return ""
	}
	return s
}

// DecodeData unmarshals the payload into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s envelope has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}
