// internal/domain/websocket/types.go
package websocket

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType represents different real-time event types
type EventType string

const (
	// Connection events
	EventTypePing         EventType = "ping"
	EventTypePong         EventType = "pong"
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeError        EventType = "error"

	// Auth state (server -> client)
	EventTypeAuthView EventType = "auth:view"

	// OTP challenge (server -> client)
	EventTypeOTPState EventType = "otp:state"

	// OTP input (client -> server)
	EventTypeOTPDigit     EventType = "otp:digit"
	EventTypeOTPBackspace EventType = "otp:backspace"
	EventTypeOTPPaste     EventType = "otp:paste"
	EventTypeOTPResend    EventType = "otp:resend"

	// Subscription events
	EventTypeSubscribe   EventType = "subscribe"
	EventTypeUnsubscribe EventType = "unsubscribe"
)

// WSMessage is the universal message format
type WSMessage struct {
	Type      EventType              `json:"type"`
	Data      interface{}            `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id,omitempty"` // For message tracking/acknowledgment
}

// Subscription channels that clients can subscribe to
type ChannelType string

const (
	ChannelAuth   ChannelType = "auth"
	ChannelOTP    ChannelType = "otp"
	ChannelSystem ChannelType = "system"
)

// DefaultChannels are joined on connect
var DefaultChannels = []ChannelType{ChannelAuth, ChannelOTP, ChannelSystem}

// SubscribeRequest sent by client to subscribe to specific channels
type SubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

// UnsubscribeRequest sent by client to unsubscribe from channels
type UnsubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

// ErrorData for error events
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// OTPDigitData enters (or with an empty digit clears) one slot
type OTPDigitData struct {
	Index int    `json:"index"`
	Digit string `json:"digit"`
}

// OTPPasteData fills slots from a pasted code
type OTPPasteData struct {
	Code string `json:"code"`
}

// Helper to create messages
func NewMessage(eventType EventType, data interface{}) *WSMessage {
	return &WSMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		ID:        ulid.Make().String(),
	}
}

func (m *WSMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return &msg, err
}
