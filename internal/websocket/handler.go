// internal/websocket/handler.go
package websocket

import (
	"context"
	"fmt"
	"sync"

	wstypes "authsync-service/internal/domain/websocket"
)

// MessageHandler consumes the input events a device's socket sends, such as
// OTP keystrokes. It finds the device's state through client.DeviceID();
// ctx carries the socket's read-only cookie exchange.
type MessageHandler interface {
	HandleMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) error

	// SupportedEvents are the event types routed to this handler
	SupportedEvents() []wstypes.EventType
}

// HandlerRegistry routes input events to the one handler that claimed them.
// Events nobody claimed fall through to the client's built-ins (ping,
// subscribe).
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[wstypes.EventType]MessageHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[wstypes.EventType]MessageHandler),
	}
}

// Register claims handler's events. Two handlers claiming the same event is
// a wiring bug and panics.
func (r *HandlerRegistry) Register(handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, eventType := range handler.SupportedEvents() {
		if prev, ok := r.handlers[eventType]; ok && prev != handler {
			panic(fmt.Sprintf("websocket: event %q already has a handler", eventType))
		}
		r.handlers[eventType] = handler
	}
}

func (r *HandlerRegistry) GetHandler(eventType wstypes.EventType) (MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, exists := r.handlers[eventType]
	return handler, exists
}
