// internal/websocket/hub.go
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"authsync-service/internal/domain/auth"
	wstypes "authsync-service/internal/domain/websocket"
	"authsync-service/internal/otp"
)

type Hub struct {
	// Registered clients by device ID
	clients map[string]map[*Client]bool
	mu      sync.RWMutex

	// Registration/unregistration
	Register   chan *Client
	unregister chan *Client

	// Broadcasting
	broadcast chan *BroadcastMessage

	// Handler registry for modular message handling
	handlerRegistry *HandlerRegistry

	// onConnect lets the owner replay current state to a fresh socket
	onConnect func(*Client)

	logger *zap.Logger
	done   chan struct{}
}

type BroadcastMessage struct {
	DeviceIDs []string
	Channel   wstypes.ChannelType
	Message   *wstypes.WSMessage
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:         make(map[string]map[*Client]bool),
		Register:        make(chan *Client),
		unregister:      make(chan *Client),
		broadcast:       make(chan *BroadcastMessage, 256),
		handlerRegistry: NewHandlerRegistry(),
		logger:          logger,
		done:            make(chan struct{}),
	}
}

// RegisterHandler registers a message handler
func (h *Hub) RegisterHandler(handler MessageHandler) {
	h.handlerRegistry.Register(handler)
}

// OnConnect sets a callback run after a client is registered. Set it
// before Run.
func (h *Hub) OnConnect(fn func(*Client)) {
	h.onConnect = fn
}

// HandleClientMessage processes a message from a client using registered handlers
func (h *Hub) HandleClientMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) (bool, error) {
	// Check if there's a handler for this event type
	handler, exists := h.handlerRegistry.GetHandler(msg.Type)
	if !exists {
		return false, nil // Will be handled by client's default handler
	}

	// Delegate to the appropriate handler
	return true, handler.HandleMessage(ctx, client, msg)
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.BroadcastMessage(msg)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if h.clients[client.deviceID] == nil {
		h.clients[client.deviceID] = make(map[*Client]bool)
	}
	h.clients[client.deviceID][client] = true
	total := h.totalClients()
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		zap.String("device_id", client.deviceID),
		zap.Int("total", total))

	// Send welcome message
	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, map[string]interface{}{
		"device_id": client.deviceID,
		"channels":  wstypes.DefaultChannels,
	}))

	if h.onConnect != nil {
		h.onConnect(client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[client.deviceID]; ok {
		if _, exists := clients[client]; exists {
			delete(clients, client)
			client.Close()

			if len(clients) == 0 {
				delete(h.clients, client.deviceID)
			}

			h.logger.Info("websocket client disconnected",
				zap.String("device_id", client.deviceID),
				zap.Int("total", h.totalClients()))
		}
	}
}

// requestUnregister never blocks the caller, which may be the Run loop itself
func (h *Hub) requestUnregister(client *Client) {
	go func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	}()
}

func (h *Hub) BroadcastMessage(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if msg.DeviceIDs == nil {
		// Broadcast to all
		for _, clients := range h.clients {
			for client := range clients {
				if client.IsSubscribed(msg.Channel) {
					client.SendMessage(msg.Message)
				}
			}
		}
		return
	}

	// Broadcast to specific devices
	for _, deviceID := range msg.DeviceIDs {
		if clients, ok := h.clients[deviceID]; ok {
			for client := range clients {
				if client.IsSubscribed(msg.Channel) {
					client.SendMessage(msg.Message)
				}
			}
		}
	}
}

func (h *Hub) enqueue(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) GetConnectedClients(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[deviceID]; ok {
		return len(clients)
	}
	return 0
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalClients()
}

// Public methods for broadcasting

// BroadcastView pushes the synchronizer's latest triple to a device
func (h *Hub) BroadcastView(deviceID string, view auth.View) {
	h.enqueue(&BroadcastMessage{
		DeviceIDs: []string{deviceID},
		Channel:   wstypes.ChannelAuth,
		Message:   ViewMessage(view),
	})
}

// BroadcastOTPState pushes the OTP challenge snapshot to a device
func (h *Hub) BroadcastOTPState(deviceID string, state otp.State) {
	h.enqueue(&BroadcastMessage{
		DeviceIDs: []string{deviceID},
		Channel:   wstypes.ChannelOTP,
		Message:   OTPMessage(state),
	})
}

// ViewMessage builds an auth:view event; token material never leaves the server
func ViewMessage(view auth.View) *wstypes.WSMessage {
	return wstypes.NewMessage(wstypes.EventTypeAuthView, auth.NewViewResponse(view))
}

func OTPMessage(state otp.State) *wstypes.WSMessage {
	return wstypes.NewMessage(wstypes.EventTypeOTPState, state)
}

// IsDeviceConnected checks if a device has any active connections
func (h *Hub) IsDeviceConnected(deviceID string) bool {
	return h.GetConnectedClients(deviceID) > 0
}

// DisconnectDevice forcefully disconnects all sockets of a device
func (h *Hub) DisconnectDevice(deviceID string, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[deviceID]; ok {
		// Send disconnect message to all clients
		disconnectMsg := wstypes.NewMessage(wstypes.EventTypeDisconnected, map[string]interface{}{
			"reason": reason,
		})

		for client := range clients {
			client.SendMessage(disconnectMsg)
			client.Close()
		}

		delete(h.clients, deviceID)
		h.logger.Info("disconnected all clients for device",
			zap.String("device_id", deviceID),
			zap.String("reason", reason))
	}
}

func (h *Hub) totalClients() int {
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
	}
	h.clients = make(map[string]map[*Client]bool)
}
