package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/auth"
	"github.com/KevinKickass/OpenTestStand/internal/streaming"
)

// SnapshotProvider supplies the state a new client starts from.
type SnapshotProvider interface {
	SnapshotView(ctx context.Context) (any, error)
}

type outbound struct {
	msgType MessageType
	data    []byte
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Logger
	logger *zap.Logger

	//Auth Service
	authService *auth.AuthService

	// Snapshot provider (optional)
	snapshots SnapshotProvider

	// Closed when Run returns
	done chan struct{}
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, authService *auth.AuthService) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		broadcast:   make(chan Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		clients:     make(map[*Client]bool),
		done:        make(chan struct{}),
		logger:      logger,
		authService: authService,
	}
}

// SetSnapshotProvider sets the snapshot provider
func (h *Hub) SetSnapshotProvider(provider SnapshotProvider) {
	h.snapshots = provider
}

// Run starts the hub's main event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("client_id", client.id.String()),
				zap.String("remote_addr", client.remoteAddr),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("client_id", client.id.String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message",
					zap.String("message_type", string(message.Type)),
					zap.Error(err))
				continue
			}
			h.fanOut(outbound{msgType: message.Type, data: data})
		}
	}
}

func (h *Hub) fanOut(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.wants(msg.msgType) {
			continue
		}
		select {
		case client.send <- msg.data:
			// Message sent successfully
		default:
			// Client send channel full - unregister slow/dead client
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn("Client send buffer full, unregistering",
				zap.String("client_id", client.id.String()))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
		// Message queued for broadcast
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// Observe forwards engine events to all clients.
func (h *Hub) Observe(evt streaming.Event) {
	h.Broadcast(FromEvent(evt))
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
