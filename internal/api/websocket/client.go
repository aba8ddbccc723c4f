package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenTestStand/internal/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the dashboard is served from other origins on the stand network
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	id         uuid.UUID
	hub        *Hub
	conn       *websocket.Conn
	remoteAddr string
	logger     *zap.Logger

	// send is owned by the hub and closed on unregister
	send chan []byte
	// control carries replies to this client only and is never closed
	control chan []byte
	kick    chan struct{}
	kickOne sync.Once

	registered bool
	principal  auth.Principal

	mu     sync.RWMutex
	filter map[MessageType]bool
}

// wants reports whether the client subscribed to msgType. No filter means all.
func (c *Client) wants(msgType MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter == nil || c.filter[msgType]
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		if c.registered {
			select {
			case c.hub.unregister <- c:
			case <-c.hub.done:
			}
			return
		}
		c.stop()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if !c.hub.authService.Enabled() {
		c.principal, _ = c.hub.authService.ValidateToken("")
		if !c.admit() {
			return
		}
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}

	for {
		var req clientRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr))
			}
			return
		}

		// First message MUST be authentication
		if !c.registered {
			if req.Type != "auth" || req.Token == "" {
				c.reply(MessageTypeAuthFailed, failure("First message must be authentication"))
				return
			}

			principal, err := c.hub.authService.ValidateToken(req.Token)
			if err != nil {
				c.logger.Warn("WebSocket authentication failed",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr))
				c.reply(MessageTypeAuthFailed, failure("Invalid or expired token"))
				return
			}

			c.principal = principal
			c.conn.SetReadDeadline(time.Time{}) // Remove deadline
			c.reply(MessageTypeAuthSuccess, principal)
			c.logger.Info("WebSocket client authenticated",
				zap.String("remote_addr", c.remoteAddr),
				zap.String("principal", principal.Name))

			if !c.admit() {
				return
			}
			continue
		}

		c.handleMessage(req)
	}
}

func failure(reason string) map[string]string {
	return map[string]string{"reason": reason}
}

// admit sends the initial snapshot and registers the client with the hub.
func (c *Client) admit() bool {
	if c.hub.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snap, err := c.hub.snapshots.SnapshotView(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("Failed to load snapshot for client", zap.Error(err))
		} else {
			c.reply(MessageTypeSnapshot, snap)
		}
	}

	select {
	case c.hub.register <- c:
		c.registered = true
		return true
	case <-c.hub.done:
		return false
	}
}

func (c *Client) handleMessage(req clientRequest) {
	switch req.Type {
	case "ping":
		c.reply(MessageTypePong, nil)

	case "subscribe":
		c.mu.Lock()
		if len(req.Types) == 0 {
			c.filter = nil
		} else {
			c.filter = make(map[MessageType]bool, len(req.Types))
			for _, t := range req.Types {
				c.filter[t] = true
			}
		}
		c.mu.Unlock()
		c.reply(MessageTypeSubscribed, req.Types)

	default:
		c.logger.Debug("Ignoring client message",
			zap.String("remote_addr", c.remoteAddr),
			zap.String("type", req.Type))
	}
}

// reply queues a message for this client only.
func (c *Client) reply(msgType MessageType, data interface{}) {
	payload, err := json.Marshal(NewMessage(msgType, data))
	if err != nil {
		c.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	select {
	case c.control <- payload:
	default:
		c.logger.Warn("Client control buffer full, reply dropped",
			zap.String("message_type", string(msgType)))
	}
}

// stop ends the write pump of a client that never reached the hub.
func (c *Client) stop() {
	c.kickOne.Do(func() { close(c.kick) })
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.control:
			if !c.write(message) {
				return
			}

		case <-c.kick:
			// flush pending replies such as auth_failed
			for {
				select {
				case message := <-c.control:
					if !c.write(message) {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}

		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(message) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message) == nil
}

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		id:         uuid.New(),
		hub:        hub,
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		send:       make(chan []byte, sendBufferSize),
		control:    make(chan []byte, 16),
		kick:       make(chan struct{}),
		logger:     hub.logger, // <- Logger vom Hub übernehmen
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}
