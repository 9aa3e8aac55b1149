package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"openlcs/controller/internal/registry"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development, configure for production
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	pingInterval   = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// Client represents one WebSocket subscriber.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub
}

// Hub fans connection events and uplink frames out to WebSocket clients.
// Only the Run goroutine closes client channels.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	natsConn   *nats.Conn
	sub        *nats.Subscription
	quit       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub. nc may be nil to skip the uplink frame stream.
func NewHub(nc *nats.Conn) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		natsConn:   nc,
		quit:       make(chan struct{}),
	}
}

// Run starts the hub's event loop.
func (h *Hub) Run() {
	if h.natsConn != nil {
		sub, err := h.natsConn.Subscribe("lcs.uplink.frame", func(msg *nats.Msg) {
			data, err := json.Marshal(map[string]interface{}{
				"type": "frame",
				"data": json.RawMessage(msg.Data),
			})
			if err != nil {
				log.Printf("[WS] Failed to marshal frame broadcast: %v", err)
				return
			}
			h.broadcast <- data
		})
		if err != nil {
			log.Printf("[WS] Failed to subscribe to NATS: %v", err)
		} else {
			h.mu.Lock()
			h.sub = sub
			h.mu.Unlock()
			log.Println("[WS] Hub started, subscribed to uplink frames")
		}
	}

	for {
		select {
		case <-h.quit:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] Client connected: %s, total clients: %d", client.ID, n)

		case client := <-h.unregister:
			h.drop(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.Send <- message:
				default:
					// Client send buffer is full; drop it here rather than
					// sending on unregister, which only this loop consumes.
					h.drop(client)
				}
			}
		}
	}
}

// drop removes a client and closes its send channel. Must only be called
// from the Run goroutine.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.Send)
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[WS] Client disconnected: %s, total clients: %d", client.ID, n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.Send)
		if client.Conn != nil {
			client.Conn.Close()
		}
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

// Stop shuts the hub down: the Run loop closes every client and exits.
// Idempotent and safe from any goroutine.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.RLock()
		sub := h.sub
		h.mu.RUnlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		close(h.quit)
	})
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastEvent queues a connection lifecycle event for all clients.
// Never blocks, so it is safe to call from the reactor goroutine.
func (h *Hub) BroadcastEvent(ev registry.Event) {
	data, err := json.Marshal(map[string]interface{}{
		"type": "event",
		"data": ev,
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// ReadPump drains the client until it disconnects.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.quit:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Client %s read error: %v", c.ID, err)
			}
			break
		}
	}
}

// WritePump handles outgoing messages to the client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWS upgrades the request and registers the client with the hub.
func (h *Hub) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] Failed to upgrade connection: %v", err)
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	client := &Client{
		ID:   clientID,
		Conn: conn,
		Send: make(chan []byte, 256),
		Hub:  h,
	}
	select {
	case h.register <- client:
	case <-h.quit:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()

	welcome := map[string]interface{}{
		"type":      "connected",
		"client_id": clientID,
	}
	if data, err := json.Marshal(welcome); err == nil {
		select {
		case client.Send <- data:
		default:
		}
	}
}
