// Package websocket streams ProgressEvents from a running audit to browser
// clients over a persistent connection.
//
// Architecture:
//   - Hub: owns the registered-client set and the per-audit broadcast fan-out
//   - Client: one browser connection, subscribed to exactly one audit_id
//
// Message flow:
//  1. Browser opens a WebSocket to /audits/{id}/stream
//  2. Client registers with the Hub, scoped to that audit_id
//  3. The Runner's event reader calls Hub.BroadcastToAudit as ProgressEvents
//     arrive from the engine's IPC transport
//  4. Hub fans each message out only to clients subscribed to that audit_id
//  5. Client.writePump flushes queued messages to the browser
//
// Concurrency:
//   - Hub.Run() owns all client-set mutations via register/unregister channels
//   - Each Client has its own writePump/readPump goroutine pair
//   - BroadcastToAudit is safe to call concurrently from multiple Runner
//     event readers (one per in-flight audit)
package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veritas-audit/veritas/internal/logger"
)

// Hub maintains the registered client set and fans out per-audit broadcasts.
// Non-goals exclude multi-tenant isolation, so clients are scoped only by
// audit_id, not by organization.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan auditMessage
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

type auditMessage struct {
	auditID string
	payload []byte
}

// Client represents one browser connection, subscribed to a single audit's
// event stream.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	auditID string
}

// NewHub creates a new, unstarted Hub.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan auditMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run owns the client set; call it once in its own goroutine.
func (h *Hub) Run() {
	log := logger.WebSocket()
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Debug().Str("audit_id", client.auditID).Int("clients", len(h.clients)).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Debug().Str("audit_id", client.auditID).Int("clients", len(h.clients)).Msg("client unregistered")
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			var stuck []*Client
			for client := range h.clients {
				if client.auditID != msg.auditID {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					stuck = append(stuck, client)
				}
			}
			h.mu.RUnlock()

			if len(stuck) > 0 {
				h.mu.Lock()
				for _, client := range stuck {
					close(client.send)
					delete(h.clients, client)
				}
				h.mu.Unlock()
			}
		}
	}
}

// BroadcastToAudit sends message to every client subscribed to auditID. A
// full client send buffer marks that client as slow and it is dropped
// rather than blocking the broadcaster (spec §5 "no locks required beyond
// the bus's own").
func (h *Hub) BroadcastToAudit(auditID string, message []byte) {
	h.broadcast <- auditMessage{auditID: auditID, payload: message}
}

// ClientCount returns the number of connected clients across all audits.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// AuditClientCount returns the number of clients currently subscribed to
// auditID.
func (h *Hub) AuditClientCount(auditID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for client := range h.clients {
		if client.auditID == auditID {
			count++
		}
	}
	return count
}

// ServeClient registers conn as a subscriber to auditID's event stream and
// starts its read/write pumps.
func (h *Hub) ServeClient(conn *websocket.Conn, auditID string) {
	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		auditID: auditID,
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	log := logger.WebSocket()
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("audit_id", c.auditID).Msg("websocket read error")
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		// Clients are read-only subscribers; inbound frames are discarded
		// after resetting the deadline above.
	}
}
