// Package hub broadcasts job-state snapshots to connected WebSocket clients.
package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jhopark/pdf-reducer/models"
)

const (
	// Per-client outbox size. A client that falls this far behind is
	// dropped rather than allowed to block the broadcast loop.
	sendBufferSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// SnapshotFunc returns the current state of every job for late joiners.
type SnapshotFunc func() []*models.Job

// Hub fans job updates out to all connected clients. Register, unregister
// and broadcast are serialized by a single run loop, so a new client always
// receives its initial snapshot before any update published after it joined,
// and updates for one job are enqueued per connection in publish order.
type Hub struct {
	snapshot SnapshotFunc
	logger   *zap.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
}

// NewHub creates a hub. snapshot provides the initial_jobs payload for new
// connections.
func NewHub(snapshot SnapshotFunc, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		snapshot:   snapshot,
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run processes hub events until Close is called. Call in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.sendInitialJobs(client)
			h.logger.Info("websocket client connected", zap.Int("clients", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.logger.Info("websocket client disconnected", zap.Int("clients", len(h.clients)))
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client: drop it so everyone else keeps up.
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("dropping slow websocket client")
				}
			}
		}
	}
}

// Close shuts the hub down and disconnects all clients
func (h *Hub) Close() {
	close(h.done)
}

// Publish broadcasts a job_update event for the given job snapshot. It never
// blocks the caller: when the hub is saturated the event is dropped.
func (h *Hub) Publish(job *models.Job) {
	payload, err := json.Marshal(map[string]any{
		"type": "job_update",
		"job":  job,
	})
	if err != nil {
		h.logger.Error("failed to marshal job update", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast buffer full, dropping update", zap.String("job_id", job.ID))
	}
}

func (h *Hub) sendInitialJobs(client *Client) {
	jobs := []*models.Job{}
	if h.snapshot != nil {
		jobs = h.snapshot()
	}
	payload, err := json.Marshal(map[string]any{
		"type": "initial_jobs",
		"jobs": jobs,
	})
	if err != nil {
		h.logger.Error("failed to marshal initial jobs", zap.Error(err))
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

// Client is one WebSocket connection registered with the hub
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewClient wraps an upgraded connection and registers it with the hub
func NewClient(h *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	select {
	case h.register <- client:
	case <-h.done:
	}
	return client
}

// Start launches the read and write pumps for the connection
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump discards inbound messages and detects disconnects
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the outbox to the connection and keeps it alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
