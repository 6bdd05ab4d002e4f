// Package stream fans alert and position events out to websocket clients.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Message is the envelope written to every client.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Hub maintains the set of connected clients and broadcasts to them.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*Client]struct{}
	done    chan struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, sendBuffer),
		clients:    make(map[*Client]struct{}),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("stream_client_registered", "remote_addr", c.remoteAddr())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("stream_client_unregistered", "remote_addr", c.remoteAddr())

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client.
					h.logger.Warn("stream_client_dropped", "remote_addr", c.remoteAddr())
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues payload for every client under the given message type.
// It never blocks; when the hub is backed up the message is dropped.
func (h *Hub) Broadcast(kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(Message{Type: kind, Payload: body, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return ErrClosed
	default:
		h.logger.Warn("stream_broadcast_dropped", "type", kind)
		return ErrBackedUp
	}
}

// ServeHTTP upgrades the connection and attaches a client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream_upgrade_failed", "error", err)
		return
	}
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
