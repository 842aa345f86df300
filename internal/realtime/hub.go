package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"tripbook/internal/booking"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Hub pushes operator alerts to connected WebSocket clients.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	upgrader    websocket.Upgrader
	mu          sync.Mutex
}

// NewHub constructs a Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte, 16),
	}
}

// Run processes register/unregister/broadcast events until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients reports how many clients are connected.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Publish broadcasts an operator alert as JSON.
func (h *Hub) Publish(ctx context.Context, alert booking.OperatorAlert) error {
	payload := struct {
		Type string `json:"type"`
		booking.OperatorAlert
	}{Type: "operator_alert", OperatorAlert: alert}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case h.Broadcast <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeWS upgrades an operator connection and keeps it registered until the
// client goes away. Clients only receive; inbound frames are discarded.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case h.Register <- conn:
	case <-r.Context().Done():
		conn.Close()
		return
	}
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	select {
	case h.Unregister <- conn:
	case <-r.Context().Done():
	}
}
