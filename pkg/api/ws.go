package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

const (
	writeWait      = 10 * time.Second
	clientBuffer   = 64
	maxMessageSize = 1024
)

// wsMessage wraps a lifecycle event with its subject for stream consumers.
type wsMessage struct {
	Subject string `json:"subject"`
	Event   any    `json:"event"`
	Time    int64  `json:"time"`
}

// EventHub streams lifecycle events to WebSocket subscribers. It implements
// perps.EventSink; slow clients are dropped rather than blocking settlement.
type EventHub struct {
	upgrader websocket.Upgrader
	logger   log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewEventHub creates an event hub.
func NewEventHub(logger log.Logger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Publish implements perps.EventSink.
func (h *EventHub) Publish(subject string, event any) {
	msg := wsMessage{
		Subject: subject,
		Event:   event,
		Time:    time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode ws event", "subject", subject, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- data:
		default:
			// Client too slow, drop it.
			close(send)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()

	go h.writePump(conn, send)
	go h.readPump(conn)
}

func (h *EventHub) writePump(conn *websocket.Conn, send chan []byte) {
	for data := range send {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(conn)
			return
		}
	}
}

// readPump discards client messages; the stream is one-way. It exists to
// notice the peer closing.
func (h *EventHub) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *EventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		close(send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}

// Close disconnects all clients.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		close(send)
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]chan []byte)
}
