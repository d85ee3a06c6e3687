package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wcfbridge/pkg/event"
)

const (
	hubClientBuffer  = 64
	hubWriteTimeout  = 5 * time.Second
	hubMaxReadLength = 4 << 10
)

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *hubClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Hub broadcasts events to websocket subscribers connected on /ws. A client
// that cannot keep up is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:     log.With("component", "forward.hub"),
		clients: make(map[*hubClient]struct{}),
	}
}

func (h *Hub) Name() string { return "hub" }

func (h *Hub) Mode() Mode { return ModeFireAndForget }

// ServeHTTP upgrades the request and holds the subscriber until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, hubClientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("Subscriber connected", "remote", r.RemoteAddr, "subscribers", count)
	go client.writePump()

	conn.SetReadLimit(hubMaxReadLength)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	h.remove(client)
	h.log.Info("Subscriber disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) remove(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) Deliver(_ context.Context, ev event.NormalizedEvent) error {
	data, err := json.Marshal(pushMessage{Event: string(ev.Kind), Data: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	// Sends happen under the read lock so remove never closes a channel
	// mid-send.
	var slow []*hubClient
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("Subscriber too slow, disconnecting")
		h.remove(c)
	}
	return nil
}

// Subscribers is the number of connected websocket clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}
