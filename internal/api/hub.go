package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gridwatch/internal/alerting"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32

	// DefaultAlertHistory is how many recent alerts the hub retains.
	DefaultAlertHistory = 200
)

// Message is the envelope pushed to websocket clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 将告警推送给所有 websocket 客户端，并保留最近的告警供 HTTP 查询。
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	limit    int

	mu      sync.Mutex
	clients map[*client]struct{}
	history []alerting.Alert
	closed  bool
}

// NewHub constructs a Hub retaining up to history alerts.
func NewHub(history int, logger zerolog.Logger) *Hub {
	if history <= 0 {
		history = DefaultAlertHistory
	}
	return &Hub{
		logger: logger.With().Str("component", "ws_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limit:   history,
		clients: make(map[*client]struct{}),
	}
}

// Notify records the alert and broadcasts it. Slow clients are disconnected.
func (h *Hub) Notify(_ context.Context, a alerting.Alert) error {
	msg, err := json.Marshal(Message{Type: "alert", Payload: a})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, a)
	if over := len(h.history) - h.limit; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client too slow, dropping")
			h.dropLocked(c)
		}
	}
	return nil
}

// Alerts returns up to limit retained alerts, newest first. limit <= 0 returns all.
func (h *Hub) Alerts(limit int) []alerting.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]alerting.Alert, 0, n)
	for i := len(h.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.history[i])
	}
	return out
}

// Clients reports the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams alerts until the client goes away.
// The retained history is sent first as a single "history" message.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	snapshot := make([]alerting.Alert, 0, len(h.history))
	for i := len(h.history) - 1; i >= 0; i-- {
		snapshot = append(snapshot, h.history[i])
	}
	if msg, err := json.Marshal(Message{Type: "history", Payload: snapshot}); err == nil {
		c.send <- msg
	}
	h.mu.Unlock()

	h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")
	go h.writePump(c)
	h.readPump(c)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

// readPump only watches for close frames and pongs; clients do not send commands.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug().Err(err).Msg("websocket write failed")
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

var _ alerting.Notifier = (*Hub)(nil)
