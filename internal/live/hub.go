// Package live streams session notifications to admin dashboards over
// WebSocket.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/shopdesk/internal/session"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Frame is one message written to a subscriber.
type Frame struct {
	Type  string    `json:"type"`
	Event string    `json:"event,omitempty"`
	Data  any       `json:"data,omitempty"`
	At    time.Time `json:"at"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans notifications out to connected subscribers. Each subscriber gets
// the current status snapshot on connect. Subscribers that fall behind are
// disconnected rather than slowing the session down.
type Hub struct {
	snapshot       func() any
	allowedOrigins []string
	logger         *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

// NewHub creates a hub. snapshot is called for every new subscriber.
func NewHub(snapshot func() any, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		snapshot:       snapshot,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		subs:           make(map[string]*subscriber),
	}
}

// Observe implements session.Observer.
func (h *Hub) Observe(n session.Notification) error {
	data, err := json.Marshal(Frame{Type: "event", Event: n.Event, Data: n.Data, At: n.At})
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", n.Event, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		select {
		case sub.send <- data:
		default:
			h.logger.Warn("Dropping slow event subscriber", "subscriber_id", id)
			h.removeLocked(id, websocket.StatusPolicyViolation, "too slow")
		}
	}
	return nil
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id := range h.subs {
		h.removeLocked(id, websocket.StatusGoingAway, "server shutting down")
	}
}

// ServeHTTP upgrades the request and streams frames until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}

	id := uuid.NewString()
	sub := &subscriber{conn: ws, send: make(chan []byte, sendBuffer)}
	if !h.register(id, sub) {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unregister(id, sub)

	// The dashboard never sends anything; CloseRead handles control frames
	// and cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	if err := h.writeJSON(ctx, ws, Frame{Type: "snapshot", Data: h.snapshot(), At: time.Now().UTC()}); err != nil {
		h.logger.Debug("Failed to send snapshot", "subscriber_id", id, "error", err)
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case data, ok := <-sub.send:
			if !ok {
				return
			}
			if err := h.write(ctx, ws, data); err != nil {
				h.logger.Debug("WebSocket write error", "subscriber_id", id, "error", err)
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.Debug("WebSocket ping failed", "subscriber_id", id, "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) register(id string, sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[id] = sub
	h.logger.Info("Event subscriber registered", "subscriber_id", id, "subscribers", len(h.subs))
	return true
}

func (h *Hub) unregister(id string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.subs[id]; ok && current == sub {
		h.removeLocked(id, websocket.StatusNormalClosure, "stream ended")
	}
}

func (h *Hub) removeLocked(id string, code websocket.StatusCode, reason string) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.send)
	go func() { _ = sub.conn.Close(code, reason) }()
	h.logger.Info("Event subscriber unregistered", "subscriber_id", id, "reason", reason)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	// Same-origin dashboard served by this process.
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func (h *Hub) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.write(ctx, ws, data)
}

func (h *Hub) write(ctx context.Context, ws *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
