// Package stream fans quote updates out to dashboard clients over
// WebSocket.
package stream

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dealdeskhq/dealdesk/internal/observ"
	"github.com/dealdeskhq/dealdesk/internal/quote"
)

// Update is one poll cycle's delivery.
type Update struct {
	Quotes map[string]quote.Quote `json:"quotes"`
	At     time.Time              `json:"at"`
}

// Hub distributes updates to connected clients. Slow clients are
// disconnected rather than allowed to back up the broadcaster.
type Hub struct {
	mu   sync.RWMutex
	subs map[int64]chan Update
	seq  atomic.Int64

	upgrader websocket.Upgrader
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[int64]chan Update),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboard origin checks happen at the proxy layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Broadcast delivers an update map to every connected client. Used as
// the subscription manager's update hook.
func (h *Hub) Broadcast(quotes map[string]quote.Quote) {
	update := Update{Quotes: quotes, At: time.Now().UTC()}

	var lagging []int64
	h.mu.RLock()
	for id, ch := range h.subs {
		select {
		case ch <- update:
		default:
			lagging = append(lagging, id)
		}
	}
	h.mu.RUnlock()

	if len(lagging) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range lagging {
		if ch, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
			observ.Log("stream_client_dropped", map[string]any{"id": id, "reason": "lagging"})
		}
	}
	h.mu.Unlock()
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) subscribe() (int64, <-chan Update) {
	id := h.seq.Add(1)
	ch := make(chan Update, 16)

	h.mu.Lock()
	h.subs[id] = ch
	count := len(h.subs)
	h.mu.Unlock()

	observ.SetGauge("stream_clients", float64(count), nil)
	return id, ch
}

func (h *Hub) unsubscribe(id int64) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams updates until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observ.Log("stream_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}

	id, updates := h.subscribe()
	observ.Log("stream_client_connected", map[string]any{"id": id})

	// Reader pump: we ignore client messages but need the read loop to
	// notice closes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.unsubscribe(id)
		_ = conn.Close()
		observ.Log("stream_client_disconnected", map[string]any{"id": id})
	}()

	for {
		select {
		case <-done:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(update); err != nil {
				return
			}
		}
	}
}
