// v1
// internal/live/hub.go
package live

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nrgchamp/optimizer/internal/models"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Update is the frame pushed to websocket clients.
type Update struct {
	Type    string                   `json:"type"`
	Payload models.OptimizationState `json:"payload"`
}

type client struct {
	id     string
	filter string
	send   chan Update
}

// Hub fans optimization state changes out to websocket subscribers. Slow
// clients drop frames rather than block the pipeline.
type Hub struct {
	lg       *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(lg *slog.Logger) *Hub {
	return &Hub{
		lg:       lg.With(slog.String("component", "live")),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[string]*client),
	}
}

// Notify implements the lifecycle notifier.
func (h *Hub) Notify(st models.OptimizationState) {
	u := Update{Type: "optimization_status", Payload: st}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.filter != "" && c.filter != st.ID {
			continue
		}
		select {
		case c.send <- u:
		default:
			h.lg.Warn("live_frame_dropped", "client", c.id, "optimizationId", st.ID)
		}
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request. "?id=" restricts the stream to one
// optimization.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lg.Warn("websocket_upgrade_error", "error", err)
		return
	}
	c := &client{id: uuid.NewString(), filter: r.URL.Query().Get("id"), send: make(chan Update, clientBuffer)}
	h.add(c)
	h.lg.Info("live_client_connected", "client", c.id, "filter", c.filter)

	done := make(chan struct{})
	go h.writeLoop(conn, c, done)
	h.readLoop(conn, c)
	close(done)
	h.remove(c.id)
	_ = conn.Close()
	h.lg.Info("live_client_disconnected", "client", c.id)
}

// readLoop only drains control frames; clients do not send data.
func (h *Hub) readLoop(conn *websocket.Conn, c *client) {
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.lg.Warn("websocket_read_error", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case u := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(u); err != nil {
				h.lg.Warn("websocket_write_error", "client", c.id, "error", err)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}
