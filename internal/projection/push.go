package projection

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Hub pushes snapshot updates to connected dashboards over WebSocket, so
// clients don't need to poll — the same role the teacher's
// internal/websocket hub plays for monitor state, grounded on its
// broadcast-to-all-clients pattern but simplified to periodic snapshot
// push instead of event-driven broadcast.
type Hub struct {
	proj *Projection

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates a push hub over proj. The upgrader sets no CheckOrigin, so
// gorilla/websocket's default applies: a request whose Origin header names
// a different host than the request's Host is refused.
func NewHub(proj *Projection) *Hub {
	return &Hub{
		proj:     proj,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		clients:  map[*websocket.Conn]struct{}{},
	}
}

// ServeHTTP upgrades the connection and registers it for pushes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("projection: websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go h.readUntilClosed(conn)
}

// readUntilClosed drains (and discards) client frames so the connection's
// read deadline doesn't stall; dashboards are push-only consumers here.
func (h *Hub) readUntilClosed(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Run periodically pushes a fresh snapshot to every connected client until
// ctx is canceled.
func (h *Hub) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context) {
	snap, err := h.proj.Snapshot(ctx)
	if err != nil {
		log.Error().Err(err).Msg("projection: snapshot for push failed")
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("projection: marshal snapshot for push failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Debug().Err(err).Msg("projection: push failed, dropping client")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}
