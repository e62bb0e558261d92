package notify

import (
	"context"
	"io"
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
	subscriberSize = 64
)

type subscriber struct {
	tenantID string
	ch       chan Notification
	closed   chan struct{}
}

// Hub relays notifications to websocket subscribers of the same tenant.
// Callers authorize the subscription before handing the request to ServeWS.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Hub{
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Hub) Notify(ctx context.Context, n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[n.TenantID] {
		select {
		case sub.ch <- n:
		default:
			h.logger.Warn("notification dropped", "tenant_id", n.TenantID, "command_id", n.CommandID)
		}
	}
}

// Subscribers returns the number of live subscribers for a tenant.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}

// CloseTenant disconnects every subscriber of a tenant and returns how many
// there were. Used when the tenant is purged.
func (h *Hub) CloseTenant(tenantID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[tenantID]
	for sub := range set {
		close(sub.closed)
	}
	delete(h.subs, tenantID)
	return len(set)
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.tenantID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sub.tenantID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.tenantID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.tenantID)
	}
}

// ServeWS upgrades the request and streams tenantID's notifications until
// the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "tenant_id", tenantID, "error", err)
		return
	}
	sub := &subscriber{tenantID: tenantID, ch: make(chan Notification, subscriberSize), closed: make(chan struct{})}
	h.add(sub)
	defer h.remove(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-sub.closed:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tenant purged")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case n := <-sub.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				h.logger.Warn("websocket write failed", "tenant_id", tenantID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
