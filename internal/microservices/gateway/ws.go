package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pos-sync/internal/common/httpx"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/common/metrics"
	"pos-sync/internal/domain"
)

const (
	writeWait = 7 * time.Second
	readLimit = 1 << 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type WSHandler struct {
	hub          *Hub
	log          *logger.Logger
	pingInterval time.Duration
}

func NewWSHandler(hub *Hub, log *logger.Logger, pingInterval time.Duration) *WSHandler {
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	return &WSHandler{hub: hub, log: log, pingInterval: pingInterval}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
}

func (c *client) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

// ServeHTTP upgrades GET /ws?roles=waitstaff,kitchen and streams matching
// events until either side goes away.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roles, err := domain.ParseRoles(r.URL.Query().Get("roles"))
	if err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "bad_roles", err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}
	sub := h.hub.Subscribe(roles)
	metrics.ConnectionOpened()
	fields := map[string]any{"connection_id": sub.ID, "roles": roles, "remote": r.RemoteAddr}
	h.log.Info("connection_opened", fields)
	defer func() {
		sub.Cancel()
		_ = conn.Close()
		metrics.ConnectionClosed()
		h.log.Info("connection_closed", fields)
	}()

	readWait := 2*h.pingInterval + writeWait
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	if err := c.writeJSON(domain.GatewayMessage{
		Type: domain.MessageHello, ConnectionID: sub.ID, Roles: roles, Resync: true, At: time.Now().UTC(),
	}); err != nil {
		return
	}

	// Terminals send nothing meaningful; reading drives pong and close handling.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-r.Context().Done():
			c.closeWith(websocket.CloseGoingAway, "shutdown")
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					h.log.Warn("slow_consumer_dropped", fields)
					c.closeWith(websocket.ClosePolicyViolation, "slow consumer, resync required")
				} else {
					c.closeWith(websocket.CloseGoingAway, "shutdown")
				}
				return
			}
			if err := c.writeJSON(domain.GatewayMessage{Type: domain.MessageEvent, Event: &ev, At: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}
