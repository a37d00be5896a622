// Package realtime keeps the terminal's server-confirmed base state current
// from the gateway's WebSocket stream.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pos-sync/internal/common/logger"
	"pos-sync/internal/domain"
)

type Fetcher interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
}

// Store is where confirmed server state lands.
type Store interface {
	ReplaceBase(ctx context.Context, snap domain.Snapshot) error
	ApplyServerOrder(ctx context.Context, o domain.Order) (bool, error)
	ApplyServerTable(ctx context.Context, t domain.Table) (bool, error)
}

type Client struct {
	url       string
	fetch     Fetcher
	store     Store
	log       *logger.Logger
	reconnect time.Duration
	dialer    *websocket.Dialer

	connected atomic.Bool
	onEvent   func(domain.Event)
}

func New(gatewayURL string, roles []domain.Role, fetch Fetcher, store Store, log *logger.Logger, reconnect time.Duration) (*Client, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	q := u.Query()
	q.Set("roles", strings.Join(names, ","))
	u.RawQuery = q.Encode()

	if reconnect <= 0 {
		reconnect = 3 * time.Second
	}
	return &Client{
		url:       u.String(),
		fetch:     fetch,
		store:     store,
		log:       log,
		reconnect: reconnect,
		dialer:    &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}, nil
}

// OnEvent registers fn to see every event after it has been applied. Set
// it before Run.
func (c *Client) OnEvent(fn func(domain.Event)) { c.onEvent = fn }

func (c *Client) Connected() bool { return c.connected.Load() }

// Run keeps a session open, reconnecting after every failure, until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("gateway_disconnected", map[string]any{"error": errString(err), "retry_in": c.reconnect.String()})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	c.connected.Store(true)
	c.log.Info("gateway_connected", map[string]any{"url": c.url})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg domain.GatewayMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("gateway_message_undecodable", map[string]any{"error": err.Error()})
			continue
		}
		if err := c.Handle(ctx, msg); err != nil {
			return err
		}
	}
}

// Handle applies one gateway message. A hello with Resync set replaces the
// base state with a fresh snapshot; an event updates one entity if it is
// newer than what the terminal holds.
func (c *Client) Handle(ctx context.Context, msg domain.GatewayMessage) error {
	switch msg.Type {
	case domain.MessageHello:
		if !msg.Resync {
			return nil
		}
		snap, err := c.fetch.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("resync snapshot: %w", err)
		}
		if err := c.store.ReplaceBase(ctx, snap); err != nil {
			return fmt.Errorf("resync replace base: %w", err)
		}
		c.log.Info("resynced", map[string]any{
			"connection_id": msg.ConnectionID, "tables": len(snap.Tables), "orders": len(snap.Orders),
		})
		return nil

	case domain.MessageEvent:
		if msg.Event == nil {
			return nil
		}
		ev := *msg.Event
		applied, err := c.apply(ctx, ev)
		if err != nil {
			return err
		}
		c.log.Debug("event_received", map[string]any{
			"event_id": ev.EventID, "type": ev.Type, "channel": ev.Channel, "entity_id": ev.EntityID, "applied": applied,
		})
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
	return nil
}

func (c *Client) apply(ctx context.Context, ev domain.Event) (bool, error) {
	switch {
	case ev.Channel == domain.ChannelTables && ev.Type == domain.EventTableStatusChanged:
		var t domain.Table
		if err := json.Unmarshal(ev.Data, &t); err != nil {
			c.log.Warn("event_undecodable", map[string]any{"event_id": ev.EventID, "error": err.Error()})
			return false, nil
		}
		return c.store.ApplyServerTable(ctx, t)

	case ev.Channel == domain.ChannelOrders:
		var o domain.Order
		if err := json.Unmarshal(ev.Data, &o); err != nil {
			c.log.Warn("event_undecodable", map[string]any{"event_id": ev.EventID, "error": err.Error()})
			return false, nil
		}
		return c.store.ApplyServerOrder(ctx, o)
	}
	// Kitchen tickets carry no versioned entity.
	return false, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
