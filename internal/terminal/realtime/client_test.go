package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync/internal/common/config"
	"pos-sync/internal/common/logger"
	"pos-sync/internal/domain"
	"pos-sync/internal/microservices/gateway"
	"pos-sync/internal/terminal/queue"
)

type fetcher struct {
	snap  domain.Snapshot
	err   error
	calls atomic.Int32
}

func (f *fetcher) Snapshot(context.Context) (domain.Snapshot, error) {
	f.calls.Add(1)
	return f.snap, f.err
}

func openQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func eventFor(t *testing.T, ch domain.Channel, typ string, v any) domain.GatewayMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return domain.GatewayMessage{Type: domain.MessageEvent, Event: &domain.Event{
		EventID: typ, Channel: ch, Type: typ, Data: raw, TargetRoles: domain.DefaultTargets(ch),
	}}
}

func TestHelloResyncReplacesBase(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t)
	f := &fetcher{snap: domain.Snapshot{
		Tables:          []domain.Table{{ID: "T1", Status: domain.TableReserved, Version: 3}},
		Orders:          []domain.Order{},
		ServerTimestamp: time.Now().UTC(),
	}}
	c, err := New("ws://localhost/ws", []domain.Role{domain.RoleWaitstaff}, f, q, logger.Nop(), 0)
	require.NoError(t, err)

	require.NoError(t, c.Handle(ctx, domain.GatewayMessage{Type: domain.MessageHello}))
	assert.Equal(t, int32(0), f.calls.Load())

	require.NoError(t, c.Handle(ctx, domain.GatewayMessage{Type: domain.MessageHello, Resync: true}))
	assert.Equal(t, int32(1), f.calls.Load())
	table, err := q.ViewTable(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TableReserved, table.Status)

	f.err = errors.New("boom")
	assert.Error(t, c.Handle(ctx, domain.GatewayMessage{Type: domain.MessageHello, Resync: true}))
}

func TestEventsUpdateBaseState(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t)
	c, err := New("ws://localhost/ws", nil, &fetcher{}, q, logger.Nop(), 0)
	require.NoError(t, err)
	var seen []string
	c.OnEvent(func(ev domain.Event) { seen = append(seen, ev.Type) })

	now := time.Now().UTC()
	msgs := []domain.GatewayMessage{
		eventFor(t, domain.ChannelTables, domain.EventTableStatusChanged,
			domain.Table{ID: "T1", Status: domain.TableOccupied, CurrentOrderID: domain.StrPtr("srv-1"), Version: 2, UpdatedAt: now}),
		eventFor(t, domain.ChannelOrders, domain.EventOrderCreated,
			domain.Order{ID: "srv-1", TableID: domain.StrPtr("T1"), Status: domain.OrderPending, Version: 1, CreatedAt: now, UpdatedAt: now}),
		eventFor(t, domain.ChannelKitchen, domain.EventKitchenTicket, map[string]string{"orderId": "srv-1"}),
		{Type: domain.MessageEvent},
	}
	for _, m := range msgs {
		require.NoError(t, c.Handle(ctx, m))
	}
	assert.Equal(t, []string{domain.EventTableStatusChanged, domain.EventOrderCreated, domain.EventKitchenTicket}, seen)

	table, err := q.ViewTable(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", domain.StrVal(table.CurrentOrderID))
	o, err := q.ViewOrder(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, o.Status)

	bad := domain.GatewayMessage{Type: domain.MessageEvent, Event: &domain.Event{
		Channel: domain.ChannelOrders, Type: domain.EventOrderStatusChanged, Data: json.RawMessage(`"nope"`),
	}}
	assert.NoError(t, c.Handle(ctx, bad))
}

func TestRunResyncsAgainstGateway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := gateway.NewHub(8)
	srv := httptest.NewServer(gateway.Router(hub, logger.Nop(), config.Gateway{PingInterval: time.Second}))
	defer srv.Close()

	q := openQueue(t)
	f := &fetcher{snap: domain.Snapshot{Tables: []domain.Table{{ID: "T1", Status: domain.TableAvailable, Version: 1}}, ServerTimestamp: time.Now().UTC()}}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, err := New(url, []domain.Role{domain.RoleWaitstaff}, f, q, logger.Nop(), 50*time.Millisecond)
	require.NoError(t, err)

	got := make(chan domain.Event, 1)
	c.OnEvent(func(ev domain.Event) { got <- ev })

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Connected() && f.calls.Load() == 1 && hub.Count() == 1 },
		3*time.Second, 10*time.Millisecond)

	raw, err := json.Marshal(domain.Table{ID: "T1", Status: domain.TableMaintenance, Version: 2, UpdatedAt: time.Now().UTC()})
	require.NoError(t, err)
	hub.Dispatch(domain.Event{
		EventID: "e1", Channel: domain.ChannelTables, Type: domain.EventTableStatusChanged,
		EntityID: "T1", Data: raw, TargetRoles: domain.DefaultTargets(domain.ChannelTables),
	})
	select {
	case ev := <-got:
		assert.Equal(t, "e1", ev.EventID)
	case <-time.After(3 * time.Second):
		t.Fatal("event not received")
	}
	table, err := q.ViewTable(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TableMaintenance, table.Status)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, c.Connected())
}
