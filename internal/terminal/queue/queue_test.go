package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync/internal/domain"
)

func openQueue(t *testing.T, path string) *Queue {
	t.Helper()
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newQueue(t *testing.T) *Queue {
	t.Helper()
	return openQueue(t, filepath.Join(t.TempDir(), "queue.db"))
}

func createPayload(table string) domain.CreateOrderPayload {
	p := domain.CreateOrderPayload{
		Items:       []domain.OrderItem{{MenuItemID: "margherita", Quantity: 1, UnitPrice: decimal.RequireFromString("15.99")}},
		TotalAmount: decimal.RequireFromString("15.99"),
	}
	if table != "" {
		p.TableID = domain.StrPtr(table)
	}
	return p
}

func TestEnqueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := Open(path)
	require.NoError(t, err)
	device := q.DeviceID()
	require.Len(t, device, 8)

	id1, err := q.Enqueue(ctx, domain.KindCreateOrder, createPayload(""))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, domain.KindUpdateOrderStatus, domain.UpdateOrderStatusPayload{OrderID: id1, Status: domain.OrderPreparing})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("local:%s:1", device), id1)
	assert.Equal(t, fmt.Sprintf("local:%s:2", device), id2)
	require.NoError(t, q.Close())

	q = openQueue(t, path)
	assert.Equal(t, device, q.DeviceID())
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].LocalID)
	assert.Equal(t, id2, pending[1].LocalID)
	assert.True(t, pending[0].Seq < pending[1].Seq)

	id3, err := q.Enqueue(ctx, domain.KindCreateOrder, createPayload(""))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("local:%s:3", device), id3)
}

func TestLocalIDsAreNeverReused(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	id1, err := q.Enqueue(ctx, domain.KindCreateOrder, createPayload(""))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, id1))
	_, err = q.AckRejected(ctx, id1, domain.Conflict(domain.ConflictPriceMismatch, "stale"))
	require.NoError(t, err)

	id2, err := q.Enqueue(ctx, domain.KindCreateOrder, createPayload(""))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.True(t, strings.HasSuffix(id2, ":2"))
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	_, err := newQueue(t).Enqueue(context.Background(), domain.MutationKind("DeleteOrder"), struct{}{})
	assert.ErrorIs(t, err, domain.ErrMalformed)
}

func TestMarkInFlightIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path)
	require.NoError(t, err)

	id1, err := q.Enqueue(ctx, domain.KindCreateOrder, createPayload(""))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, domain.KindCreateOrder, createPayload(""))
	require.NoError(t, err)

	require.NoError(t, q.MarkInFlight(ctx, id1))
	assert.ErrorIs(t, q.MarkInFlight(ctx, id1), domain.ErrInFlight)
	assert.ErrorIs(t, q.MarkInFlight(ctx, "local:nope:1"), domain.ErrNotFound)

	batch, err := q.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, id2, batch[0].LocalID)

	pending, inFlight, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	assert.Equal(t, 1, inFlight)
	require.NoError(t, q.Close())

	// a crash while in flight leaves the row sendable after restart
	q = openQueue(t, path)
	batch, err = q.PeekBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestNackRecordsAttempt(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	id, err := q.Enqueue(ctx, domain.KindCreateOrder, createPayload(""))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, id))

	next := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, q.Nack(ctx, id, errors.New("dial tcp: refused"), next))

	m, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, m.InFlight)
	assert.Equal(t, 1, m.Attempts)
	assert.Equal(t, "dial tcp: refused", m.LastError)
	assert.True(t, next.Equal(m.NextAttemptAt))

	require.NoError(t, q.MarkInFlight(ctx, id))
	require.NoError(t, q.Release(ctx, id))
	m, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, m.InFlight)
	assert.Equal(t, 1, m.Attempts)

	require.NoError(t, q.Ack(ctx, id))
	_, err = q.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func serverTable(id string, status domain.TableStatus, order string, version int64) domain.Table {
	t := domain.Table{ID: id, Status: status, Version: version, UpdatedAt: time.Now().UTC()}
	if order != "" {
		t.CurrentOrderID = domain.StrPtr(order)
	}
	return t
}

func TestEnqueueUpdatesProjection(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.ApplyServerTable(ctx, serverTable("T1", domain.TableAvailable, "", 1))
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, domain.KindCreateOrder, createPayload("T1"))
	require.NoError(t, err)

	table, err := q.ViewTable(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TableOccupied, table.Status)
	assert.Equal(t, id, domain.StrVal(table.CurrentOrderID))

	order, err := q.ViewOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)
	assert.Equal(t, domain.OrderDineIn, order.Type)

	_, err = q.Enqueue(ctx, domain.KindUpdateOrderStatus, domain.UpdateOrderStatusPayload{OrderID: id, Status: domain.OrderServed})
	require.NoError(t, err)
	table, err = q.ViewTable(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TableAvailable, table.Status)

	view, err := q.View(ctx)
	require.NoError(t, err)
	assert.Len(t, view.Tables, 1)
	require.Len(t, view.Orders, 1)
	assert.Equal(t, domain.OrderServed, view.Orders[0].Status)
}

func TestAckAppliedRewritesLocalReferences(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.ApplyServerTable(ctx, serverTable("T1", domain.TableAvailable, "", 1))
	require.NoError(t, err)

	create, err := q.Enqueue(ctx, domain.KindCreateOrder, createPayload("T1"))
	require.NoError(t, err)
	update, err := q.Enqueue(ctx, domain.KindUpdateOrderStatus, domain.UpdateOrderStatusPayload{OrderID: create, Status: domain.OrderPreparing})
	require.NoError(t, err)

	require.NoError(t, q.MarkInFlight(ctx, create))
	now := time.Now().UTC()
	n, err := q.AckApplied(ctx, create, domain.MutationResponse{
		Accepted: true,
		ServerID: "srv-1",
		Order: &domain.Order{
			ID: "srv-1", TableID: domain.StrPtr("T1"), Type: domain.OrderDineIn, Status: domain.OrderPending,
			Version: 1, CreatedAt: now, UpdatedAt: now,
		},
		Table: &domain.Table{ID: "T1", Status: domain.TableOccupied, CurrentOrderID: domain.StrPtr("srv-1"), Version: 2, UpdatedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSynced, n.Outcome)
	assert.Equal(t, "srv-1", n.ServerID)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, update, pending[0].LocalID)
	p, err := domain.DecodePayload[domain.UpdateOrderStatusPayload](pending[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", p.OrderID)
	assert.Empty(t, LocalRefs(pending[0]))

	_, err = q.ViewOrder(ctx, create)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	order, err := q.ViewOrder(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPreparing, order.Status)
	table, err := q.ViewTable(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", domain.StrVal(table.CurrentOrderID))
}

func TestAckRejectedRollsBackAndRetries(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	_, err := q.ApplyServerTable(ctx, serverTable("T1", domain.TableAvailable, "", 1))
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, domain.KindCreateOrder, createPayload("T1"))
	require.NoError(t, err)
	n, err := q.AckRejected(ctx, id, domain.Conflict(domain.ConflictTableUnavailable, "table T1 is occupied"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, n.Outcome)
	assert.Equal(t, domain.ConflictTableUnavailable, n.Code)

	table, err := q.ViewTable(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TableAvailable, table.Status)
	view, err := q.View(ctx)
	require.NoError(t, err)
	assert.Empty(t, view.Orders)

	notices, err := q.Notices(ctx, 10)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, id, notices[0].LocalID)
	assert.Equal(t, "table T1 is occupied", notices[0].Reason)
	assert.NotEmpty(t, notices[0].Payload)

	retried, err := q.RetryRejected(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, retried)
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, retried, pending[0].LocalID)
	assert.JSONEq(t, string(notices[0].Payload), string(pending[0].Payload))

	_, err = q.RetryRejected(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	notices, err = q.Notices(ctx, 10)
	require.NoError(t, err)
	assert.True(t, notices[0].Retried)
}

func TestApplyServerStateIsVersionIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	changed, err := q.ApplyServerTable(ctx, serverTable("T1", domain.TableReserved, "", 2))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = q.ApplyServerTable(ctx, serverTable("T1", domain.TableAvailable, "", 1))
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = q.ApplyServerTable(ctx, serverTable("T1", domain.TableMaintenance, "", 2))
	require.NoError(t, err)
	assert.False(t, changed)

	table, err := q.ViewTable(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TableReserved, table.Status)

	changed, err = q.ApplyServerTable(ctx, serverTable("T1", domain.TableAvailable, "", 3))
	require.NoError(t, err)
	assert.True(t, changed)

	order := domain.Order{ID: "srv-1", Status: domain.OrderReady, Version: 3, UpdatedAt: time.Now().UTC()}
	changed, err = q.ApplyServerOrder(ctx, order)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = q.ApplyServerOrder(ctx, order)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReplaceBaseDropsVanishedEntities(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	snapAt := time.Now().UTC()

	old := domain.Order{ID: "served-long-ago", Status: domain.OrderReady, Version: 2, UpdatedAt: snapAt.Add(-time.Hour)}
	fresh := domain.Order{ID: "just-created", Status: domain.OrderPending, Version: 1, UpdatedAt: snapAt.Add(time.Second)}
	for _, o := range []domain.Order{old, fresh} {
		_, err := q.ApplyServerOrder(ctx, o)
		require.NoError(t, err)
	}

	require.NoError(t, q.ReplaceBase(ctx, domain.Snapshot{
		Tables:          []domain.Table{serverTable("T1", domain.TableAvailable, "", 5)},
		Orders:          []domain.Order{},
		ServerTimestamp: snapAt,
	}))

	_, err := q.ViewOrder(ctx, old.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = q.ViewOrder(ctx, fresh.ID)
	assert.NoError(t, err)
	table, err := q.ViewTable(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), table.Version)
}

func serverOrder(id string, status domain.OrderStatus, version int64) domain.Order {
	now := time.Now().UTC()
	return domain.Order{ID: id, Type: domain.OrderTakeaway, Status: status, Version: version, CreatedAt: now, UpdatedAt: now}
}

func TestSettledOrdersLeaveBase(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	_, err := q.ApplyServerOrder(ctx, serverOrder("srv-1", domain.OrderReady, 3))
	require.NoError(t, err)
	changed, err := q.ApplyServerOrder(ctx, serverOrder("srv-1", domain.OrderServed, 4))
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = q.ViewOrder(ctx, "srv-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// a redelivered older event must not bring it back
	changed, err = q.ApplyServerOrder(ctx, serverOrder("srv-1", domain.OrderReady, 3))
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = q.ViewOrder(ctx, "srv-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// still referenced by queued work, so it stays until that work settles
	update, err := q.Enqueue(ctx, domain.KindUpdateOrderStatus, domain.UpdateOrderStatusPayload{OrderID: "srv-2", Status: domain.OrderReady})
	require.NoError(t, err)
	_, err = q.ApplyServerOrder(ctx, serverOrder("srv-2", domain.OrderCancelled, 2))
	require.NoError(t, err)
	_, err = q.ViewOrder(ctx, "srv-2")
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, update))
	_, err = q.ViewOrder(ctx, "srv-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// tombstones expire with the next snapshot past their lifetime
	require.NoError(t, q.ReplaceBase(ctx, domain.Snapshot{ServerTimestamp: time.Now().Add(tombstoneTTL + time.Hour)}))
	changed, err = q.ApplyServerOrder(ctx, serverOrder("srv-1", domain.OrderReady, 3))
	require.NoError(t, err)
	assert.True(t, changed)
}
