package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync/internal/common/logger"
	"pos-sync/internal/domain"
	"pos-sync/internal/microservices/statemachine/collaborators"
	"pos-sync/internal/microservices/statemachine/repository"
)

type fixture struct {
	store   *repository.MemoryStore
	machine *Machine
	commits atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	for _, tb := range []domain.Table{
		{ID: "T1", Status: domain.TableAvailable, Capacity: 4},
		{ID: "T2", Status: domain.TableAvailable, Capacity: 2},
	} {
		require.NoError(t, store.SeedTable(ctx, tb))
	}
	catalog := collaborators.NewStatic([]collaborators.MenuItem{
		{ID: "margherita", Name: "Margherita", Price: decimal.RequireFromString("15.99")},
		{ID: "lemonade", Name: "Lemonade", Price: decimal.RequireFromString("3.00")},
	}, map[string]int{"T1": 4, "T2": 2}, []string{"cust-1"})

	f := &fixture{store: store}
	f.machine = NewMachine(store, catalog, logger.Nop(), WithCommitHook(func() { f.commits.Add(1) }))
	return f
}

func (f *fixture) apply(t *testing.T, token string, kind domain.MutationKind, payload any) domain.MutationResponse {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := f.machine.Apply(context.Background(), domain.MutationRequest{
		IdempotencyToken: token, Kind: kind, Payload: raw, Origin: "test-device",
	})
	require.NoError(t, err)
	return resp
}

func dineIn(table string) domain.CreateOrderPayload {
	return domain.CreateOrderPayload{
		TableID:     domain.StrPtr(table),
		Items:       []domain.OrderItem{{MenuItemID: "margherita", Quantity: 2}},
		TotalAmount: decimal.RequireFromString("31.98"),
		Guests:      2,
	}
}

func eventTypes(evs []domain.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, string(ev.Channel)+"/"+ev.Type)
	}
	return out
}

func requireConflict(t *testing.T, resp domain.MutationResponse, code domain.ConflictCode) {
	t.Helper()
	require.False(t, resp.Accepted)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, code, resp.Conflict.Code, resp.Conflict.Reason)
}

func TestCreateOrderOccupiesTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.apply(t, "local:dev:1", domain.KindCreateOrder, dineIn("T1"))
	require.True(t, resp.Accepted)
	require.NotEmpty(t, resp.ServerID)
	require.NotNil(t, resp.Order)
	assert.Equal(t, domain.OrderPending, resp.Order.Status)
	assert.Equal(t, domain.OrderDineIn, resp.Order.Type)
	assert.Equal(t, "Margherita", resp.Order.Items[0].Name)

	table, err := f.store.GetTable(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TableOccupied, table.Status)
	assert.Equal(t, resp.ServerID, domain.StrVal(table.CurrentOrderID))
	assert.Equal(t, int64(2), table.Version)

	assert.Equal(t, []string{
		"table-updates/table.status_changed",
		"order-updates/order.created",
		"kitchen-updates/kitchen.ticket",
	}, eventTypes(f.store.PendingEvents()))
	assert.Equal(t, int32(1), f.commits.Load())

	timeline, err := f.machine.Timeline(ctx, resp.ServerID)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, "test-device", timeline[0].ChangedBy)
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first := f.apply(t, "local:dev:1", domain.KindCreateOrder, dineIn("T1"))
	require.True(t, first.Accepted)
	events := len(f.store.PendingEvents())

	second := f.apply(t, "local:dev:1", domain.KindCreateOrder, dineIn("T1"))
	assert.True(t, second.Accepted)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ServerID, second.ServerID)
	assert.Len(t, f.store.PendingEvents(), events)

	snap, err := f.store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Orders, 1)
}

func TestRejectedTokenReplaysRejection(t *testing.T) {
	f := newFixture(t)

	p := dineIn("T1")
	p.TotalAmount = decimal.RequireFromString("10.00")
	first := f.apply(t, "local:dev:1", domain.KindCreateOrder, p)
	requireConflict(t, first, domain.ConflictPriceMismatch)

	again := f.apply(t, "local:dev:1", domain.KindCreateOrder, dineIn("T1"))
	assert.True(t, again.Duplicate)
	requireConflict(t, again, domain.ConflictPriceMismatch)
}

func TestConcurrentCreatesOnOneTable(t *testing.T) {
	f := newFixture(t)

	const n = 16
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, _ := json.Marshal(dineIn("T1"))
			resp, err := f.machine.Apply(context.Background(), domain.MutationRequest{
				IdempotencyToken: fmt.Sprintf("local:dev%d:1", i), Kind: domain.KindCreateOrder, Payload: raw,
			})
			if err == nil && resp.Accepted {
				accepted.Add(1)
			} else if err == nil {
				assert.Equal(t, domain.ConflictTableUnavailable, resp.Conflict.Code)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	orders, err := f.store.TableOrders(context.Background(), "T1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestCreateVersusMaintenance(t *testing.T) {
	t.Run("maintenance first", func(t *testing.T) {
		f := newFixture(t)
		resp := f.apply(t, "a:1", domain.KindUpdateTableStatus, domain.UpdateTableStatusPayload{TableID: "T1", Status: domain.TableMaintenance})
		require.True(t, resp.Accepted)
		requireConflict(t, f.apply(t, "b:1", domain.KindCreateOrder, dineIn("T1")), domain.ConflictTableUnavailable)
	})
	t.Run("create first", func(t *testing.T) {
		f := newFixture(t)
		require.True(t, f.apply(t, "b:1", domain.KindCreateOrder, dineIn("T1")).Accepted)
		resp := f.apply(t, "a:1", domain.KindUpdateTableStatus, domain.UpdateTableStatusPayload{TableID: "T1", Status: domain.TableMaintenance})
		requireConflict(t, resp, domain.ConflictTableBusy)

		table, err := f.store.GetTable(context.Background(), "T1")
		require.NoError(t, err)
		assert.Equal(t, domain.TableOccupied, table.Status)
	})
}

func TestStaleBackwardTransitionRejected(t *testing.T) {
	f := newFixture(t)
	created := f.apply(t, "k:1", domain.KindCreateOrder, dineIn("T1"))
	require.True(t, created.Accepted)

	ready := f.apply(t, "k:2", domain.KindUpdateOrderStatus, domain.UpdateOrderStatusPayload{OrderID: created.ServerID, Status: domain.OrderReady})
	require.True(t, ready.Accepted)
	assert.Equal(t, int64(2), ready.Order.Version)

	stale := f.apply(t, "w:1", domain.KindUpdateOrderStatus, domain.UpdateOrderStatusPayload{OrderID: created.ServerID, Status: domain.OrderPreparing})
	requireConflict(t, stale, domain.ConflictInvalidTransition)

	o, err := f.store.GetOrder(context.Background(), created.ServerID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderReady, o.Status)
}

func TestServingFreesTable(t *testing.T) {
	f := newFixture(t)
	created := f.apply(t, "k:1", domain.KindCreateOrder, dineIn("T1"))
	before := len(f.store.PendingEvents())

	served := f.apply(t, "k:2", domain.KindUpdateOrderStatus, domain.UpdateOrderStatusPayload{OrderID: created.ServerID, Status: domain.OrderServed})
	require.True(t, served.Accepted)
	require.NotNil(t, served.Table)
	assert.Equal(t, domain.TableAvailable, served.Table.Status)
	assert.Nil(t, served.Table.CurrentOrderID)

	assert.Equal(t, []string{
		"order-updates/order.status_changed",
		"kitchen-updates/order.status_changed",
		"table-updates/table.status_changed",
	}, eventTypes(f.store.PendingEvents()[before:]))

	// the freed table takes a new order
	require.True(t, f.apply(t, "k:3", domain.KindCreateOrder, dineIn("T1")).Accepted)
}

func TestSameStatusIsNoop(t *testing.T) {
	f := newFixture(t)
	created := f.apply(t, "k:1", domain.KindCreateOrder, dineIn("T1"))
	before := len(f.store.PendingEvents())

	resp := f.apply(t, "k:2", domain.KindUpdateOrderStatus, domain.UpdateOrderStatusPayload{OrderID: created.ServerID, Status: domain.OrderPending})
	require.True(t, resp.Accepted)
	assert.Equal(t, int64(1), resp.Order.Version)

	resp = f.apply(t, "k:3", domain.KindUpdateTableStatus, domain.UpdateTableStatusPayload{TableID: "T2", Status: domain.TableAvailable})
	require.True(t, resp.Accepted)
	assert.Len(t, f.store.PendingEvents(), before)
}

func TestReleaseIntent(t *testing.T) {
	for _, tc := range []struct {
		intent domain.ReleaseIntent
		want   domain.OrderStatus
	}{
		{domain.ReleaseCancel, domain.OrderCancelled},
		{domain.ReleaseComplete, domain.OrderServed},
	} {
		t.Run(string(tc.intent), func(t *testing.T) {
			f := newFixture(t)
			created := f.apply(t, "k:1", domain.KindCreateOrder, dineIn("T1"))

			resp := f.apply(t, "k:2", domain.KindUpdateTableStatus, domain.UpdateTableStatusPayload{TableID: "T1", Status: domain.TableAvailable})
			requireConflict(t, resp, domain.ConflictIntentRequired)

			resp = f.apply(t, "k:3", domain.KindUpdateTableStatus, domain.UpdateTableStatusPayload{
				TableID: "T1", Status: domain.TableAvailable, ReleaseIntent: tc.intent,
			})
			require.True(t, resp.Accepted)
			assert.Equal(t, domain.TableAvailable, resp.Table.Status)
			require.NotNil(t, resp.Order)
			assert.Equal(t, tc.want, resp.Order.Status)

			o, err := f.store.GetOrder(context.Background(), created.ServerID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, o.Status)
		})
	}
}

func TestOccupiedOnlyThroughOrder(t *testing.T) {
	f := newFixture(t)
	resp := f.apply(t, "k:1", domain.KindUpdateTableStatus, domain.UpdateTableStatusPayload{TableID: "T1", Status: domain.TableOccupied})
	requireConflict(t, resp, domain.ConflictOccupyViaOrder)

	resp = f.apply(t, "k:2", domain.KindUpdateTableStatus, domain.UpdateTableStatusPayload{TableID: "T9", Status: domain.TableReserved})
	requireConflict(t, resp, domain.ConflictUnknownTable)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)

	unknownItem := dineIn("T1")
	unknownItem.Items = []domain.OrderItem{{MenuItemID: "sushi", Quantity: 1}}
	requireConflict(t, f.apply(t, "v:1", domain.KindCreateOrder, unknownItem), domain.ConflictUnknownMenuItem)

	crowd := dineIn("T2")
	crowd.Guests = 5
	requireConflict(t, f.apply(t, "v:2", domain.KindCreateOrder, crowd), domain.ConflictCapacityExceeded)

	stranger := dineIn("T1")
	stranger.CustomerRef = "cust-404"
	requireConflict(t, f.apply(t, "v:3", domain.KindCreateOrder, stranger), domain.ConflictUnknownCustomer)

	empty := dineIn("T1")
	empty.Items = nil
	requireConflict(t, f.apply(t, "v:4", domain.KindCreateOrder, empty), domain.ConflictInvalidPayload)

	unresolved := dineIn("local:dev:9")
	requireConflict(t, f.apply(t, "v:5", domain.KindCreateOrder, unresolved), domain.ConflictInvalidPayload)

	missing := dineIn("T9")
	requireConflict(t, f.apply(t, "v:6", domain.KindCreateOrder, missing), domain.ConflictUnknownTable)

	assert.Empty(t, f.store.PendingEvents())
}

func TestTakeawayHoldsNoTable(t *testing.T) {
	f := newFixture(t)
	resp := f.apply(t, "t:1", domain.KindCreateOrder, domain.CreateOrderPayload{
		Items:       []domain.OrderItem{{MenuItemID: "lemonade", Quantity: 3}},
		TotalAmount: decimal.RequireFromString("9"),
		CustomerRef: "cust-1",
	})
	require.True(t, resp.Accepted)
	assert.Equal(t, domain.OrderTakeaway, resp.Order.Type)
	assert.Nil(t, resp.Order.TableID)
	assert.Nil(t, resp.Table)
	assert.Equal(t, []string{"order-updates/order.created", "kitchen-updates/kitchen.ticket"}, eventTypes(f.store.PendingEvents()))
}

func TestMalformedRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Apply(context.Background(), domain.MutationRequest{
		IdempotencyToken: "m:1", Kind: domain.KindCreateOrder, Payload: json.RawMessage(`{"items":"nope"}`),
	})
	require.ErrorIs(t, err, domain.ErrMalformed)

	_, ok, err := f.store.LookupResponse(context.Background(), "m:1")
	require.NoError(t, err)
	assert.False(t, ok)
}
