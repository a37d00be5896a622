package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderPending, OrderPreparing, true},
		{OrderPending, OrderServed, true},
		{OrderPreparing, OrderServed, true},
		{OrderReady, OrderCancelled, true},
		{OrderPending, OrderCancelled, true},
		{OrderReady, OrderPreparing, false},
		{OrderPreparing, OrderPending, false},
		{OrderServed, OrderCancelled, false},
		{OrderCancelled, OrderPending, false},
		{OrderPending, OrderPending, false},
		{OrderPending, OrderStatus("eaten"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTableCheckInvariant(t *testing.T) {
	require.NoError(t, Table{ID: "T1", Status: TableAvailable}.CheckInvariant())
	require.NoError(t, Table{ID: "T1", Status: TableOccupied, CurrentOrderID: StrPtr("o1")}.CheckInvariant())

	err := Table{ID: "T1", Status: TableOccupied}.CheckInvariant()
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))

	err = Table{ID: "T1", Status: TableMaintenance, CurrentOrderID: StrPtr("o1")}.CheckInvariant()
	assert.True(t, IsInvariantViolation(err))
}

func TestItemsTotal(t *testing.T) {
	items := []OrderItem{
		{MenuItemID: "a", Quantity: 2, UnitPrice: decimal.RequireFromString("15.99")},
		{MenuItemID: "b", Quantity: 1, UnitPrice: decimal.RequireFromString("3.00")},
	}
	assert.True(t, ItemsTotal(items).Equal(decimal.RequireFromString("34.98")))
	assert.True(t, ItemsTotal(nil).IsZero())
}

func TestItemsTotalRoundsToCents(t *testing.T) {
	items := []OrderItem{{MenuItemID: "a", Quantity: 3, UnitPrice: decimal.RequireFromString("0.333")}}
	assert.Equal(t, "1", ItemsTotal(items).String())

	items = []OrderItem{{MenuItemID: "a", Quantity: 1, UnitPrice: decimal.RequireFromString("1.005")}}
	assert.Equal(t, "1.01", ItemsTotal(items).String())
}

func TestParseRoles(t *testing.T) {
	roles, err := ParseRoles(" Waitstaff,kitchen,waitstaff ")
	require.NoError(t, err)
	assert.Equal(t, []Role{RoleWaitstaff, RoleKitchen}, roles)

	_, err = ParseRoles("waitstaff,chef")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = ParseRoles(" , ")
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestEventTargets(t *testing.T) {
	ev := Event{Channel: ChannelKitchen, TargetRoles: DefaultTargets(ChannelKitchen)}
	assert.True(t, ev.Targets(map[Role]struct{}{RoleKitchen: {}}))
	assert.False(t, ev.Targets(map[Role]struct{}{RoleWaitstaff: {}, RoleDelivery: {}}))

	orders := Event{TargetRoles: DefaultTargets(ChannelOrders)}
	assert.True(t, orders.Targets(map[Role]struct{}{RoleDelivery: {}}))
}

func TestMutationRequestValidate(t *testing.T) {
	ok := MutationRequest{IdempotencyToken: "local:d:1", Kind: KindCreateOrder, Payload: []byte(`{}`)}
	require.NoError(t, ok.Validate())

	bad := []MutationRequest{
		{Kind: KindCreateOrder, Payload: []byte(`{}`)},
		{IdempotencyToken: "t", Kind: "DeleteOrder", Payload: []byte(`{}`)},
		{IdempotencyToken: "t", Kind: KindUpdateTableStatus},
	}
	for _, r := range bad {
		assert.ErrorIs(t, r.Validate(), ErrMalformed)
	}
}

func TestAsConflict(t *testing.T) {
	err := error(Conflict(ConflictTableBusy, "table %s busy", "T1"))
	ce, ok := AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, ConflictTableBusy, ce.Code)
	assert.Equal(t, "table T1 busy", ce.Reason)
	assert.False(t, IsTransient(err))
}
