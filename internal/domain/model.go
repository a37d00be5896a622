package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPreparing OrderStatus = "preparing"
	OrderReady     OrderStatus = "ready"
	OrderServed    OrderStatus = "served"
	OrderCancelled OrderStatus = "cancelled"
)

// forward rank along pending -> preparing -> ready -> served
var orderRank = map[OrderStatus]int{
	OrderPending:   1,
	OrderPreparing: 2,
	OrderReady:     3,
	OrderServed:    4,
}

func (s OrderStatus) Valid() bool {
	_, ok := orderRank[s]
	return ok || s == OrderCancelled
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderServed || s == OrderCancelled
}

// CanTransition reports whether an order may move from one status to another.
// Movement is monotonic forward (skips allowed); cancelled is reachable from any
// non-terminal status. from == to is not a transition.
func CanTransition(from, to OrderStatus) bool {
	if from.Terminal() || from == to || !to.Valid() {
		return false
	}
	if to == OrderCancelled {
		return true
	}
	return orderRank[to] > orderRank[from]
}

type TableStatus string

const (
	TableAvailable   TableStatus = "available"
	TableOccupied    TableStatus = "occupied"
	TableReserved    TableStatus = "reserved"
	TableMaintenance TableStatus = "maintenance"
)

func (s TableStatus) Valid() bool {
	switch s {
	case TableAvailable, TableOccupied, TableReserved, TableMaintenance:
		return true
	}
	return false
}

type OrderType string

const (
	OrderDineIn   OrderType = "dine-in"
	OrderTakeaway OrderType = "takeaway"
)

type OrderItem struct {
	MenuItemID string          `json:"menuItemId"`
	Name       string          `json:"name,omitempty"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	Notes      string          `json:"notes,omitempty"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order and Table reference each other by id only.
type Order struct {
	ID          string          `json:"id"`
	TableID     *string         `json:"tableId"`
	Type        OrderType       `json:"orderType"`
	Status      OrderStatus     `json:"status"`
	Items       []OrderItem     `json:"items"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	CustomerRef string          `json:"customerRef,omitempty"`
	Guests      int             `json:"guests,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Open reports whether the order still holds its table.
func (o Order) Open() bool { return !o.Status.Terminal() }

type Table struct {
	ID             string      `json:"id"`
	Status         TableStatus `json:"status"`
	CurrentOrderID *string     `json:"currentOrderId"`
	Capacity       int         `json:"capacity,omitempty"`
	Version        int64       `json:"version"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// CheckInvariant verifies currentOrderId is set iff the table is occupied.
func (t Table) CheckInvariant() error {
	if (t.CurrentOrderID != nil) != (t.Status == TableOccupied) {
		return &InvariantViolation{Entity: "table", ID: t.ID, Detail: "currentOrderId set iff occupied"}
	}
	return nil
}

// MoneyPlaces is the precision totals are stored with.
const MoneyPlaces = 2

// ItemsTotal sums the line subtotals, rounded to MoneyPlaces.
func ItemsTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total.Round(MoneyPlaces)
}

func StrPtr(s string) *string { return &s }

func StrVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
