package repository

import (
	"context"
	"time"

	"pos-sync/internal/domain"
)

// Tx is the unit of work behind one Apply call. Row locks taken through
// LockTable and LockOrder are held until the transaction ends; callers
// always lock the table before the order.
type Tx interface {
	// ClaimToken records the idempotency token. It returns false when the
	// token was already claimed by a committed transaction.
	ClaimToken(ctx context.Context, token string, kind domain.MutationKind) (bool, error)
	StoredResponse(ctx context.Context, token string) (domain.MutationResponse, error)
	SaveResponse(ctx context.Context, token string, resp domain.MutationResponse) error

	// PeekOrderTable reads an order's table without locking so the caller
	// can keep table-before-order lock order.
	PeekOrderTable(ctx context.Context, orderID string) (*string, error)
	LockTable(ctx context.Context, id string) (domain.Table, error)
	LockOrder(ctx context.Context, id string) (domain.Order, error)

	InsertOrder(ctx context.Context, o domain.Order) error
	UpdateOrder(ctx context.Context, o domain.Order) error
	UpdateTable(ctx context.Context, t domain.Table) error
	AppendStatusLog(ctx context.Context, orderID string, status domain.OrderStatus, changedBy string) error
	AppendOutbox(ctx context.Context, events []domain.Event) error
}

type StatusLogEntry struct {
	OrderID   string             `json:"orderId"`
	Status    domain.OrderStatus `json:"status"`
	ChangedBy string             `json:"changedBy"`
	ChangedAt time.Time          `json:"changedAt"`
}

type StoreInterface interface {
	// WithinTx runs fn in a transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(Tx) error) error
	LookupResponse(ctx context.Context, token string) (domain.MutationResponse, bool, error)

	Snapshot(ctx context.Context) (domain.Snapshot, error)
	GetTable(ctx context.Context, id string) (domain.Table, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	TableOrders(ctx context.Context, tableID string) ([]domain.Order, error)
	OrderTimeline(ctx context.Context, orderID string) ([]StatusLogEntry, error)

	// SeedTable inserts a table if it does not exist yet.
	SeedTable(ctx context.Context, t domain.Table) error
	Close()
}

// OutboxInterface is the relay's view of the store.
type OutboxInterface interface {
	// ProcessPending hands unpublished events to fn in insertion order and
	// marks each one published once fn returns nil. It stops at the first
	// error and reports how many events were marked.
	ProcessPending(ctx context.Context, limit int, fn func(domain.Event) error) (int, error)
}

type Store interface {
	StoreInterface
	OutboxInterface
}
