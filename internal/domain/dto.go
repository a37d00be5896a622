package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type MutationKind string

const (
	KindCreateOrder       MutationKind = "CreateOrder"
	KindUpdateOrderStatus MutationKind = "UpdateOrderStatus"
	KindUpdateTableStatus MutationKind = "UpdateTableStatus"
)

func (k MutationKind) Valid() bool {
	switch k {
	case KindCreateOrder, KindUpdateOrderStatus, KindUpdateTableStatus:
		return true
	}
	return false
}

// LocalRefPrefix marks client-generated ids that have not been reconciled yet.
const LocalRefPrefix = "local:"

func IsLocalRef(id string) bool { return strings.HasPrefix(id, LocalRefPrefix) }

type CreateOrderPayload struct {
	TableID     *string         `json:"tableId,omitempty"`
	OrderType   OrderType       `json:"orderType,omitempty"`
	Items       []OrderItem     `json:"items"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	CustomerRef string          `json:"customerRef,omitempty"`
	Guests      int             `json:"guests,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

type UpdateOrderStatusPayload struct {
	OrderID string      `json:"orderId"`
	Status  OrderStatus `json:"status"`
}

// ReleaseIntent says what happens to the linked order when an occupied table
// is made available. It is never inferred.
type ReleaseIntent string

const (
	ReleaseCancel   ReleaseIntent = "cancel"
	ReleaseComplete ReleaseIntent = "complete"
)

type UpdateTableStatusPayload struct {
	TableID       string        `json:"tableId"`
	Status        TableStatus   `json:"status"`
	ReleaseIntent ReleaseIntent `json:"releaseIntent,omitempty"`
}

// MutationRequest is what a terminal submits to the state machine.
type MutationRequest struct {
	IdempotencyToken string          `json:"idempotencyToken"`
	Kind             MutationKind    `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	Origin           string          `json:"origin,omitempty"`
}

func (r MutationRequest) Validate() error {
	if strings.TrimSpace(r.IdempotencyToken) == "" {
		return fmt.Errorf("%w: idempotencyToken is required", ErrMalformed)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, r.Kind)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrMalformed)
	}
	return nil
}

type MutationResponse struct {
	Accepted  bool           `json:"accepted"`
	ServerID  string         `json:"serverId,omitempty"`
	Conflict  *ConflictError `json:"conflict,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Order     *Order         `json:"order,omitempty"`
	Table     *Table         `json:"table,omitempty"`
}

func Rejected(c *ConflictError) MutationResponse {
	return MutationResponse{Accepted: false, Conflict: c}
}

// Snapshot is the full state fetch a terminal runs after (re)connecting.
type Snapshot struct {
	Tables          []Table   `json:"tables"`
	Orders          []Order   `json:"orders"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

func EncodePayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
