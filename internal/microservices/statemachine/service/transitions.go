package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pos-sync/internal/domain"
	"pos-sync/internal/microservices/statemachine/repository"
)

// Lock order is always table, then order.

func (m *Machine) createOrder(ctx context.Context, tx repository.Tx, changedBy string, p *createPlan) (domain.MutationResponse, []domain.Event, error) {
	now := m.now()
	order := domain.Order{
		ID:          m.newID(),
		TableID:     p.tableID,
		Type:        p.orderType,
		Status:      domain.OrderPending,
		Items:       p.items,
		TotalAmount: p.total,
		CustomerRef: p.customerRef,
		Guests:      p.guests,
		Notes:       p.notes,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var table *domain.Table
	if order.TableID != nil {
		t, err := tx.LockTable(ctx, *order.TableID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.MutationResponse{}, nil, domain.Conflict(domain.ConflictUnknownTable, "table %s does not exist", *order.TableID)
		}
		if err != nil {
			return domain.MutationResponse{}, nil, err
		}
		if err := t.CheckInvariant(); err != nil {
			return domain.MutationResponse{}, nil, err
		}
		if t.Status != domain.TableAvailable {
			return domain.MutationResponse{}, nil, domain.Conflict(domain.ConflictTableUnavailable, "table %s is %s", t.ID, t.Status)
		}
		table = &t
	}

	if err := tx.InsertOrder(ctx, order); err != nil {
		return domain.MutationResponse{}, nil, err
	}
	if err := tx.AppendStatusLog(ctx, order.ID, order.Status, changedBy); err != nil {
		return domain.MutationResponse{}, nil, err
	}

	events := make([]domain.Event, 0, 3)
	if table != nil {
		table.Status = domain.TableOccupied
		table.CurrentOrderID = domain.StrPtr(order.ID)
		if err := m.saveTable(ctx, tx, table, now); err != nil {
			return domain.MutationResponse{}, nil, err
		}
		ev, err := m.event(domain.ChannelTables, domain.EventTableStatusChanged, table.ID, table)
		if err != nil {
			return domain.MutationResponse{}, nil, err
		}
		events = append(events, ev)
	}

	created, err := m.event(domain.ChannelOrders, domain.EventOrderCreated, order.ID, order)
	if err != nil {
		return domain.MutationResponse{}, nil, err
	}
	ticket, err := m.event(domain.ChannelKitchen, domain.EventKitchenTicket, order.ID, kitchenTicket{
		OrderID: order.ID, TableID: order.TableID, OrderType: order.Type, Status: order.Status,
		Items: order.Items, Notes: order.Notes,
	})
	if err != nil {
		return domain.MutationResponse{}, nil, err
	}
	events = append(events, created, ticket)

	return domain.MutationResponse{Accepted: true, ServerID: order.ID, Order: &order, Table: table}, events, nil
}

func (m *Machine) updateOrderStatus(ctx context.Context, tx repository.Tx, changedBy string, p domain.UpdateOrderStatusPayload) (domain.MutationResponse, []domain.Event, error) {
	tableID, err := tx.PeekOrderTable(ctx, p.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.MutationResponse{}, nil, domain.Conflict(domain.ConflictUnknownOrder, "order %s does not exist", p.OrderID)
	}
	if err != nil {
		return domain.MutationResponse{}, nil, err
	}

	var table *domain.Table
	if tableID != nil {
		t, err := tx.LockTable(ctx, *tableID)
		if err != nil {
			return domain.MutationResponse{}, nil, fmt.Errorf("lock table %s of order %s: %w", *tableID, p.OrderID, err)
		}
		table = &t
	}
	order, err := tx.LockOrder(ctx, p.OrderID)
	if err != nil {
		return domain.MutationResponse{}, nil, err
	}

	if order.Status == p.Status {
		return domain.MutationResponse{Accepted: true, ServerID: order.ID, Order: &order, Table: table}, nil, nil
	}
	if !domain.CanTransition(order.Status, p.Status) {
		return domain.MutationResponse{}, nil, domain.Conflict(domain.ConflictInvalidTransition,
			"order %s cannot move from %s to %s", order.ID, order.Status, p.Status)
	}
	if table != nil && domain.StrVal(table.CurrentOrderID) != order.ID {
		return domain.MutationResponse{}, nil, &domain.InvariantViolation{
			Entity: "table", ID: table.ID,
			Detail: fmt.Sprintf("open order %s not linked (currentOrderId=%q)", order.ID, domain.StrVal(table.CurrentOrderID)),
		}
	}

	now := m.now()
	events, err := m.moveOrder(ctx, tx, &order, p.Status, changedBy, now)
	if err != nil {
		return domain.MutationResponse{}, nil, err
	}

	if order.Status.Terminal() && table != nil {
		table.Status = domain.TableAvailable
		table.CurrentOrderID = nil
		if err := m.saveTable(ctx, tx, table, now); err != nil {
			return domain.MutationResponse{}, nil, err
		}
		ev, err := m.event(domain.ChannelTables, domain.EventTableStatusChanged, table.ID, table)
		if err != nil {
			return domain.MutationResponse{}, nil, err
		}
		events = append(events, ev)
	}

	return domain.MutationResponse{Accepted: true, ServerID: order.ID, Order: &order, Table: table}, events, nil
}

func (m *Machine) updateTableStatus(ctx context.Context, tx repository.Tx, changedBy string, p domain.UpdateTableStatusPayload) (domain.MutationResponse, []domain.Event, error) {
	table, err := tx.LockTable(ctx, p.TableID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.MutationResponse{}, nil, domain.Conflict(domain.ConflictUnknownTable, "table %s does not exist", p.TableID)
	}
	if err != nil {
		return domain.MutationResponse{}, nil, err
	}
	if err := table.CheckInvariant(); err != nil {
		return domain.MutationResponse{}, nil, err
	}
	if table.Status == p.Status {
		return domain.MutationResponse{Accepted: true, ServerID: table.ID, Table: &table}, nil, nil
	}

	now := m.now()
	var (
		events []domain.Event
		order  *domain.Order
	)
	switch p.Status {
	case domain.TableOccupied:
		return domain.MutationResponse{}, nil, domain.Conflict(domain.ConflictOccupyViaOrder,
			"table %s becomes occupied only by creating an order", table.ID)

	case domain.TableMaintenance, domain.TableReserved:
		if table.CurrentOrderID != nil {
			return domain.MutationResponse{}, nil, domain.Conflict(domain.ConflictTableBusy,
				"table %s has open order %s", table.ID, *table.CurrentOrderID)
		}

	case domain.TableAvailable:
		if table.CurrentOrderID != nil {
			var target domain.OrderStatus
			switch p.ReleaseIntent {
			case domain.ReleaseCancel:
				target = domain.OrderCancelled
			case domain.ReleaseComplete:
				target = domain.OrderServed
			default:
				return domain.MutationResponse{}, nil, domain.Conflict(domain.ConflictIntentRequired,
					"table %s has open order %s; releaseIntent cancel or complete is required", table.ID, *table.CurrentOrderID)
			}

			o, err := tx.LockOrder(ctx, *table.CurrentOrderID)
			if errors.Is(err, domain.ErrNotFound) || (err == nil && !o.Open()) {
				return domain.MutationResponse{}, nil, &domain.InvariantViolation{
					Entity: "table", ID: table.ID, Detail: "currentOrderId points at a missing or closed order",
				}
			}
			if err != nil {
				return domain.MutationResponse{}, nil, err
			}
			evs, err := m.moveOrder(ctx, tx, &o, target, changedBy, now)
			if err != nil {
				return domain.MutationResponse{}, nil, err
			}
			events = append(events, evs...)
			order = &o
			table.CurrentOrderID = nil
		}
	}

	table.Status = p.Status
	if err := m.saveTable(ctx, tx, &table, now); err != nil {
		return domain.MutationResponse{}, nil, err
	}
	ev, err := m.event(domain.ChannelTables, domain.EventTableStatusChanged, table.ID, table)
	if err != nil {
		return domain.MutationResponse{}, nil, err
	}
	events = append(events, ev)

	return domain.MutationResponse{Accepted: true, ServerID: table.ID, Table: &table, Order: order}, events, nil
}

// moveOrder writes a validated status change and returns its events.
func (m *Machine) moveOrder(ctx context.Context, tx repository.Tx, order *domain.Order, to domain.OrderStatus, changedBy string, now time.Time) ([]domain.Event, error) {
	order.Status = to
	order.Version++
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, *order); err != nil {
		return nil, err
	}
	if err := tx.AppendStatusLog(ctx, order.ID, to, changedBy); err != nil {
		return nil, err
	}
	evOrder, err := m.event(domain.ChannelOrders, domain.EventOrderStatusChanged, order.ID, order)
	if err != nil {
		return nil, err
	}
	evKitchen, err := m.event(domain.ChannelKitchen, domain.EventOrderStatusChanged, order.ID, kitchenTicket{
		OrderID: order.ID, TableID: order.TableID, OrderType: order.Type, Status: order.Status,
		Items: order.Items, Notes: order.Notes,
	})
	if err != nil {
		return nil, err
	}
	return []domain.Event{evOrder, evKitchen}, nil
}

func (m *Machine) saveTable(ctx context.Context, tx repository.Tx, t *domain.Table, now time.Time) error {
	t.Version++
	t.UpdatedAt = now
	if err := t.CheckInvariant(); err != nil {
		return err
	}
	return tx.UpdateTable(ctx, *t)
}

type kitchenTicket struct {
	OrderID   string             `json:"orderId"`
	TableID   *string            `json:"tableId"`
	OrderType domain.OrderType   `json:"orderType"`
	Status    domain.OrderStatus `json:"status"`
	Items     []domain.OrderItem `json:"items"`
	Notes     string             `json:"notes,omitempty"`
}

func (m *Machine) event(ch domain.Channel, typ, entityID string, data any) (domain.Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encode %s event: %w", typ, err)
	}
	return domain.Event{
		EventID:         uuid.NewString(),
		Channel:         ch,
		Type:            typ,
		EntityID:        entityID,
		Data:            raw,
		TargetRoles:     domain.DefaultTargets(ch),
		ServerTimestamp: m.now(),
	}, nil
}
