package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"pos-sync/internal/domain"
)

// State is a set of orders and tables keyed by id.
type State struct {
	Orders map[string]domain.Order
	Tables map[string]domain.Table
}

func newState() State {
	return State{Orders: map[string]domain.Order{}, Tables: map[string]domain.Table{}}
}

// Fold applies pending mutations over base in queue order. Mutations the
// server would reject are skipped here; the server has the final word and
// a rejection later removes the mutation and refolds.
func Fold(base State, pending []PendingMutation) State {
	st := newState()
	for k, v := range base.Orders {
		st.Orders[k] = v
	}
	for k, v := range base.Tables {
		st.Tables[k] = v
	}
	for _, m := range pending {
		applyOptimistic(st, m)
	}
	return st
}

func applyOptimistic(st State, m PendingMutation) {
	switch m.Kind {
	case domain.KindCreateOrder:
		var p domain.CreateOrderPayload
		if json.Unmarshal(m.Payload, &p) != nil {
			return
		}
		o := domain.Order{
			ID:          m.LocalID,
			TableID:     p.TableID,
			Type:        p.OrderType,
			Status:      domain.OrderPending,
			Items:       p.Items,
			TotalAmount: p.TotalAmount,
			CustomerRef: p.CustomerRef,
			Guests:      p.Guests,
			Notes:       p.Notes,
			CreatedAt:   m.CreatedAt,
			UpdatedAt:   m.CreatedAt,
		}
		if o.Type == "" {
			o.Type = domain.OrderTakeaway
			if o.TableID != nil {
				o.Type = domain.OrderDineIn
			}
		}
		if o.TableID != nil {
			if t, ok := st.Tables[*o.TableID]; ok && t.Status == domain.TableAvailable {
				t.Status = domain.TableOccupied
				t.CurrentOrderID = domain.StrPtr(o.ID)
				st.Tables[t.ID] = t
			}
		}
		st.Orders[o.ID] = o

	case domain.KindUpdateOrderStatus:
		var p domain.UpdateOrderStatusPayload
		if json.Unmarshal(m.Payload, &p) != nil {
			return
		}
		o, ok := st.Orders[p.OrderID]
		if !ok || !domain.CanTransition(o.Status, p.Status) {
			return
		}
		o.Status = p.Status
		o.UpdatedAt = m.CreatedAt
		st.Orders[o.ID] = o
		if o.Status.Terminal() && o.TableID != nil {
			releaseTable(st, *o.TableID, o.ID)
		}

	case domain.KindUpdateTableStatus:
		var p domain.UpdateTableStatusPayload
		if json.Unmarshal(m.Payload, &p) != nil {
			return
		}
		t, ok := st.Tables[p.TableID]
		if !ok || t.Status == p.Status || p.Status == domain.TableOccupied {
			return
		}
		if t.CurrentOrderID != nil {
			if p.Status != domain.TableAvailable {
				return
			}
			var target domain.OrderStatus
			switch p.ReleaseIntent {
			case domain.ReleaseCancel:
				target = domain.OrderCancelled
			case domain.ReleaseComplete:
				target = domain.OrderServed
			default:
				return
			}
			if o, ok := st.Orders[*t.CurrentOrderID]; ok {
				o.Status = target
				o.UpdatedAt = m.CreatedAt
				st.Orders[o.ID] = o
			}
			t.CurrentOrderID = nil
		}
		t.Status = p.Status
		st.Tables[t.ID] = t
	}
}

func releaseTable(st State, tableID, orderID string) {
	t, ok := st.Tables[tableID]
	if !ok || domain.StrVal(t.CurrentOrderID) != orderID {
		return
	}
	t.Status = domain.TableAvailable
	t.CurrentOrderID = nil
	st.Tables[tableID] = t
}

type querier interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}

func loadBase(ctx context.Context, q querier) (State, error) {
	st := newState()
	if err := loadBodies(ctx, q, `SELECT body FROM base_orders`, func(raw []byte) error {
		var o domain.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return err
		}
		st.Orders[o.ID] = o
		return nil
	}); err != nil {
		return State{}, fmt.Errorf("load base orders: %w", err)
	}
	if err := loadBodies(ctx, q, `SELECT body FROM base_tables`, func(raw []byte) error {
		var t domain.Table
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		st.Tables[t.ID] = t
		return nil
	}); err != nil {
		return State{}, fmt.Errorf("load base tables: %w", err)
	}
	return st, nil
}

func loadBodies(ctx context.Context, q querier, query string, fn func([]byte) error) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := fn([]byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// recompute refolds the projection from base and the queue inside tx.
func (q *Queue) recompute(ctx context.Context, tx *sql.Tx) error {
	base, err := loadBase(ctx, tx)
	if err != nil {
		return err
	}
	pending, err := queryMutations(ctx, tx, `SELECT `+mutationColumns+` FROM pending_mutations ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("load pending: %w", err)
	}
	if err := retireSettled(ctx, tx, base, pending, q.now()); err != nil {
		return fmt.Errorf("retire settled orders: %w", err)
	}
	view := Fold(base, pending)

	if _, err := tx.ExecContext(ctx, `DELETE FROM view_orders`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM view_tables`); err != nil {
		return err
	}
	for id, o := range view.Orders {
		raw, err := json.Marshal(o)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO view_orders (id, body) VALUES (?, ?)`, id, string(raw)); err != nil {
			return err
		}
	}
	for id, t := range view.Tables {
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO view_tables (id, body) VALUES (?, ?)`, id, string(raw)); err != nil {
			return err
		}
	}
	return nil
}

// retireSettled drops served and cancelled orders from base once no queued
// mutation refers to them, leaving a tombstone at their last version.
func retireSettled(ctx context.Context, tx *sql.Tx, base State, pending []PendingMutation, now time.Time) error {
	referenced := map[string]struct{}{}
	for _, m := range pending {
		for _, id := range EntityRefs(m).Orders {
			referenced[id] = struct{}{}
		}
	}
	for id, o := range base.Orders {
		if !o.Status.Terminal() {
			continue
		}
		if _, ok := referenced[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM base_orders WHERE id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO retired_orders (id, version, retired_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET version = max(retired_orders.version, excluded.version),
				retired_at = excluded.retired_at`, id, o.Version, now.UnixMilli()); err != nil {
			return err
		}
		delete(base.Orders, id)
	}
	return nil
}

// View is the projected state shown to the user.
type View struct {
	Tables []domain.Table `json:"tables"`
	Orders []domain.Order `json:"orders"`
}

func (q *Queue) View(ctx context.Context) (View, error) {
	v := View{Tables: []domain.Table{}, Orders: []domain.Order{}}
	if err := loadBodies(ctx, q.db, `SELECT body FROM view_tables ORDER BY id`, func(raw []byte) error {
		var t domain.Table
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		v.Tables = append(v.Tables, t)
		return nil
	}); err != nil {
		return View{}, err
	}
	if err := loadBodies(ctx, q.db, `SELECT body FROM view_orders`, func(raw []byte) error {
		var o domain.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return err
		}
		v.Orders = append(v.Orders, o)
		return nil
	}); err != nil {
		return View{}, err
	}
	sort.Slice(v.Orders, func(i, j int) bool {
		if v.Orders[i].CreatedAt.Equal(v.Orders[j].CreatedAt) {
			return v.Orders[i].ID < v.Orders[j].ID
		}
		return v.Orders[i].CreatedAt.Before(v.Orders[j].CreatedAt)
	})
	return v, nil
}

func (q *Queue) ViewOrder(ctx context.Context, id string) (domain.Order, error) {
	var body string
	err := q.db.QueryRowContext(ctx, `SELECT body FROM view_orders WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}
	var o domain.Order
	return o, json.Unmarshal([]byte(body), &o)
}

func (q *Queue) ViewTable(ctx context.Context, id string) (domain.Table, error) {
	var body string
	err := q.db.QueryRowContext(ctx, `SELECT body FROM view_tables WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Table{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Table{}, err
	}
	var t domain.Table
	return t, json.Unmarshal([]byte(body), &t)
}
