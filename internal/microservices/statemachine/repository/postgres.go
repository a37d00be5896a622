package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"pos-sync/internal/domain"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() { s.pool.Close() }

const orderColumns = `id, table_id, order_type, status, items, total_amount::text,
	customer_ref, guests, notes, version, created_at, updated_at`

const tableColumns = `id, status, current_order_id, capacity, version, updated_at`

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapConstraint(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapConstraint(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// mapConstraint turns schema backstop violations into invariant violations.
func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505", "23514":
		return &domain.InvariantViolation{Entity: pgErr.TableName, ID: pgErr.ConstraintName, Detail: pgErr.Message}
	}
	return err
}

func (s *PostgresStore) LookupResponse(ctx context.Context, token string) (domain.MutationResponse, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT response FROM applied_mutations WHERE token=$1 AND response IS NOT NULL`, token).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MutationResponse{}, false, nil
	}
	if err != nil {
		return domain.MutationResponse{}, false, err
	}
	var resp domain.MutationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.MutationResponse{}, false, err
	}
	return resp, true, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tables, err := queryTables(ctx, tx, `SELECT `+tableColumns+` FROM pos_tables ORDER BY id`)
	if err != nil {
		return domain.Snapshot{}, err
	}
	orders, err := queryOrders(ctx, tx, `SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('served','cancelled') ORDER BY created_at`)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var now time.Time
	if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{Tables: tables, Orders: orders, ServerTimestamp: now.UTC()}, tx.Commit(ctx)
}

func (s *PostgresStore) GetTable(ctx context.Context, id string) (domain.Table, error) {
	return scanTable(s.pool.QueryRow(ctx, `SELECT `+tableColumns+` FROM pos_tables WHERE id=$1`, id))
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
}

func (s *PostgresStore) TableOrders(ctx context.Context, tableID string) ([]domain.Order, error) {
	return queryOrders(ctx, s.pool, `SELECT `+orderColumns+` FROM orders WHERE table_id=$1 ORDER BY created_at`, tableID)
}

func (s *PostgresStore) OrderTimeline(ctx context.Context, orderID string) ([]StatusLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, status, changed_by, changed_at
		FROM order_status_log WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (StatusLogEntry, error) {
		var e StatusLogEntry
		err := r.Scan(&e.OrderID, &e.Status, &e.ChangedBy, &e.ChangedAt)
		return e, err
	})
}

func (s *PostgresStore) SeedTable(ctx context.Context, t domain.Table) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pos_tables (id, status, current_order_id, capacity, version, updated_at)
		VALUES ($1, $2, $3, $4, 1, now())
		ON CONFLICT (id) DO NOTHING`, t.ID, t.Status, t.CurrentOrderID, t.Capacity)
	return err
}

// publishedRetention keeps published outbox rows around for inspection.
const publishedRetention = time.Hour

// ProcessPending claims a batch with SKIP LOCKED so several relays can share
// the outbox without publishing the same row concurrently.
func (s *PostgresStore) ProcessPending(ctx context.Context, limit int, fn func(domain.Event) error) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, event_id::text, channel, type, entity_id, data, target_roles, created_at
		FROM outbox WHERE published_at IS NULL
		ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, err
	}
	type row struct {
		id int64
		ev domain.Event
	}
	batch, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var (
			out   row
			roles []string
			data  []byte
		)
		err := r.Scan(&out.id, &out.ev.EventID, &out.ev.Channel, &out.ev.Type, &out.ev.EntityID,
			&data, &roles, &out.ev.ServerTimestamp)
		out.ev.Data = data
		for _, role := range roles {
			out.ev.TargetRoles = append(out.ev.TargetRoles, domain.Role(role))
		}
		return out, err
	})
	if err != nil {
		return 0, err
	}

	marked := 0
	var fnErr error
	for _, r := range batch {
		if fnErr = fn(r.ev); fnErr != nil {
			break
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at=now() WHERE id=$1`, r.id); err != nil {
			return 0, err
		}
		marked++
	}
	if marked > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM outbox WHERE published_at < $1`,
			time.Now().Add(-publishedRetention)); err != nil {
			return 0, fmt.Errorf("prune outbox: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return marked, fnErr
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) ClaimToken(ctx context.Context, token string, kind domain.MutationKind) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO applied_mutations (token, kind) VALUES ($1, $2)
		ON CONFLICT (token) DO NOTHING`, token, string(kind))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) StoredResponse(ctx context.Context, token string) (domain.MutationResponse, error) {
	var raw []byte
	if err := t.tx.QueryRow(ctx, `SELECT response FROM applied_mutations WHERE token=$1`, token).Scan(&raw); err != nil {
		return domain.MutationResponse{}, err
	}
	var resp domain.MutationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.MutationResponse{}, fmt.Errorf("stored response for %s: %w", token, err)
	}
	return resp, nil
}

func (t *pgTx) SaveResponse(ctx context.Context, token string, resp domain.MutationResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE applied_mutations SET response=$2, applied_at=now() WHERE token=$1`, token, raw)
	return err
}

func (t *pgTx) PeekOrderTable(ctx context.Context, orderID string) (*string, error) {
	var tableID *string
	err := t.tx.QueryRow(ctx, `SELECT table_id FROM orders WHERE id=$1`, orderID).Scan(&tableID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return tableID, err
}

func (t *pgTx) LockTable(ctx context.Context, id string) (domain.Table, error) {
	return scanTable(t.tx.QueryRow(ctx, `SELECT `+tableColumns+` FROM pos_tables WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) InsertOrder(ctx context.Context, o domain.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO orders
		    (id, table_id, order_type, status, items, total_amount, customer_ref, guests, notes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.TableID, o.Type, o.Status, items, o.TotalAmount.String(),
		o.CustomerRef, o.Guests, o.Notes, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o domain.Order) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, version=$3, updated_at=$4 WHERE id=$1`,
		o.ID, o.Status, o.Version, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateTable(ctx context.Context, tb domain.Table) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE pos_tables SET status=$2, current_order_id=$3, version=$4, updated_at=$5 WHERE id=$1`,
		tb.ID, tb.Status, tb.CurrentOrderID, tb.Version, tb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update table %s: %w", tb.ID, err)
	}
	return nil
}

func (t *pgTx) AppendStatusLog(ctx context.Context, orderID string, status domain.OrderStatus, changedBy string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_status_log (order_id, status, changed_by, changed_at)
		VALUES ($1, $2, $3, now())`, orderID, status, changedBy)
	if err != nil {
		return fmt.Errorf("failed to insert order status log: %w", err)
	}
	return nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, events []domain.Event) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		roles := make([]string, len(ev.TargetRoles))
		for i, r := range ev.TargetRoles {
			roles[i] = string(r)
		}
		batch.Queue(`
			INSERT INTO outbox (event_id, channel, type, entity_id, data, target_roles, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.EventID, string(ev.Channel), ev.Type, ev.EntityID, []byte(ev.Data), roles, ev.ServerTimestamp)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to append outbox: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTable(row rowScanner) (domain.Table, error) {
	var tb domain.Table
	err := row.Scan(&tb.ID, &tb.Status, &tb.CurrentOrderID, &tb.Capacity, &tb.Version, &tb.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Table{}, domain.ErrNotFound
	}
	return tb, err
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o     domain.Order
		items []byte
		total string
	)
	err := row.Scan(&o.ID, &o.TableID, &o.Type, &o.Status, &items, &total,
		&o.CustomerRef, &o.Guests, &o.Notes, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return domain.Order{}, fmt.Errorf("order %s items: %w", o.ID, err)
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return domain.Order{}, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	return o, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryTables(ctx context.Context, q querier, sql string, args ...any) ([]domain.Table, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Table{}
	for rows.Next() {
		tb, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tb)
	}
	return out, rows.Err()
}

func queryOrders(ctx context.Context, q querier, sql string, args ...any) ([]domain.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
