// Package queue is the terminal's durable mutation queue. Every mutation a
// user makes lands here first, is durable when Enqueue returns and is
// folded into the local projection in the same SQLite transaction.
package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"pos-sync/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// 1 - initial schema
// 2 - retired_orders
const currentSchemaVersion = 2

type PendingMutation struct {
	Seq           int64               `json:"seq"`
	LocalID       string              `json:"localId"`
	Kind          domain.MutationKind `json:"kind"`
	Payload       json.RawMessage     `json:"payload"`
	CreatedAt     time.Time           `json:"createdAt"`
	Attempts      int                 `json:"attempts"`
	LastError     string              `json:"lastError,omitempty"`
	NextAttemptAt time.Time           `json:"nextAttemptAt"`
	InFlight      bool                `json:"inFlight"`
}

type Queue struct {
	db       *sql.DB
	deviceID string
	now      func() time.Time
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// Open creates or opens the queue database at path. Mutations a crashed
// process left in flight become sendable again; the idempotency token makes
// the resend safe.
func Open(path string, opts ...Option) (*Queue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	q := &Queue{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(q)
	}
	if q.deviceID, err = q.ensureDeviceID(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`UPDATE pending_mutations SET in_flight = 0 WHERE in_flight = 1`); err != nil {
		db.Close()
		return nil, fmt.Errorf("reset in-flight: %w", err)
	}
	return q, nil
}

func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *Queue) DeviceID() string { return q.deviceID }

// synchronous=FULL: a mutation must survive power loss once Enqueue returns.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func (q *Queue) ensureDeviceID() (string, error) {
	var id string
	err := q.db.QueryRow(`SELECT value FROM device_meta WHERE key = 'device_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id = uuid.NewString()[:8]
	if _, err := q.db.Exec(`
		INSERT INTO device_meta (key, value) VALUES ('device_id', ?), ('counter', '0')
		ON CONFLICT(key) DO NOTHING`, id); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}

// withTx runs fn inside a transaction and commits when it returns nil.
func (q *Queue) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Enqueue stores the mutation and refreshes the projection. It never touches
// the network.
func (q *Queue) Enqueue(ctx context.Context, kind domain.MutationKind, payload any) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", domain.ErrMalformed, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	var localID string
	err = q.withTx(ctx, func(tx *sql.Tx) error {
		if localID, err = q.insertMutation(ctx, tx, kind, raw); err != nil {
			return err
		}
		return q.recompute(ctx, tx)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return localID, nil
}

func (q *Queue) insertMutation(ctx context.Context, tx *sql.Tx, kind domain.MutationKind, raw []byte) (string, error) {
	var counterStr string
	if err := tx.QueryRowContext(ctx, `
		UPDATE device_meta SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)
		WHERE key = 'counter' RETURNING value`).Scan(&counterStr); err != nil {
		return "", fmt.Errorf("next counter: %w", err)
	}
	counter, err := strconv.ParseInt(counterStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("counter %q: %w", counterStr, err)
	}
	localID := fmt.Sprintf("%s%s:%d", domain.LocalRefPrefix, q.deviceID, counter)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pending_mutations (local_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)`, localID, string(kind), string(raw), q.now().UnixMilli()); err != nil {
		return "", fmt.Errorf("insert mutation: %w", err)
	}
	return localID, nil
}

const mutationColumns = `seq, local_id, kind, payload, created_at, attempts, last_error, next_attempt_at, in_flight`

func scanMutation(row interface{ Scan(...any) error }) (PendingMutation, error) {
	var (
		m               PendingMutation
		kind, payload   string
		created, nextAt int64
		inFlight        int
	)
	if err := row.Scan(&m.Seq, &m.LocalID, &kind, &payload, &created, &m.Attempts, &m.LastError, &nextAt, &inFlight); err != nil {
		return PendingMutation{}, err
	}
	m.Kind = domain.MutationKind(kind)
	m.Payload = json.RawMessage(payload)
	m.CreatedAt = time.UnixMilli(created).UTC()
	if nextAt > 0 {
		m.NextAttemptAt = time.UnixMilli(nextAt).UTC()
	}
	m.InFlight = inFlight == 1
	return m, nil
}

func queryMutations(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]PendingMutation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PeekBatch returns up to n mutations that are not in flight, oldest first.
func (q *Queue) PeekBatch(ctx context.Context, n int) ([]PendingMutation, error) {
	return queryMutations(ctx, q.db, `SELECT `+mutationColumns+`
		FROM pending_mutations WHERE in_flight = 0 ORDER BY seq LIMIT ?`, n)
}

// Pending returns every queued mutation in insertion order.
func (q *Queue) Pending(ctx context.Context) ([]PendingMutation, error) {
	return queryMutations(ctx, q.db, `SELECT `+mutationColumns+` FROM pending_mutations ORDER BY seq`)
}

func (q *Queue) Get(ctx context.Context, localID string) (PendingMutation, error) {
	m, err := scanMutation(q.db.QueryRowContext(ctx, `SELECT `+mutationColumns+`
		FROM pending_mutations WHERE local_id = ?`, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingMutation{}, domain.ErrNotFound
	}
	return m, err
}

// MarkInFlight claims a mutation for sending. It fails with
// domain.ErrInFlight when another drain already holds it.
func (q *Queue) MarkInFlight(ctx context.Context, localID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_mutations SET in_flight = 1 WHERE local_id = ? AND in_flight = 0`, localID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := q.Get(ctx, localID); err != nil {
		return err
	}
	return domain.ErrInFlight
}

// Ack drops a mutation without touching base state.
func (q *Queue) Ack(ctx context.Context, localID string) error {
	return q.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteMutation(ctx, tx, localID); err != nil {
			return err
		}
		return q.recompute(ctx, tx)
	})
}

// Nack releases an in-flight mutation after a transport failure. It stays
// queued and is not retried before next.
func (q *Queue) Nack(ctx context.Context, localID string, cause error, next time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_mutations
		SET in_flight = 0, attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		WHERE local_id = ?`, msg, next.UnixMilli(), localID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Release clears the in-flight flag without counting an attempt.
func (q *Queue) Release(ctx context.Context, localID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE pending_mutations SET in_flight = 0 WHERE local_id = ?`, localID)
	return err
}

func deleteMutation(ctx context.Context, tx *sql.Tx, localID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE local_id = ?`, localID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Counts reports queued and in-flight mutations for the syncing indicator.
func (q *Queue) Counts(ctx context.Context) (pending, inFlight int, err error) {
	err = q.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(in_flight), 0) FROM pending_mutations`).Scan(&pending, &inFlight)
	return pending, inFlight, err
}
