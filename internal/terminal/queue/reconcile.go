package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pos-sync/internal/domain"
)

type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomeRejected Outcome = "rejected"
)

// Notice is the user-visible result of a synced or rejected mutation.
type Notice struct {
	ID       int64               `json:"id"`
	LocalID  string              `json:"localId"`
	Kind     domain.MutationKind `json:"kind"`
	Outcome  Outcome             `json:"outcome"`
	ServerID string              `json:"serverId,omitempty"`
	Code     domain.ConflictCode `json:"code,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Payload  json.RawMessage     `json:"payload,omitempty"`
	At       time.Time           `json:"at"`
	Retried  bool                `json:"retried,omitempty"`
}

func getMutationTx(ctx context.Context, tx *sql.Tx, localID string) (PendingMutation, error) {
	m, err := scanMutation(tx.QueryRowContext(ctx, `SELECT `+mutationColumns+`
		FROM pending_mutations WHERE local_id = ?`, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingMutation{}, domain.ErrNotFound
	}
	return m, err
}

// AckApplied removes an accepted mutation, adopts the server's copy of the
// touched entities as base state and, for a create, rewrites every queued
// reference to its local id. All in one transaction.
func (q *Queue) AckApplied(ctx context.Context, localID string, resp domain.MutationResponse) (Notice, error) {
	var n Notice
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMutationTx(ctx, tx, localID)
		if err != nil {
			return err
		}
		if err := deleteMutation(ctx, tx, localID); err != nil {
			return err
		}
		if resp.Order != nil {
			if _, err := upsertBase(ctx, tx, "base_orders", resp.Order.ID, resp.Order.Version, resp.Order.UpdatedAt, resp.Order); err != nil {
				return err
			}
		}
		if resp.Table != nil {
			if _, err := upsertBase(ctx, tx, "base_tables", resp.Table.ID, resp.Table.Version, resp.Table.UpdatedAt, resp.Table); err != nil {
				return err
			}
		}
		if m.Kind == domain.KindCreateOrder && resp.ServerID != "" {
			if err := rewriteRefs(ctx, tx, map[string]string{localID: resp.ServerID}); err != nil {
				return err
			}
		}
		n = Notice{LocalID: localID, Kind: m.Kind, Outcome: OutcomeSynced, ServerID: resp.ServerID, At: q.now()}
		if n.ID, err = insertNotice(ctx, tx, n); err != nil {
			return err
		}
		return q.recompute(ctx, tx)
	})
	if err != nil {
		return Notice{}, fmt.Errorf("ack applied %s: %w", localID, err)
	}
	return n, nil
}

// AckRejected removes a mutation the server refused for good and records
// the conflict. Refolding without it rolls its optimistic effect back.
func (q *Queue) AckRejected(ctx context.Context, localID string, c *domain.ConflictError) (Notice, error) {
	var n Notice
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		m, err := getMutationTx(ctx, tx, localID)
		if err != nil {
			return err
		}
		if err := deleteMutation(ctx, tx, localID); err != nil {
			return err
		}
		n = Notice{
			LocalID: localID, Kind: m.Kind, Outcome: OutcomeRejected,
			Code: c.Code, Reason: c.Reason, Payload: m.Payload, At: q.now(),
		}
		if n.ID, err = insertNotice(ctx, tx, n); err != nil {
			return err
		}
		return q.recompute(ctx, tx)
	})
	if err != nil {
		return Notice{}, fmt.Errorf("ack rejected %s: %w", localID, err)
	}
	return n, nil
}

// RetryRejected queues a rejected mutation's payload again under a fresh
// local id and returns it.
func (q *Queue) RetryRejected(ctx context.Context, localID string) (string, error) {
	var newID string
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		var (
			id      int64
			kind    string
			payload string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, kind, payload FROM sync_notices
			WHERE local_id = ? AND outcome = ? AND retried = 0
			ORDER BY id DESC LIMIT 1`, localID, string(OutcomeRejected)).Scan(&id, &kind, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sync_notices SET retried = 1 WHERE id = ?`, id); err != nil {
			return err
		}
		if newID, err = q.insertMutation(ctx, tx, domain.MutationKind(kind), []byte(payload)); err != nil {
			return err
		}
		return q.recompute(ctx, tx)
	})
	if err != nil {
		return "", fmt.Errorf("retry %s: %w", localID, err)
	}
	return newID, nil
}

// Notices returns the most recent notices, newest first.
func (q *Queue) Notices(ctx context.Context, limit int) ([]Notice, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, local_id, kind, outcome, server_id, code, reason, payload, at, retried
		FROM sync_notices ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Notice{}
	for rows.Next() {
		var (
			n                   Notice
			kind, outcome, code string
			payload             string
			at                  int64
			retried             int
		)
		if err := rows.Scan(&n.ID, &n.LocalID, &kind, &outcome, &n.ServerID, &code, &n.Reason, &payload, &at, &retried); err != nil {
			return nil, err
		}
		n.Kind = domain.MutationKind(kind)
		n.Outcome = Outcome(outcome)
		n.Code = domain.ConflictCode(code)
		if payload != "" {
			n.Payload = json.RawMessage(payload)
		}
		n.At = time.UnixMilli(at).UTC()
		n.Retried = retried == 1
		out = append(out, n)
	}
	return out, rows.Err()
}

func insertNotice(ctx context.Context, tx *sql.Tx, n Notice) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_notices (local_id, kind, outcome, server_id, code, reason, payload, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.LocalID, string(n.Kind), string(n.Outcome), n.ServerID, string(n.Code), n.Reason, string(n.Payload), n.At.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert notice: %w", err)
	}
	return res.LastInsertId()
}

func rewriteRefs(ctx context.Context, tx *sql.Tx, mapping map[string]string) error {
	pending, err := queryMutations(ctx, tx, `SELECT `+mutationColumns+` FROM pending_mutations ORDER BY seq`)
	if err != nil {
		return err
	}
	for _, m := range pending {
		out, changed, err := Substitute(m.Kind, m.Payload, mapping)
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", m.LocalID, err)
		}
		if !changed {
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE pending_mutations SET payload = ? WHERE local_id = ?`, string(out), m.LocalID); err != nil {
			return err
		}
	}
	return nil
}

// tombstoneTTL bounds how long a retired order id is remembered.
const tombstoneTTL = 24 * time.Hour

// upsertBase stores v unless a newer or equal version is already cached or,
// for orders, was retired.
func upsertBase(ctx context.Context, tx *sql.Tx, table, id string, version int64, updatedAt time.Time, v any) (bool, error) {
	if table == "base_orders" {
		var retired int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM retired_orders WHERE id = ?`, id).Scan(&retired)
		if err == nil && version <= retired {
			return false, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("check retired %s: %w", id, err)
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (id, version, updated_at, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at, body = excluded.body
		WHERE excluded.version > %[1]s.version`, table), id, version, updatedAt.UnixMilli(), string(raw))
	if err != nil {
		return false, fmt.Errorf("upsert %s %s: %w", table, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ApplyServerOrder caches an authoritative order from the event stream.
// Older or repeated versions are ignored, so redelivery is harmless.
func (q *Queue) ApplyServerOrder(ctx context.Context, o domain.Order) (bool, error) {
	var changed bool
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if changed, err = upsertBase(ctx, tx, "base_orders", o.ID, o.Version, o.UpdatedAt, o); err != nil || !changed {
			return err
		}
		return q.recompute(ctx, tx)
	})
	return changed, err
}

func (q *Queue) ApplyServerTable(ctx context.Context, t domain.Table) (bool, error) {
	var changed bool
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if changed, err = upsertBase(ctx, tx, "base_tables", t.ID, t.Version, t.UpdatedAt, t); err != nil || !changed {
			return err
		}
		return q.recompute(ctx, tx)
	})
	return changed, err
}

// ReplaceBase adopts a full snapshot. Cached entities missing from it are
// dropped unless they changed after the snapshot was taken.
func (q *Queue) ReplaceBase(ctx context.Context, snap domain.Snapshot) error {
	return q.withTx(ctx, func(tx *sql.Tx) error {
		keepOrders := make(map[string]struct{}, len(snap.Orders))
		for _, o := range snap.Orders {
			keepOrders[o.ID] = struct{}{}
			if _, err := upsertBase(ctx, tx, "base_orders", o.ID, o.Version, o.UpdatedAt, o); err != nil {
				return err
			}
		}
		keepTables := make(map[string]struct{}, len(snap.Tables))
		for _, t := range snap.Tables {
			keepTables[t.ID] = struct{}{}
			if _, err := upsertBase(ctx, tx, "base_tables", t.ID, t.Version, t.UpdatedAt, t); err != nil {
				return err
			}
		}
		cutoff := snap.ServerTimestamp.UnixMilli()
		if err := pruneBase(ctx, tx, "base_orders", keepOrders, cutoff); err != nil {
			return err
		}
		if err := pruneBase(ctx, tx, "base_tables", keepTables, cutoff); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM retired_orders WHERE retired_at < ?`,
			snap.ServerTimestamp.Add(-tombstoneTTL).UnixMilli()); err != nil {
			return err
		}
		return q.recompute(ctx, tx)
	})
}

func pruneBase(ctx context.Context, tx *sql.Tx, table string, keep map[string]struct{}, cutoff int64) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE updated_at < ?`, table), cutoff)
	if err != nil {
		return err
	}
	var drop []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if _, ok := keep[id]; !ok {
			drop = append(drop, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range drop {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
			return err
		}
	}
	return nil
}
