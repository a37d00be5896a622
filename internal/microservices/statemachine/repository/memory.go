package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"pos-sync/internal/domain"
)

// MemoryStore keeps state in process. Transactions are serialized behind a
// single mutex and roll back through an undo log, which gives the same
// isolation the row locks give on Postgres.
type MemoryStore struct {
	mu        sync.Mutex
	tables    map[string]domain.Table
	orders    map[string]domain.Order
	responses map[string]*storedResponse
	statusLog []StatusLogEntry
	outbox    []outboxRow
	nextSeq   int64

	// relayMu keeps ProcessPending single-file without holding mu during fn.
	relayMu sync.Mutex
}

type storedResponse struct {
	kind domain.MutationKind
	raw  []byte
}

// outboxRow is removed once published.
type outboxRow struct {
	seq   int64
	event domain.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:    map[string]domain.Table{},
		orders:    map[string]domain.Order{},
		responses: map[string]*storedResponse{},
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) LookupResponse(_ context.Context, token string) (domain.MutationResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.responses[token]
	if !ok || sr.raw == nil {
		return domain.MutationResponse{}, false, nil
	}
	var resp domain.MutationResponse
	if err := json.Unmarshal(sr.raw, &resp); err != nil {
		return domain.MutationResponse{}, false, err
	}
	return resp, true, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := domain.Snapshot{Tables: []domain.Table{}, Orders: []domain.Order{}, ServerTimestamp: time.Now().UTC()}
	for _, t := range s.tables {
		snap.Tables = append(snap.Tables, t)
	}
	for _, o := range s.orders {
		if o.Open() {
			snap.Orders = append(snap.Orders, o)
		}
	}
	sort.Slice(snap.Tables, func(i, j int) bool { return snap.Tables[i].ID < snap.Tables[j].ID })
	sortOrders(snap.Orders)
	return snap, nil
}

func (s *MemoryStore) GetTable(_ context.Context, id string) (domain.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[id]
	if !ok {
		return domain.Table{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *MemoryStore) TableOrders(_ context.Context, tableID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Order{}
	for _, o := range s.orders {
		if domain.StrVal(o.TableID) == tableID {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) OrderTimeline(_ context.Context, orderID string) ([]StatusLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []StatusLogEntry{}
	for _, e := range s.statusLog {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) SeedTable(_ context.Context, t domain.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[t.ID]; ok {
		return nil
	}
	if err := t.CheckInvariant(); err != nil {
		return err
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	s.tables[t.ID] = t
	return nil
}

func (s *MemoryStore) ProcessPending(ctx context.Context, limit int, fn func(domain.Event) error) (int, error) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	s.mu.Lock()
	n := min(limit, len(s.outbox))
	batch := append([]outboxRow(nil), s.outbox[:n]...)
	s.mu.Unlock()

	marked := 0
	for _, r := range batch {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		if err := fn(r.event); err != nil {
			return marked, err
		}
		s.mu.Lock()
		for i := range s.outbox {
			if s.outbox[i].seq == r.seq {
				s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		marked++
	}
	return marked, nil
}

// PendingEvents returns unpublished outbox events.
func (s *MemoryStore) PendingEvents() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, r := range s.outbox {
		out = append(out, r.event)
	}
	return out
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

// memTx runs with s.mu held.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *memTx) ClaimToken(_ context.Context, token string, kind domain.MutationKind) (bool, error) {
	if _, ok := t.s.responses[token]; ok {
		return false, nil
	}
	t.s.responses[token] = &storedResponse{kind: kind}
	t.undo = append(t.undo, func() { delete(t.s.responses, token) })
	return true, nil
}

func (t *memTx) StoredResponse(_ context.Context, token string) (domain.MutationResponse, error) {
	sr, ok := t.s.responses[token]
	if !ok {
		return domain.MutationResponse{}, domain.ErrNotFound
	}
	var resp domain.MutationResponse
	err := json.Unmarshal(sr.raw, &resp)
	return resp, err
}

func (t *memTx) SaveResponse(_ context.Context, token string, resp domain.MutationResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	sr, ok := t.s.responses[token]
	if !ok {
		return domain.ErrNotFound
	}
	prev := sr.raw
	sr.raw = raw
	t.undo = append(t.undo, func() { sr.raw = prev })
	return nil
}

func (t *memTx) PeekOrderTable(_ context.Context, orderID string) (*string, error) {
	o, ok := t.s.orders[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o.TableID, nil
}

func (t *memTx) LockTable(_ context.Context, id string) (domain.Table, error) {
	tb, ok := t.s.tables[id]
	if !ok {
		return domain.Table{}, domain.ErrNotFound
	}
	return tb, nil
}

func (t *memTx) LockOrder(_ context.Context, id string) (domain.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (t *memTx) InsertOrder(_ context.Context, o domain.Order) error {
	if _, ok := t.s.orders[o.ID]; ok {
		return &domain.InvariantViolation{Entity: "order", ID: o.ID, Detail: "duplicate id"}
	}
	if o.TableID != nil && o.Open() {
		for _, other := range t.s.orders {
			if other.Open() && domain.StrVal(other.TableID) == *o.TableID {
				return &domain.InvariantViolation{Entity: "table", ID: *o.TableID, Detail: "second open order"}
			}
		}
	}
	t.s.orders[o.ID] = o
	t.undo = append(t.undo, func() { delete(t.s.orders, o.ID) })
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o domain.Order) error {
	prev, ok := t.s.orders[o.ID]
	if !ok {
		return domain.ErrNotFound
	}
	t.s.orders[o.ID] = o
	t.undo = append(t.undo, func() { t.s.orders[o.ID] = prev })
	return nil
}

func (t *memTx) UpdateTable(_ context.Context, tb domain.Table) error {
	prev, ok := t.s.tables[tb.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := tb.CheckInvariant(); err != nil {
		return err
	}
	t.s.tables[tb.ID] = tb
	t.undo = append(t.undo, func() { t.s.tables[tb.ID] = prev })
	return nil
}

func (t *memTx) AppendStatusLog(_ context.Context, orderID string, status domain.OrderStatus, changedBy string) error {
	n := len(t.s.statusLog)
	t.s.statusLog = append(t.s.statusLog, StatusLogEntry{
		OrderID: orderID, Status: status, ChangedBy: changedBy, ChangedAt: time.Now().UTC(),
	})
	t.undo = append(t.undo, func() { t.s.statusLog = t.s.statusLog[:n] })
	return nil
}

func (t *memTx) AppendOutbox(_ context.Context, events []domain.Event) error {
	n := len(t.s.outbox)
	for _, ev := range events {
		t.s.nextSeq++
		t.s.outbox = append(t.s.outbox, outboxRow{seq: t.s.nextSeq, event: ev})
	}
	t.undo = append(t.undo, func() { t.s.outbox = t.s.outbox[:n] })
	return nil
}
