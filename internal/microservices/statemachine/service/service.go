package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pos-sync/internal/common/logger"
	"pos-sync/internal/common/metrics"
	"pos-sync/internal/domain"
	"pos-sync/internal/microservices/statemachine/collaborators"
	"pos-sync/internal/microservices/statemachine/repository"
)

type MachineInterface interface {
	Apply(ctx context.Context, req domain.MutationRequest) (domain.MutationResponse, error)

	Snapshot(ctx context.Context) (domain.Snapshot, error)
	Table(ctx context.Context, id string) (domain.Table, error)
	Order(ctx context.Context, id string) (domain.Order, error)
	TableOrders(ctx context.Context, tableID string) ([]domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]repository.StatusLogEntry, error)
}

// Machine is the single authority over order and table state. Every Apply
// runs in one store transaction: token claim, row locks, validation,
// writes, outbox append and stored response commit together.
type Machine struct {
	store   repository.StoreInterface
	catalog collaborators.Catalog
	log     *logger.Logger

	now      func() time.Time
	newID    func() string
	onCommit func()
}

type Option func(*Machine)

// WithCommitHook is called after a transaction that appended events commits.
func WithCommitHook(fn func()) Option { return func(m *Machine) { m.onCommit = fn } }

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func WithIDs(newID func() string) Option { return func(m *Machine) { m.newID = newID } }

func NewMachine(store repository.StoreInterface, catalog collaborators.Catalog, log *logger.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:   store,
		catalog: catalog,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply validates and applies one mutation. A definitive answer (accepted or
// conflict) is returned with a nil error and stored under the idempotency
// token. Errors are domain.ErrMalformed, domain.ErrTransient, an
// *domain.InvariantViolation or a storage failure.
func (m *Machine) Apply(ctx context.Context, req domain.MutationRequest) (domain.MutationResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.MutationResponse{}, err
	}

	if stored, ok, err := m.store.LookupResponse(ctx, req.IdempotencyToken); err != nil {
		return domain.MutationResponse{}, err
	} else if ok {
		stored.Duplicate = true
		metrics.MutationHandled(string(req.Kind), "duplicate")
		m.log.Debug("mutation_duplicate", map[string]any{"token": req.IdempotencyToken, "kind": req.Kind})
		return stored, nil
	}

	plan, err := m.prepare(ctx, req)
	if err != nil {
		return domain.MutationResponse{}, err
	}

	var (
		resp   domain.MutationResponse
		events []domain.Event
	)
	err = m.store.WithinTx(ctx, func(tx repository.Tx) error {
		resp, events = domain.MutationResponse{}, nil

		claimed, err := tx.ClaimToken(ctx, req.IdempotencyToken, req.Kind)
		if err != nil {
			return err
		}
		if !claimed {
			stored, err := tx.StoredResponse(ctx, req.IdempotencyToken)
			if err != nil {
				return err
			}
			resp = stored
			resp.Duplicate = true
			return nil
		}

		if plan.conflict != nil {
			resp = domain.Rejected(plan.conflict)
		} else {
			r, evs, err := m.dispatch(ctx, tx, req, plan)
			if ce, ok := domain.AsConflict(err); ok {
				r, evs = domain.Rejected(ce), nil
			} else if err != nil {
				return err
			}
			resp, events = r, evs
		}

		if len(events) > 0 {
			if err := tx.AppendOutbox(ctx, events); err != nil {
				return err
			}
		}
		return tx.SaveResponse(ctx, req.IdempotencyToken, resp)
	})
	if err != nil {
		if domain.IsInvariantViolation(err) {
			metrics.InvariantViolation()
			m.log.Error("invariant_violation", err, map[string]any{"token": req.IdempotencyToken, "kind": req.Kind})
		}
		return domain.MutationResponse{}, err
	}

	fields := map[string]any{"token": req.IdempotencyToken, "kind": req.Kind, "origin": req.Origin}
	switch {
	case resp.Duplicate:
		metrics.MutationHandled(string(req.Kind), "duplicate")
		m.log.Debug("mutation_duplicate", fields)
	case resp.Accepted:
		metrics.MutationHandled(string(req.Kind), "accepted")
		fields["server_id"] = resp.ServerID
		m.log.Info("mutation_applied", fields)
	default:
		metrics.MutationHandled(string(req.Kind), "rejected")
		fields["code"] = resp.Conflict.Code
		fields["reason"] = resp.Conflict.Reason
		m.log.Warn("mutation_rejected", fields)
	}

	if len(events) > 0 && m.onCommit != nil {
		m.onCommit()
	}
	return resp, nil
}

func (m *Machine) dispatch(ctx context.Context, tx repository.Tx, req domain.MutationRequest, p *plan) (domain.MutationResponse, []domain.Event, error) {
	changedBy := req.Origin
	if changedBy == "" {
		changedBy = "statemachine"
	}
	switch req.Kind {
	case domain.KindCreateOrder:
		return m.createOrder(ctx, tx, changedBy, p.create)
	case domain.KindUpdateOrderStatus:
		return m.updateOrderStatus(ctx, tx, changedBy, p.orderStatus)
	default:
		return m.updateTableStatus(ctx, tx, changedBy, p.tableStatus)
	}
}

func (m *Machine) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	return m.store.Snapshot(ctx)
}

func (m *Machine) Table(ctx context.Context, id string) (domain.Table, error) {
	return m.store.GetTable(ctx, id)
}

func (m *Machine) Order(ctx context.Context, id string) (domain.Order, error) {
	return m.store.GetOrder(ctx, id)
}

func (m *Machine) TableOrders(ctx context.Context, tableID string) ([]domain.Order, error) {
	if _, err := m.store.GetTable(ctx, tableID); err != nil {
		return nil, err
	}
	return m.store.TableOrders(ctx, tableID)
}

func (m *Machine) Timeline(ctx context.Context, orderID string) ([]repository.StatusLogEntry, error) {
	if _, err := m.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return m.store.OrderTimeline(ctx, orderID)
}
