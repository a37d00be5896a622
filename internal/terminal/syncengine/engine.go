// Package syncengine drains the terminal's durable queue to the state
// machine, one mutation at a time in insertion order.
package syncengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pos-sync/internal/common/logger"
	"pos-sync/internal/common/metrics"
	"pos-sync/internal/domain"
	"pos-sync/internal/terminal/queue"
)

type Sender interface {
	Send(ctx context.Context, req domain.MutationRequest) (domain.MutationResponse, error)
}

// Queue is the part of the durable queue the engine drives.
type Queue interface {
	DeviceID() string
	Pending(ctx context.Context) ([]queue.PendingMutation, error)
	MarkInFlight(ctx context.Context, localID string) error
	Nack(ctx context.Context, localID string, cause error, next time.Time) error
	Release(ctx context.Context, localID string) error
	AckApplied(ctx context.Context, localID string, resp domain.MutationResponse) (queue.Notice, error)
	AckRejected(ctx context.Context, localID string, c *domain.ConflictError) (queue.Notice, error)
	Counts(ctx context.Context) (pending, inFlight int, err error)
}

// Reporter receives reachability observations; the connectivity monitor
// implements it.
type Reporter interface {
	Report(online bool)
}

type Config struct {
	SendTimeout   time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	DrainInterval time.Duration
	NoticeBuffer  int
}

type Engine struct {
	q      Queue
	sender Sender
	conn   Reporter
	log    *logger.Logger
	cfg    Config
	now    func() time.Time

	kick     chan struct{}
	force    atomic.Bool
	draining sync.Mutex
	active   atomic.Bool
	notices  chan queue.Notice

	mu        sync.Mutex
	lastDrain time.Time
}

func New(q Queue, sender Sender, conn Reporter, log *logger.Logger, cfg Config) *Engine {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}
	if cfg.NoticeBuffer <= 0 {
		cfg.NoticeBuffer = 64
	}
	return &Engine{
		q:       q,
		sender:  sender,
		conn:    conn,
		log:     log,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		kick:    make(chan struct{}, 1),
		notices: make(chan queue.Notice, cfg.NoticeBuffer),
	}
}

// Trigger requests a drain. Requests made while a drain runs collapse into
// a single follow-up drain.
func (e *Engine) Trigger() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// ForceTrigger requests a drain that ignores backoff timers. Used on the
// Offline to Online edge.
func (e *Engine) ForceTrigger() {
	e.force.Store(true)
	e.Trigger()
}

// Notices delivers sync outcomes for the UI. Notices are also persisted by
// the queue; if nobody reads, the channel drops the overflow.
func (e *Engine) Notices() <-chan queue.Notice { return e.notices }

type Status struct {
	Pending   int       `json:"pending"`
	InFlight  int       `json:"inFlight"`
	Draining  bool      `json:"draining"`
	LastDrain time.Time `json:"lastDrain,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, inFlight, err := e.q.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	e.mu.Lock()
	last := e.lastDrain
	e.mu.Unlock()
	return Status{Pending: pending, InFlight: inFlight, Draining: e.active.Load(), LastDrain: last}, nil
}

// Run drains on every trigger and on the periodic interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if e.cfg.DrainInterval > 0 {
		t := time.NewTicker(e.cfg.DrainInterval)
		defer t.Stop()
		tick = t.C
	}
	e.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.kick:
		case <-tick:
		}
		if _, err := e.Drain(ctx, e.force.Swap(false)); err != nil && ctx.Err() == nil {
			e.log.Error("drain_failed", err, nil)
		}
	}
}

type DrainResult struct {
	Accepted  int
	Rejected  int
	Transient int
	Deferred  int
}

type outcome int

const (
	outAccepted outcome = iota
	outRejected
	outTransient
	outUnreachable
	outSkipped
)

// Drain runs passes over the queue until a pass makes no progress. Within a
// pass a mutation is held back when it references an unreconciled create,
// touches an entity an earlier mutation in the pass was held back on, or
// is still backing off. force skips backoff timers, but a mutation that
// fails transiently is sent at most once per drain.
func (e *Engine) Drain(ctx context.Context, force bool) (DrainResult, error) {
	e.draining.Lock()
	defer e.draining.Unlock()
	e.active.Store(true)
	defer e.active.Store(false)
	defer func() {
		e.mu.Lock()
		e.lastDrain = e.now()
		e.mu.Unlock()
		if pending, _, err := e.q.Counts(context.Background()); err == nil {
			metrics.SetQueueDepth(pending)
		}
	}()

	var res DrainResult
	mapping := map[string]string{}
	failed := map[string]struct{}{}
	for {
		pending, err := e.q.Pending(ctx)
		if err != nil {
			return res, err
		}
		if len(pending) == 0 {
			return res, nil
		}

		creates := map[string]struct{}{}
		for _, m := range pending {
			if m.Kind == domain.KindCreateOrder {
				creates[m.LocalID] = struct{}{}
			}
		}

		held := newEntitySet()
		progress := false
		res.Deferred = 0
		for _, m := range pending {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if out, changed, err := queue.Substitute(m.Kind, m.Payload, mapping); err == nil && changed {
				m.Payload = out
			}
			refs := queue.EntityRefs(m)

			blocked, orphaned := false, ""
			for _, ref := range queue.LocalRefs(m) {
				if _, ok := creates[ref]; ok {
					blocked = true
				} else {
					orphaned = ref
				}
			}
			if orphaned != "" {
				c := domain.Conflict(domain.ConflictDependencyRejected, "referenced %s was never accepted", orphaned)
				if err := e.reject(ctx, m, c); err != nil {
					return res, err
				}
				res.Rejected++
				progress = true
				continue
			}
			_, failedNow := failed[m.LocalID]
			if m.InFlight || blocked || failedNow || held.touches(refs) || (!force && m.NextAttemptAt.After(e.now())) {
				held.add(refs)
				res.Deferred++
				continue
			}

			switch o, resp := e.sendOne(ctx, m); o {
			case outAccepted:
				res.Accepted++
				progress = true
				if m.Kind == domain.KindCreateOrder && resp.ServerID != "" {
					mapping[m.LocalID] = resp.ServerID
					delete(creates, m.LocalID)
				}
			case outRejected:
				res.Rejected++
				progress = true
				delete(creates, m.LocalID)
			case outTransient:
				res.Transient++
				failed[m.LocalID] = struct{}{}
				held.add(refs)
			case outUnreachable:
				res.Transient++
				return res, nil
			case outSkipped:
				held.add(refs)
				res.Deferred++
			}
		}
		if !progress || res.Deferred == 0 {
			return res, nil
		}
	}
}

func (e *Engine) sendOne(ctx context.Context, m queue.PendingMutation) (outcome, domain.MutationResponse) {
	fields := map[string]any{"local_id": m.LocalID, "kind": m.Kind, "attempt": m.Attempts + 1}
	if err := e.q.MarkInFlight(ctx, m.LocalID); err != nil {
		if !errors.Is(err, domain.ErrInFlight) {
			e.log.Error("mark_in_flight_failed", err, fields)
		}
		return outSkipped, domain.MutationResponse{}
	}

	req := domain.MutationRequest{
		IdempotencyToken: m.LocalID,
		Kind:             m.Kind,
		Payload:          m.Payload,
		Origin:           e.q.DeviceID(),
	}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	resp, err := e.sender.Send(sctx, req)
	cancel()

	switch {
	case err == nil && resp.Accepted:
		n, err := e.q.AckApplied(ctx, m.LocalID, resp)
		if err != nil {
			e.log.Error("ack_applied_failed", err, fields)
			_ = e.q.Release(context.Background(), m.LocalID)
			return outSkipped, resp
		}
		e.report(true)
		metrics.SyncResult("accepted")
		fields["server_id"] = resp.ServerID
		fields["duplicate"] = resp.Duplicate
		e.log.Info("mutation_synced", fields)
		e.emit(n)
		return outAccepted, resp

	case err == nil:
		e.report(true)
		if err := e.reject(ctx, m, resp.Conflict); err != nil {
			e.log.Error("ack_rejected_failed", err, fields)
			_ = e.q.Release(context.Background(), m.LocalID)
			return outSkipped, resp
		}
		return outRejected, resp

	case errors.Is(err, ErrServerInvariant):
		e.report(true)
		e.log.Error("mutation_hit_server_invariant", err, fields)
		if err := e.reject(ctx, m, domain.Conflict(domain.ConflictServerInvariant, "%s", err.Error())); err != nil {
			e.log.Error("ack_rejected_failed", err, fields)
			_ = e.q.Release(context.Background(), m.LocalID)
			return outSkipped, resp
		}
		return outRejected, resp

	case errors.Is(err, domain.ErrMalformed):
		e.report(true)
		if err := e.reject(ctx, m, domain.Conflict(domain.ConflictInvalidPayload, "%s", err.Error())); err != nil {
			e.log.Error("ack_rejected_failed", err, fields)
			_ = e.q.Release(context.Background(), m.LocalID)
			return outSkipped, resp
		}
		return outRejected, resp
	}

	if ctx.Err() != nil {
		_ = e.q.Release(context.Background(), m.LocalID)
		return outSkipped, resp
	}
	next := e.now().Add(Backoff(m.Attempts+1, e.cfg.BackoffBase, e.cfg.BackoffCap))
	if nerr := e.q.Nack(ctx, m.LocalID, err, next); nerr != nil {
		e.log.Error("nack_failed", nerr, fields)
	}
	metrics.SyncResult("transient")
	fields["error"] = err.Error()
	fields["next_attempt_at"] = next
	e.log.Warn("mutation_send_failed", fields)
	if errors.Is(err, ErrUnreachable) {
		e.report(false)
		return outUnreachable, resp
	}
	return outTransient, resp
}

// reject settles m as permanently refused.
func (e *Engine) reject(ctx context.Context, m queue.PendingMutation, c *domain.ConflictError) error {
	n, err := e.q.AckRejected(ctx, m.LocalID, c)
	if err != nil {
		return err
	}
	metrics.SyncResult("rejected")
	e.log.Warn("mutation_rejected", map[string]any{
		"local_id": m.LocalID, "kind": m.Kind, "code": c.Code, "reason": c.Reason,
	})
	e.emit(n)
	return nil
}

func (e *Engine) emit(n queue.Notice) {
	select {
	case e.notices <- n:
	default:
	}
}

func (e *Engine) report(online bool) {
	if e.conn != nil {
		e.conn.Report(online)
	}
}

// Backoff is base doubled per prior attempt, capped.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

type entitySet struct {
	orders map[string]struct{}
	tables map[string]struct{}
}

func newEntitySet() entitySet {
	return entitySet{orders: map[string]struct{}{}, tables: map[string]struct{}{}}
}

func (s entitySet) add(r queue.Refs) {
	for _, id := range r.Orders {
		s.orders[id] = struct{}{}
	}
	for _, id := range r.Tables {
		s.tables[id] = struct{}{}
	}
}

func (s entitySet) touches(r queue.Refs) bool {
	for _, id := range r.Orders {
		if _, ok := s.orders[id]; ok {
			return true
		}
	}
	for _, id := range r.Tables {
		if _, ok := s.tables[id]; ok {
			return true
		}
	}
	return false
}
