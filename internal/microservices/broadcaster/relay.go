package broadcaster

import (
	"context"
	"time"

	"pos-sync/internal/common/logger"
	"pos-sync/internal/common/metrics"
	"pos-sync/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Outbox is the store side the relay drains.
type Outbox interface {
	ProcessPending(ctx context.Context, limit int, fn func(domain.Event) error) (int, error)
}

// Relay moves committed outbox rows to the broker. Rows are marked published
// only after the broker confirms, so delivery is at-least-once.
type Relay struct {
	outbox   Outbox
	pub      Publisher
	log      *logger.Logger
	interval time.Duration
	batch    int
	nudge    chan struct{}
}

func NewRelay(outbox Outbox, pub Publisher, log *logger.Logger, interval time.Duration, batch int) *Relay {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		outbox:   outbox,
		pub:      pub,
		log:      log,
		interval: interval,
		batch:    batch,
		nudge:    make(chan struct{}, 1),
	}
}

// Nudge asks for an immediate flush. Never blocks; nudges coalesce.
func (r *Relay) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	r.log.Info("relay_started", map[string]any{"interval": r.interval.String(), "batch": r.batch})
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay_stopped", nil)
			return nil
		case <-t.C:
		case <-r.nudge:
		}
		r.Flush(ctx)
	}
}

// Flush publishes pending events until the outbox is empty or publishing fails.
func (r *Relay) Flush(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := r.outbox.ProcessPending(ctx, r.batch, func(ev domain.Event) error {
			if err := r.pub.Publish(ctx, ev); err != nil {
				return err
			}
			metrics.EventPublished(string(ev.Channel))
			r.log.Debug("event_published", map[string]any{
				"event_id": ev.EventID, "channel": ev.Channel, "type": ev.Type, "entity_id": ev.EntityID,
			})
			return nil
		})
		total += n
		if err != nil {
			r.log.Error("relay_publish_failed", err, map[string]any{"published": n})
			return total
		}
		if n < r.batch {
			return total
		}
	}
	return total
}
