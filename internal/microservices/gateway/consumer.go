package gateway

import (
	"context"
	"fmt"

	"pos-sync/internal/common/logger"
	"pos-sync/internal/domain"
	"pos-sync/internal/microservices/broadcaster"
)

// Consumer holds the gateway's single broadcaster subscription and feeds the
// hub. Deliveries are acked once handed to connection buffers.
type Consumer struct {
	source broadcaster.Source
	hub    *Hub
	queue  string
	log    *logger.Logger
}

func NewConsumer(source broadcaster.Source, hub *Hub, queue string, log *logger.Logger) *Consumer {
	return &Consumer{source: source, hub: hub, queue: queue, log: log}
}

func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.source.Subscribe(ctx, c.queue, domain.AllChannels)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.queue, err)
	}
	defer sub.Cancel()
	c.log.Info("consumer_started", map[string]any{"queue": c.queue})

	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer_stopped", map[string]any{"queue": c.queue})
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("subscription %s closed", c.queue)
			}
			n := c.hub.Dispatch(msg.Event)
			if err := msg.Ack(); err != nil {
				c.log.Error("ack_failed", err, map[string]any{"event_id": msg.Event.EventID})
			}
			c.log.Debug("event_dispatched", map[string]any{
				"event_id": msg.Event.EventID, "channel": msg.Event.Channel, "type": msg.Event.Type, "delivered": n,
			})
		}
	}
}
