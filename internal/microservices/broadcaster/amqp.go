package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"pos-sync/internal/common/logger"
	"pos-sync/internal/common/mq"
	"pos-sync/internal/domain"
)

// AMQPPublisher routes each event to the topic exchange with the channel
// name as routing key.
type AMQPPublisher struct {
	client   *mq.Client
	exchange string
}

func NewAMQPPublisher(client *mq.Client, exchange string) (*AMQPPublisher, error) {
	if err := client.DeclareExchange(exchange); err != nil {
		return nil, fmt.Errorf("declare %s: %w", exchange, err)
	}
	return &AMQPPublisher{client: client, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.exchange, string(ev.Channel), ev.EventID, body)
}

// AMQPSource hands out subscriptions backed by durable named queues, so a
// restarted consumer with the same queue name picks up where it left off.
type AMQPSource struct {
	client   *mq.Client
	exchange string
	prefetch int
	log      *logger.Logger
}

func NewAMQPSource(client *mq.Client, exchange string, prefetch int, log *logger.Logger) *AMQPSource {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &AMQPSource{client: client, exchange: exchange, prefetch: prefetch, log: log}
}

func (s *AMQPSource) Subscribe(ctx context.Context, queue string, channels []domain.Channel) (*Subscription, error) {
	if err := s.client.DeclareExchange(s.exchange); err != nil {
		return nil, fmt.Errorf("declare %s: %w", s.exchange, err)
	}
	keys := make([]string, len(channels))
	for i, ch := range channels {
		keys[i] = string(ch)
	}
	if err := s.client.DeclareQueue(queue, s.exchange, keys); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	tag := queue + "-" + uuid.NewString()[:8]
	deliveries, err := s.client.Consume(queue, tag, s.prefetch)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal(d.Body, &ev); err != nil {
					s.log.Error("event_decode_failed", err, map[string]any{"queue": queue, "message_id": d.MessageId})
					_ = d.Nack(false, false)
					continue
				}
				msg := Message{
					Event: ev,
					Ack:   func() error { return d.Ack(false) },
					Nack:  func(requeue bool) error { return d.Nack(false, requeue) },
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()

	var once sync.Once
	return &Subscription{C: out, Cancel: func() {
		once.Do(func() {
			_ = s.client.Cancel(tag)
			cancel()
		})
	}}, nil
}
