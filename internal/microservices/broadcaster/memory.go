package broadcaster

import (
	"context"
	"sync"

	"pos-sync/internal/domain"
)

// Bus is an in-process broker with the same named-queue semantics as the
// AMQP exchange. It backs the standalone process and tests.
type Bus struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	size   int
}

type memQueue struct {
	bindings map[domain.Channel]struct{}
	ch       chan domain.Event
}

func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Bus{queues: map[string]*memQueue{}, size: queueSize}
}

func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	b.mu.Lock()
	var targets []*memQueue
	for _, q := range b.queues {
		if _, ok := q.bindings[ev.Channel]; ok {
			targets = append(targets, q)
		}
	}
	b.mu.Unlock()

	for _, q := range targets {
		select {
		case q.ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, queue string, channels []domain.Channel) (*Subscription, error) {
	b.mu.Lock()
	q, ok := b.queues[queue]
	if !ok {
		q = &memQueue{bindings: map[domain.Channel]struct{}{}, ch: make(chan domain.Event, b.size)}
		b.queues[queue] = q
	}
	for _, ch := range channels {
		q.bindings[ch] = struct{}{}
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-q.ch:
				msg := Message{
					Event: ev,
					Ack:   func() error { return nil },
					Nack: func(requeue bool) error {
						if requeue {
							select {
							case q.ch <- ev:
							default:
							}
						}
						return nil
					},
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					select {
					case q.ch <- ev:
					default:
					}
					return
				}
			}
		}
	}()
	return &Subscription{C: out, Cancel: cancel}, nil
}
