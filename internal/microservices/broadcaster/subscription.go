package broadcaster

import (
	"context"

	"pos-sync/internal/domain"
)

// Message is one delivered event. Exactly one of Ack or Nack must be called.
type Message struct {
	Event domain.Event
	Ack   func() error
	Nack  func(requeue bool) error
}

// Subscription delivers events on C until Cancel is called or the source
// goes away, at which point C is closed.
type Subscription struct {
	C      <-chan Message
	Cancel func()
}

type Source interface {
	Subscribe(ctx context.Context, queue string, channels []domain.Channel) (*Subscription, error)
}
