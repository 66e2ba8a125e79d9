package live

import (
	"context"
	"iter"
	"sync"

	"github.com/pkg/errors"

	"github.com/malikk908/chatstream/model"
)

// ErrClosed is returned by Next once the subscription is closed and drained.
var ErrClosed = errors.New("subscription closed")

// Subscription is a lazy, unbounded sequence of events for one stream. Events are queued until
// they're consumed and are never dropped.
type Subscription struct {
	StreamId model.Id

	channel *Channel

	mu     sync.Mutex
	queue  []model.Event
	notify chan struct{}
	err    error
	closed bool
}

func newSubscription(channel *Channel, streamId model.Id) *Subscription {
	return &Subscription{
		StreamId: streamId,
		channel:  channel,
		notify:   make(chan struct{}, 1),
	}
}

func (s *Subscription) push(event model.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// end stops the subscription. Queued events remain readable.
func (s *Subscription) end(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	s.signal()
	return true
}

// Next blocks until an event is available. Once the subscription is closed and its queue is
// drained, Next returns ErrClosed, or the error that ended the subscription.
func (s *Subscription) Next(ctx context.Context) (model.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue[0] = model.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, nil
		} else if s.closed {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return model.Event{}, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		}
	}
}

// All returns an iterator over the subscription's events. Iteration ends when ctx is done or the
// subscription ends. Use Err to find out why.
func (s *Subscription) All(ctx context.Context) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		for {
			event, err := s.Next(ctx)
			if err != nil || !yield(event) {
				return
			}
		}
	}
}

// Err returns the error that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len returns the number of queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close releases the subscription. When a stream's last subscription is closed, the stream is left.
func (s *Subscription) Close() {
	if s.end(nil) {
		s.channel.release(s)
	}
}
