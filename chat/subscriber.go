package chat

import (
	"sync"

	"github.com/onnwee/streamchat/model"
	"github.com/onnwee/streamchat/telemetry"
)

// defaultQueueSize is the per-subscriber event buffer. A subscriber that
// falls this far behind starts losing its oldest undelivered events.
const defaultQueueSize = 128

// Subscriber is one consumer's view of a channel's event stream. Delivery is
// per subscriber: a slow consumer loses its own oldest events instead of
// blocking the manager or its siblings.
type Subscriber struct {
	ch chan model.Event

	mu     sync.Mutex
	closed bool
}

func newSubscriber(size int) *Subscriber {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Subscriber{ch: make(chan model.Event, size)}
}

// Events is the subscriber's receive channel. It is closed when the channel
// is closed or the manager shuts down.
func (s *Subscriber) Events() <-chan model.Event { return s.ch }

// push enqueues without ever blocking. When the queue is full the oldest
// event is dropped to make room.
func (s *Subscriber) push(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			telemetry.EventsDropped.Inc()
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
