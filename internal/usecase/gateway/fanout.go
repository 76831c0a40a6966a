package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/glindberg2000/superagent/internal/domain"
)

// DefaultBufferSize is the per-subscription event buffer. A subscriber
// that falls further behind loses the oldest buffered events; recent
// history is re-fetched from Discord each turn, so stale events are the
// cheapest thing to lose.
const DefaultBufferSize = 256

// Subscription is one subscriber's ordered view of a bot identity's
// inbound events.
type Subscription struct {
	ID         string
	Subscriber string

	events  chan domain.InboundEvent
	dropped *atomic.Uint64
	once    sync.Once
	remove  func()
}

// Events implements domain.EventStream.
func (s *Subscription) Events() <-chan domain.InboundEvent { return s.events }

// Close detaches the subscription from its identity. Idempotent.
func (s *Subscription) Close() error {
	s.once.Do(s.remove)
	return nil
}

// fanout delivers every event to every attached subscription.
// Publish is called from a single goroutine per identity, preserving
// Discord-receive order for all subscribers.
type fanout struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	buffer  int
	dropped atomic.Uint64
}

func newFanout(buffer int) *fanout {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &fanout{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
	}
}

// subscribe attaches a new subscription for the given subscriber name.
// Multiple subscriptions per subscriber are permitted; each receives
// every event independently.
func (f *fanout) subscribe(subscriber string) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := ulid.Make().String()
	sub := &Subscription{
		ID:         id,
		Subscriber: subscriber,
		events:     make(chan domain.InboundEvent, f.buffer),
		dropped:    &f.dropped,
	}
	sub.remove = func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
	f.subs[id] = sub
	return sub
}

// publish fans the event out to every subscription. A full buffer drops
// the oldest buffered event rather than blocking the gateway.
func (f *fanout) publish(ev domain.InboundEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.subs {
		for {
			select {
			case sub.events <- ev:
			default:
				// Buffer full: drop the oldest event and retry.
				select {
				case <-sub.events:
					f.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// droppedTotal returns the monotonic drop counter across subscriptions.
func (f *fanout) droppedTotal() uint64 { return f.dropped.Load() }

// subscriberCount returns the number of attached subscriptions.
func (f *fanout) subscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
