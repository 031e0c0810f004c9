package board

import (
	"sync"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

const subscriberBuffer = 16

// Broker fans committed change events out to in-process subscribers.
// Delivery is best effort: a subscriber that stops draining loses
// events instead of stalling mutations.
type Broker struct {
	mu     sync.Mutex
	subs   map[chan domain.ChangeEvent]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan domain.ChangeEvent]struct{})}
}

// Subscribe registers a new subscriber channel. After Close the
// returned channel is already closed.
func (b *Broker) Subscribe() chan domain.ChangeEvent {
	ch := make(chan domain.ChangeEvent, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs[ch] = struct{}{}
	}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (b *Broker) Unsubscribe(ch chan domain.ChangeEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish offers the event to every subscriber without blocking.
func (b *Broker) Publish(evt domain.ChangeEvent) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

// Close closes every subscriber channel. Subsequent publishes are
// dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for ch := range b.subs {
			delete(b.subs, ch)
			close(ch)
		}
	}
	b.mu.Unlock()
}
