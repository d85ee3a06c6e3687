// Package bus fans normalized events out to independent bounded subscribers.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"wcfbridge/pkg/event"
)

const defaultBufferSize = 100

type subscriber struct {
	name    string
	ch      chan event.NormalizedEvent
	dropped atomic.Uint64
}

// EventBus delivers every published event to every subscriber without ever
// blocking the publisher: a subscriber whose buffer is full misses the event.
type EventBus struct {
	subscribers map[uint64]*subscriber
	nextID      uint64

	published atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func New() *EventBus {
	return &EventBus{
		subscribers: make(map[uint64]*subscriber),
		done:        make(chan struct{}),
	}
}

// PublishEvent offers ev to every subscriber. It returns false once the bus
// is closed or ctx is done.
func (b *EventBus) PublishEvent(ctx context.Context, ev event.NormalizedEvent) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}

	b.published.Add(1)
	return true
}

// SubscribeEvents registers a named subscriber with its own buffer. The
// channel closes when ctx ends, the bus closes or unsubscribe is called.
func (b *EventBus) SubscribeEvents(ctx context.Context, name string, buffer int) (<-chan event.NormalizedEvent, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	sub := &subscriber{name: name, ch: make(chan event.NormalizedEvent, buffer)}

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	default:
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-b.done:
			unsubscribe()
		}
	}()

	return sub.ch, unsubscribe
}

// Published is the number of events accepted by the bus.
func (b *EventBus) Published() uint64 {
	return b.published.Load()
}

// Dropped reports, per subscriber name, how many events missed a full buffer.
func (b *EventBus) Dropped() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]uint64, len(b.subscribers))
	for _, sub := range b.subscribers {
		out[sub.name] += sub.dropped.Load()
	}
	return out
}

func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		for id, sub := range b.subscribers {
			close(sub.ch)
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	})
}
