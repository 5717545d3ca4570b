package main

import (
	"context"
	"log"
	"sync"
)

const (
	defaultQueueCapacity = 512
	maxQueueCapacity     = 100000

	// Buffer for the handoff between write-path goroutines and the
	// broker's fan-out goroutine. Sized well above any realistic burst;
	// overflow is dropped rather than blocking a write handler.
	brokerDispatchBuffer = 1024
)

// entryBroker fans entry-change envelopes out to every connected stream
// subscriber. Writers hand envelopes to publish from any goroutine; a
// single fan-out goroutine (started with start) performs delivery, so a
// slow subscriber never blocks a write handler or another subscriber.
type entryBroker struct {
	mu       sync.Mutex
	subs     map[chan envelope]struct{}
	capacity int

	dispatchMu sync.RWMutex
	dispatch   chan envelope
}

func newEntryBroker() *entryBroker {
	return &entryBroker{
		subs:     make(map[chan envelope]struct{}),
		capacity: defaultQueueCapacity,
	}
}

// configure sets the per-subscriber queue capacity, clamped to
// [0, maxQueueCapacity]. Zero selects the largest queue. Call before start
// and before the first subscriber connects; channels created earlier keep
// the capacity they were created with.
func (b *entryBroker) configure(capacity int) {
	b.mu.Lock()
	b.capacity = clampQueueCapacity(capacity)
	b.mu.Unlock()
}

func clampQueueCapacity(capacity int) int {
	if capacity < 0 {
		return 0
	}
	if capacity > maxQueueCapacity {
		return maxQueueCapacity
	}
	return capacity
}

// start launches the broker's owning goroutine, which runs until ctx is
// cancelled. publish is effective once start returns; calls made earlier
// are silently dropped. Calling start twice is a no-op.
func (b *entryBroker) start(ctx context.Context) {
	b.dispatchMu.Lock()
	if b.dispatch != nil {
		b.dispatchMu.Unlock()
		return
	}
	dispatch := make(chan envelope, brokerDispatchBuffer)
	b.dispatch = dispatch
	b.dispatchMu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-dispatch:
				b.fanOut(env)
			}
		}
	}()
}

// subscribe registers a new bounded subscriber channel and returns it.
// The channel stays registered until unsubscribe; it is never closed by
// the broker, so a racing fan-out can still write to it safely.
func (b *entryBroker) subscribe() chan envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := b.capacity
	if capacity == 0 {
		capacity = maxQueueCapacity
	}
	ch := make(chan envelope, capacity)
	b.subs[ch] = struct{}{}
	return ch
}

// unsubscribe removes a channel from the subscriber set. Unknown or
// already-removed channels are a no-op.
func (b *entryBroker) unsubscribe(ch chan envelope) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *entryBroker) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// publish hands an envelope to the fan-out goroutine. Safe from any
// goroutine, never blocks, never fails the caller: before start it is a
// no-op, and a wedged fan-out loop drops the envelope instead of stalling
// the write path.
func (b *entryBroker) publish(env envelope) {
	b.dispatchMu.RLock()
	dispatch := b.dispatch
	b.dispatchMu.RUnlock()
	if dispatch == nil {
		return
	}
	select {
	case dispatch <- env:
	default:
		log.Printf("event broker: dispatch queue full, dropping %s event", env.Type)
	}
}

// fanOut delivers env to a snapshot of the subscriber set. Subscribers
// joining after the snapshot do not receive env; subscribers that left are
// tolerated because their channels are never closed. Channels that cannot
// accept the envelope even after evicting their backlog are removed in a
// second critical section, so the lock is never held during delivery.
func (b *entryBroker) fanOut(env envelope) {
	b.mu.Lock()
	targets := make([]chan envelope, 0, len(b.subs))
	for ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	var stale []chan envelope
	for _, ch := range targets {
		if !offerDropOldest(ch, env) {
			stale = append(stale, ch)
		}
	}
	if len(stale) == 0 {
		return
	}

	b.mu.Lock()
	for _, ch := range stale {
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	log.Printf("event broker: removed %d unresponsive subscriber(s)", len(stale))
}

// offerDropOldest enqueues without blocking, evicting the oldest pending
// envelope whenever the queue is full. Freshness wins over completeness: a
// subscriber that stops draining keeps only the most recent capacity
// envelopes. Returns false when the queue can be neither written nor
// drained, which marks the subscriber unresponsive.
func offerDropOldest(ch chan envelope, env envelope) bool {
	for {
		select {
		case ch <- env:
			return true
		default:
		}
		select {
		case <-ch:
		default:
			return false
		}
	}
}

// notifyEntryCreated publishes an entry.created event. Fire-and-forget:
// safe from any goroutine, never blocks, never reports an error to the
// write path.
func (b *entryBroker) notifyEntryCreated(e entryDTO) {
	b.publish(entryCreatedEvent(e))
}

func (b *entryBroker) notifyEntryUpdated(e entryDTO) {
	b.publish(entryUpdatedEvent(e))
}

func (b *entryBroker) notifyEntryDeleted(id, entryType string) {
	b.publish(entryDeletedEvent(id, entryType))
}
