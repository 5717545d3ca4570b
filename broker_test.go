package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedBroker(t *testing.T, capacity int) *entryBroker {
	t.Helper()
	b := newEntryBroker()
	b.configure(capacity)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.start(ctx)
	return b
}

func testEvent(i int) envelope {
	return entryDeletedEvent(fmt.Sprintf("entry-%d", i), "raw")
}

func recvEnvelope(t *testing.T, ch chan envelope) envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return envelope{}
	}
}

func TestBrokerFanOutDeliversToAllSubscribersInOrder(t *testing.T) {
	b := startedBroker(t, 64)

	subs := []chan envelope{b.subscribe(), b.subscribe(), b.subscribe()}
	const n = 5
	for i := 0; i < n; i++ {
		b.publish(testEvent(i))
	}

	for _, sub := range subs {
		for i := 0; i < n; i++ {
			assert.Equal(t, testEvent(i), recvEnvelope(t, sub))
		}
	}
}

func TestBrokerSlowSubscriberDropsOldest(t *testing.T) {
	const capacity = 4
	const published = 10
	b := startedBroker(t, capacity)

	slow := b.subscribe()
	fast := b.subscribe()

	var fastGot []envelope
	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		for i := 0; i < published; i++ {
			fastGot = append(fastGot, <-fast)
		}
	}()

	for i := 0; i < published; i++ {
		b.publish(testEvent(i))
	}

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber did not receive all envelopes")
	}
	for i := 0; i < published; i++ {
		assert.Equal(t, testEvent(i), fastGot[i])
	}

	// The slow queue settles at exactly its capacity, holding only the
	// most recent envelopes.
	require.Eventually(t, func() bool {
		return len(slow) == capacity
	}, 2*time.Second, 10*time.Millisecond)
	for i := published - capacity; i < published; i++ {
		assert.Equal(t, testEvent(i), recvEnvelope(t, slow))
	}
	assert.Len(t, slow, 0)

	// Despite the overflow the slow subscriber is still registered:
	// drop-oldest absorbed the backpressure without evicting it.
	assert.Equal(t, 2, b.subscriberCount())
}

func TestBrokerUnsubscribeIsIdempotent(t *testing.T) {
	b := startedBroker(t, 8)

	gone := b.subscribe()
	stays := b.subscribe()

	b.unsubscribe(gone)
	b.unsubscribe(gone)
	b.unsubscribe(make(chan envelope, 1)) // never subscribed

	require.Equal(t, 1, b.subscriberCount())

	b.publish(testEvent(1))
	assert.Equal(t, testEvent(1), recvEnvelope(t, stays))
	assert.Len(t, gone, 0)
}

func TestBrokerNoCrossTalkAcrossSubscriptionWindows(t *testing.T) {
	b := startedBroker(t, 8)

	early := b.subscribe()
	b.publish(testEvent(0))
	require.Equal(t, testEvent(0), recvEnvelope(t, early))

	// Joined after event 0 was fanned out: must not see it.
	late := b.subscribe()
	b.publish(testEvent(1))
	require.Equal(t, testEvent(1), recvEnvelope(t, early))
	assert.Equal(t, testEvent(1), recvEnvelope(t, late))

	// Left before event 2: must not see it.
	b.unsubscribe(early)
	b.publish(testEvent(2))
	require.Equal(t, testEvent(2), recvEnvelope(t, late))
	assert.Len(t, early, 0)
}

func TestBrokerPublishBeforeStartIsNoOp(t *testing.T) {
	b := newEntryBroker()
	sub := b.subscribe()

	b.publish(testEvent(0)) // silently dropped, must not panic

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.start(ctx)

	b.publish(testEvent(1))
	assert.Equal(t, testEvent(1), recvEnvelope(t, sub))
	assert.Len(t, sub, 0)
}

func TestBrokerConcurrentPublishers(t *testing.T) {
	const publishers = 8
	const perPublisher = 40
	b := startedBroker(t, publishers*perPublisher)

	sub := b.subscribe()

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.publish(entryDeletedEvent(fmt.Sprintf("w%d-%d", p, i), "raw"))
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[envelope]struct{}, publishers*perPublisher)
	for i := 0; i < publishers*perPublisher; i++ {
		env := recvEnvelope(t, sub)
		_, dup := seen[env]
		require.False(t, dup, "duplicate envelope %v", env)
		seen[env] = struct{}{}
	}
	assert.Len(t, seen, publishers*perPublisher)
	assert.Len(t, sub, 0)
}

func TestQueueCapacityClamp(t *testing.T) {
	assert.Equal(t, 0, clampQueueCapacity(-5))
	assert.Equal(t, 0, clampQueueCapacity(0))
	assert.Equal(t, 7, clampQueueCapacity(7))
	assert.Equal(t, maxQueueCapacity, clampQueueCapacity(maxQueueCapacity))
	assert.Equal(t, maxQueueCapacity, clampQueueCapacity(maxQueueCapacity+1))
}

func TestBrokerSubscribeUsesConfiguredCapacity(t *testing.T) {
	b := newEntryBroker()

	b.configure(7)
	assert.Equal(t, 7, cap(b.subscribe()))

	// Zero selects the largest queue.
	b.configure(0)
	assert.Equal(t, maxQueueCapacity, cap(b.subscribe()))

	b.configure(-3)
	assert.Equal(t, maxQueueCapacity, cap(b.subscribe()))

	b.configure(maxQueueCapacity + 500)
	assert.Equal(t, maxQueueCapacity, cap(b.subscribe()))
}
