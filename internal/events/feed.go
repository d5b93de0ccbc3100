// Package events carries lifecycle and mutation notifications from the sync
// engine to any number of independent subscribers.
package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity. Initial sync
// publishes one event per reconciled record, so bursts are large.
const DefaultBuffer = 4096

type subscriber[T any] struct {
	ch chan T

	// Lossless feeds queue here and a forwarding goroutine drains into ch.
	mu      sync.Mutex
	pending []T
	notify  chan struct{}
}

// Feed is a broadcast channel. Every subscriber receives every event
// published after it subscribed, in publish order.
//
// Publish never blocks. A lossy feed drops events that do not fit a
// subscriber's buffer and counts them; a lossless feed queues them without
// bound until the subscriber reads them or its context ends.
type Feed[T any] struct {
	mu       sync.RWMutex
	subs     map[*subscriber[T]]struct{}
	closed   bool
	done     chan struct{}
	buffer   int
	lossless bool
	dropped  atomic.Int64
}

// NewFeed creates a lossy feed with the given per-subscriber buffer. A
// buffer of zero or less uses DefaultBuffer.
func NewFeed[T any](buffer int) *Feed[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Feed[T]{
		subs:   make(map[*subscriber[T]]struct{}),
		done:   make(chan struct{}),
		buffer: buffer,
	}
}

// NewLosslessFeed creates a feed that never drops an event for a live
// subscriber. buffer sizes the subscriber channel as in NewFeed.
func NewLosslessFeed[T any](buffer int) *Feed[T] {
	f := NewFeed[T](buffer)
	f.lossless = true
	return f
}

// Subscribe returns a channel receiving events until ctx is done or the feed
// is closed, after which the channel is closed. On a lossless feed, events
// queued before Close are still delivered before the channel closes.
func (f *Feed[T]) Subscribe(ctx context.Context) <-chan T {
	sub := &subscriber[T]{
		ch:     make(chan T, f.buffer),
		notify: make(chan struct{}, 1),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		defer close(sub.ch)
		if f.lossless {
			f.forward(ctx, sub)
			return
		}
		select {
		case <-ctx.Done():
			f.remove(sub)
		case <-f.done:
		}
	}()
	return sub.ch
}

// Publish delivers ev to all current subscribers.
func (f *Feed[T]) Publish(ev T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for sub := range f.subs {
		if f.lossless {
			sub.mu.Lock()
			sub.pending = append(sub.pending, ev)
			sub.mu.Unlock()
			select {
			case sub.notify <- struct{}{}:
			default:
			}
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			f.dropped.Add(1)
		}
	}
}

// forward moves queued events into sub.ch until ctx ends, or until the feed
// is closed and the queue is empty.
func (f *Feed[T]) forward(ctx context.Context, sub *subscriber[T]) {
	defer f.remove(sub)
	for {
		sub.mu.Lock()
		batch := sub.pending
		sub.pending = nil
		sub.mu.Unlock()

		for _, ev := range batch {
			select {
			case sub.ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-sub.notify:
		case <-ctx.Done():
			return
		case <-f.done:
			sub.mu.Lock()
			empty := len(sub.pending) == 0
			sub.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

// Close ends every subscription. Later publishes are ignored.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	f.subs = nil
}

// Subscribers returns the number of active subscribers.
func (f *Feed[T]) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full. It is always zero for a lossless feed.
func (f *Feed[T]) Dropped() int64 {
	return f.dropped.Load()
}

func (f *Feed[T]) remove(sub *subscriber[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}
