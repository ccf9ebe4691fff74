// Package pipeline implements the request pipeline (§4.5): lock-free
// multi-producer/single-consumer per-zone queues, the triage stage, zone
// worker loops, the cross-zone sparse-cache barrier protocol, and session
// lifecycle state machine.
package pipeline

import "sync/atomic"

// funnelEntry is one link in the funnel queue, matching the original's
// embedded funnel_queue_entry: a value plus a next pointer, never exposed
// outside this file.
type funnelEntry[T any] struct {
	next  atomic.Pointer[funnelEntry[T]]
	value T
}

// FunnelQueue is a lock-free (almost) multi-producer, single-consumer queue
// (original_source/utils/uds/funnel-queue.h). Any number of goroutines may
// call Put concurrently; only one goroutine may call Poll/IsEmpty/IsIdle at
// a time, matching the "single consumer thread" contract in the original.
//
// The algorithm is not fully lock-free: a producer preempted between the
// xchg of newest and the store of previous.next hides every entry queued
// after it from the consumer until that store completes. This is the same
// trade-off the original makes, traded for never blocking producers.
type FunnelQueue[T any] struct {
	newest atomic.Pointer[funnelEntry[T]]
	oldest *funnelEntry[T] // consumer-owned, never read by producers
	stub   funnelEntry[T]  // reusable dummy entry providing the non-nil invariant
}

// NewFunnelQueue builds an empty queue.
func NewFunnelQueue[T any]() *FunnelQueue[T] {
	q := &FunnelQueue[T]{}
	q.newest.Store(&q.stub)
	q.oldest = &q.stub
	return q
}

// Put adds an entry to the end of the queue. Safe to call from any number
// of goroutines concurrently.
func (q *FunnelQueue[T]) Put(value T) {
	entry := &funnelEntry[T]{value: value}
	// entry.next is already nil (zero value); the xchg below is the memory
	// barrier that publishes it to the consumer and other producers.
	previous := q.newest.Swap(entry)
	previous.next.Store(entry)
}

// Poll removes and returns the oldest entry, or reports ok=false if the
// queue is empty (or transiently appears empty mid-Put). Must only be
// called from a single consumer goroutine.
func (q *FunnelQueue[T]) Poll() (value T, ok bool) {
	oldest := q.oldest
	next := oldest.next.Load()
	if oldest == &q.stub {
		if next == nil {
			var zero T
			return zero, false
		}
		q.oldest = next
		oldest = next
		next = next.next.Load()
	}
	if next != nil {
		q.oldest = next
		return oldest.value, true
	}
	newest := q.newest.Load()
	if oldest != newest {
		// A producer is mid-Put: the queue is non-empty but the tail link
		// hasn't been published yet. Report empty rather than spin.
		var zero T
		return zero, false
	}
	// Requeue the stub at the tail so future polls still see new entries.
	q.Put2Stub()
	next = oldest.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}
	q.oldest = next
	return oldest.value, true
}

// Put2Stub reinserts the queue's own stub entry at the tail, the same
// technique the original uses inline in its poll implementation (named
// separately here only because Go cannot embed the link pointer in an
// arbitrary caller struct the way the C macro-free version does).
func (q *FunnelQueue[T]) Put2Stub() {
	q.stub.next.Store(nil)
	previous := q.newest.Swap(&q.stub)
	previous.next.Store(&q.stub)
}

// IsEmpty reports whether the queue currently holds no retrievable entry.
// Must only be called from the consumer goroutine.
func (q *FunnelQueue[T]) IsEmpty() bool {
	return q.oldest.next.Load() == nil && q.oldest == q.newest.Load()
}

// IsIdle reports whether the queue has no retrievable entry and no entry
// known to be in the process of being added. Must only be called from the
// consumer goroutine.
func (q *FunnelQueue[T]) IsIdle() bool {
	return q.oldest == q.newest.Load()
}
