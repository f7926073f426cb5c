package ring

import (
	"sync"
	"time"
)

// BlockingBuffer is a FIFO bounded queue using a mutex and two
// condition variables. It backs the Blocking Context variant, where
// each Node owns a dedicated OS thread and uses OS blocking primitives
// instead of busy-waiting on a lock-free ring. The batch Peek/Waste
// API lets a Node drain more than one item per wake.
type BlockingBuffer[T any] struct {
	mu       sync.Mutex
	hasItem  *sync.Cond
	hasSlot  *sync.Cond
	items    []T
	capacity int
	closed   bool
}

// NewBlockingBuffer creates a bounded blocking queue of the given
// capacity.
func NewBlockingBuffer[T any](capacity int) *BlockingBuffer[T] {
	b := &BlockingBuffer[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
	b.hasItem = sync.NewCond(&b.mu)
	b.hasSlot = sync.NewCond(&b.mu)
	return b
}

// Put blocks until a slot is free, then enqueues v.
func (b *BlockingBuffer[T]) Put(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) >= b.capacity && !b.closed {
		b.hasSlot.Wait()
	}
	if b.closed {
		return
	}
	b.items = append(b.items, v)
	b.hasItem.Signal()
}

// TryPut attempts to enqueue v within timeout, returning false if the
// buffer stayed full for the whole duration.
func (b *BlockingBuffer[T]) TryPut(v T, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) >= b.capacity && !b.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if !condWaitTimeout(b.hasSlot, &b.mu, remaining) {
			return false
		}
	}
	if b.closed {
		return false
	}
	b.items = append(b.items, v)
	b.hasItem.Signal()
	return true
}

// Take blocks until an item is available, then dequeues and returns it.
// ok is false only if the buffer was closed with nothing left to drain.
func (b *BlockingBuffer[T]) Take() (v T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 && !b.closed {
		b.hasItem.Wait()
	}
	if len(b.items) == 0 {
		return v, false
	}
	v = b.items[0]
	b.items = b.items[1:]
	b.hasSlot.Signal()
	return v, true
}

// TryTake attempts to dequeue an item within timeout.
func (b *BlockingBuffer[T]) TryTake(timeout time.Duration) (v T, ok bool) {
	deadline := time.Now().Add(timeout)
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 && !b.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return v, false
		}
		if !condWaitTimeout(b.hasItem, &b.mu, remaining) {
			return v, false
		}
	}
	if len(b.items) == 0 {
		return v, false
	}
	v = b.items[0]
	b.items = b.items[1:]
	b.hasSlot.Signal()
	return v, true
}

// Peek returns a snapshot of all items currently queued without
// dequeuing them, for batch-handling Nodes.
func (b *BlockingBuffer[T]) Peek() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// WasteAfterPeek removes the first count items (as returned by a prior
// Peek), releasing their slots.
func (b *BlockingBuffer[T]) WasteAfterPeek(count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count > len(b.items) {
		count = len(b.items)
	}
	b.items = b.items[count:]
	b.hasSlot.Broadcast()
}

// Close wakes every blocked Put/Take with a permanent empty/full
// condition. Subsequent Put/TryPut calls are no-ops; Take/TryTake drain
// remaining items, then report ok=false.
func (b *BlockingBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.hasItem.Broadcast()
	b.hasSlot.Broadcast()
}

// Len returns the number of items currently queued.
func (b *BlockingBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// condWaitTimeout waits on cond for at most timeout, returning false on
// timeout. sync.Cond has no native timed wait, so this spins a helper
// goroutine that reacquires the lock to broadcast after the deadline —
// the same pattern the standard library's own context-aware wrappers
// use internally.
func condWaitTimeout(cond *sync.Cond, mu *sync.Mutex, timeout time.Duration) bool {
	timer := time.AfterFunc(timeout, func() {
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	})
	defer timer.Stop()
	before := time.Now()
	cond.Wait()
	return time.Since(before) < timeout
}
