// Package queue provides a generic bounded queue with configurable overflow
// behavior. It decouples process I/O callbacks from the single consumer loop
// that turns raw lines into stream updates.
package queue

import (
	"context"
	"errors"
	"iter"
	"sync"

	"agentd/pkg/logx"
	"agentd/pkg/wferrors"
)

// OverflowPolicy selects what Push does when the buffer is at capacity.
type OverflowPolicy string

const (
	// OverflowDrop removes the oldest buffered item to make room.
	OverflowDrop OverflowPolicy = "drop"
	// OverflowBlock is declared in the configuration surface but degrades
	// to OverflowDrop: a true blocking push would let a stalled consumer
	// wedge the producer goroutine that reads the child process.
	OverflowBlock OverflowPolicy = "block"
	// OverflowError rejects the push with a QueueOverflowError.
	OverflowError OverflowPolicy = "error"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("queue closed")

type popResult[T any] struct {
	val T
	ok  bool
}

// Queue is a bounded FIFO consumed by exactly one logical reader loop.
// Push never blocks; Pop suspends until an item arrives, the queue closes,
// or the caller's context fires.
type Queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	waiters []chan popResult[T]
	maxSize int
	policy  OverflowPolicy
	closed  bool
	dropped uint64
	logger  *logx.Logger
}

// DefaultMaxSize is the buffer capacity used when maxSize is not positive.
const DefaultMaxSize = 100

// New creates a bounded queue with the given capacity and overflow policy.
func New[T any](maxSize int, policy OverflowPolicy) *Queue[T] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	switch policy {
	case OverflowDrop, OverflowBlock, OverflowError:
	default:
		policy = OverflowDrop
	}
	return &Queue[T]{
		maxSize: maxSize,
		policy:  policy,
		logger:  logx.NewLogger("queue"),
	}
}

// Push appends an item. If a consumer is already suspended in Pop the item
// is handed off directly, bypassing the buffer (and therefore the capacity
// check; in-flight items can momentarily exceed maxSize by one). At
// capacity the overflow policy applies. Returns ErrClosed after Close.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		w <- popResult[T]{val: item, ok: true}
		return nil
	}

	if len(q.buf) >= q.maxSize {
		switch q.policy {
		case OverflowError:
			size := len(q.buf)
			q.mu.Unlock()
			return &wferrors.QueueOverflowError{Size: size, MaxSize: q.maxSize}
		case OverflowBlock, OverflowDrop:
			q.buf = q.buf[1:]
			q.dropped++
			dropped := q.dropped
			q.buf = append(q.buf, item)
			q.mu.Unlock()
			q.logger.Warn("queue at capacity %d, dropped oldest item (%d dropped total)", q.maxSize, dropped)
			return nil
		}
	}

	q.buf = append(q.buf, item)
	q.mu.Unlock()
	return nil
}

// Pop returns the oldest item. It suspends until an item arrives, the queue
// closes, or ctx fires. The boolean is false when no more items will be
// produced (closed and drained, or cancelled).
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T

	q.mu.Lock()
	if len(q.buf) > 0 {
		item := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		return item, true
	}
	if q.closed {
		q.mu.Unlock()
		return zero, false
	}

	w := make(chan popResult[T], 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case r := <-w:
		return r.val, r.ok
	case <-ctx.Done():
		if !q.deregister(w) {
			// A concurrent Push or Close already claimed the waiter; its
			// send is imminent, so wait for it instead of losing the item.
			r := <-w
			return r.val, r.ok
		}
		return zero, false
	}
}

// deregister removes the waiter so it is resolved exactly once. Returns
// false when the waiter was already claimed by Push or Close.
func (q *Queue[T]) deregister(w chan popResult[T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, candidate := range q.waiters {
		if candidate == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Iter returns a lazy, finite, non-restartable sequence of items. The
// sequence ends when the queue closes and drains or when ctx fires.
func (q *Queue[T]) Iter(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			item, ok := q.Pop(ctx)
			if !ok {
				return
			}
			if !yield(item) {
				return
			}
		}
	}
}

// Close is idempotent. All suspended waiters resolve with "no more items";
// already-buffered items remain drainable via Pop.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	for _, w := range waiters {
		w <- popResult[T]{ok: false}
	}
}

// Len returns the current buffered size.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns how many items the overflow policy has discarded.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
