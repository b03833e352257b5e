// Package stream provides the lazy chunk sequences that carry streaming
// tails between the RPC layer and its producers and consumers.
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrConcurrentNext reports a second goroutine awaiting a single-consumer
// iterator while another Next is still pending.
var ErrConcurrentNext = errors.New("stream: concurrent Next on single-consumer iterator")

// Iterator is a single-consumer lazy finite sequence of chunks with a
// terminal state. The consumer pulls with Next/Chunk/Err and abandons with
// Close. The producer drives it with Supply, Finish, and Fail.
//
// Chunks supplied before the terminal state are delivered in order before
// the end is observed. The end is delivered exactly once; Next keeps
// returning false afterwards. Close is idempotent; chunks supplied after
// Close are discarded.
type Iterator[T any] struct {
	mu          sync.Mutex
	queue       []T
	current     T
	waiter      chan struct{}
	done        bool // producer finished (Finish or Fail)
	endErr      error
	endConsumed bool
	closed      bool
	nextErr     error
	cleanup     func()
	cleanupRan  bool
}

// NewIterator returns an empty open iterator.
func NewIterator[T any]() *Iterator[T] {
	return &Iterator[T]{}
}

// Next blocks until a chunk, the terminal state, or ctx expiry. It returns
// true when a chunk is available via Chunk. After it returns false, Err
// reports the terminal error, the ctx cause, or nil on clean end.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	it.mu.Lock()
	for {
		if it.closed || it.nextErr != nil {
			it.mu.Unlock()
			return false
		}
		if len(it.queue) > 0 {
			it.current = it.queue[0]
			it.queue = it.queue[1:]
			it.mu.Unlock()
			return true
		}
		if it.done {
			var fn func()
			if !it.endConsumed {
				it.endConsumed = true
				fn = it.takeCleanupLocked()
			}
			it.mu.Unlock()
			if fn != nil {
				fn()
			}
			return false
		}

		if it.waiter != nil {
			it.nextErr = ErrConcurrentNext
			it.mu.Unlock()
			return false
		}
		w := make(chan struct{})
		it.waiter = w
		it.mu.Unlock()

		select {
		case <-w:
			it.mu.Lock()
		case <-ctx.Done():
			it.mu.Lock()
			if it.waiter == w {
				it.waiter = nil
			}
			it.nextErr = context.Cause(ctx)
			it.mu.Unlock()
			return false
		}
	}
}

// Chunk returns the chunk made available by the last true Next.
func (it *Iterator[T]) Chunk() T {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.current
}

// Err returns the terminal error after Next has returned false. A clean end
// and an explicit Close both report nil.
func (it *Iterator[T]) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.nextErr != nil {
		return it.nextErr
	}
	if it.endConsumed {
		return it.endErr
	}
	return nil
}

// Collect drains the remaining chunks into a slice, returning the terminal
// error if the sequence failed.
func (it *Iterator[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for it.Next(ctx) {
		out = append(out, it.Chunk())
	}
	return out, it.Err()
}

// Close abandons the sequence. It is idempotent. The cleanup callback still
// waits for the producer to finish before it runs, so stray frames keep
// landing here instead of being misread as fresh messages.
func (it *Iterator[T]) Close() error {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil
	}
	it.closed = true
	it.queue = nil
	it.wakeLocked()
	fn := it.takeCleanupLocked()
	it.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Supply queues one chunk. It is a no-op after Finish or Fail, and discards
// the chunk after Close.
func (it *Iterator[T]) Supply(chunk T) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.done || it.closed {
		return
	}
	it.queue = append(it.queue, chunk)
	it.wakeLocked()
}

// Finish marks a successful end. Only the first terminal call takes effect.
func (it *Iterator[T]) Finish() {
	it.end(nil)
}

// Fail marks a failed end with err. Only the first terminal call takes
// effect.
func (it *Iterator[T]) Fail(err error) {
	it.end(err)
}

func (it *Iterator[T]) end(err error) {
	it.mu.Lock()
	if it.done {
		it.mu.Unlock()
		return
	}
	it.done = true
	it.endErr = err
	it.wakeLocked()
	fn := it.takeCleanupLocked()
	it.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// OnCleanup registers fn to run exactly once when the producer has finished
// and the consumer has either consumed the end or closed. The RPC core uses
// this to drop its stream bookkeeping.
func (it *Iterator[T]) OnCleanup(fn func()) {
	it.mu.Lock()
	it.cleanup = fn
	ready := it.takeCleanupLocked()
	it.mu.Unlock()
	if ready != nil {
		ready()
	}
}

func (it *Iterator[T]) wakeLocked() {
	if it.waiter != nil {
		close(it.waiter)
		it.waiter = nil
	}
}

// takeCleanupLocked returns the cleanup callback if its conditions are met,
// clearing it so it can only run once.
func (it *Iterator[T]) takeCleanupLocked() func() {
	if it.cleanup == nil || it.cleanupRan {
		return nil
	}
	if !it.done {
		return nil
	}
	if !it.closed && !it.endConsumed {
		return nil
	}
	it.cleanupRan = true
	fn := it.cleanup
	it.cleanup = nil
	return fn
}
