package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// LockFreeMPSC is a lock-free multi-producer single-consumer queue.
//
// Features and Guarantees:
//
//   - Lock-Free pushes: producers only use atomic operations on the linked list.
//   - Unbounded Size: bounding is done by the caller (see Slots).
//   - Per-producer FIFO: items pushed by one goroutine are received in push order.
//     Across producers the order is the order in which the appends completed.
//   - Drain on Close: items pushed before Close are still delivered, then the
//     Recv() channel is closed.
type LockFreeMPSC[T any] struct {
	head     atomic.Pointer[node[T]]
	tail     atomic.Pointer[node[T]]
	out      chan *T
	consumer sync.WaitGroup
	closed   atomic.Bool
	pushed   atomic.Uint64
	received atomic.Uint64

	mu   sync.Mutex
	cond *sync.Cond
}

type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// NewLockFreeMPSC creates a queue and starts its delivery goroutine.
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{
		out: make(chan *T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.deliver()

	return q
}

// Push appends an item. It returns false if value is nil or the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &node[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				q.pushed.Add(1)
				q.wake()
				return true
			}
		} else {
			// another producer appended but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin a little at low contention, yield otherwise
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals the delivery goroutine. The signal is sent while holding mu so
// it can not fall between the consumer's emptiness check and its Wait.
func (q *LockFreeMPSC[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// deliver moves items from the linked list to the out channel.
func (q *LockFreeMPSC[T]) deliver() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		delivered := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true

			value := next.value
			q.head.Store(next)
			q.out <- value
			q.received.Add(1)
			next.value = nil
		}

		if !delivered {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil {
				if q.closed.Load() {
					q.mu.Unlock()
					return
				}
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel the consumer reads items from. It is closed after
// Close once every pushed item was received.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close stops accepting pushes. Items already queued are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.wake()
}

// Wait blocks until the delivery goroutine has exited, which requires Close
// and a consumer that drains Recv.
func (q *LockFreeMPSC[T]) Wait() {
	q.consumer.Wait()
}

// Len returns the number of items pushed but not yet handed to the consumer.
func (q *LockFreeMPSC[T]) Len() int {
	return int(q.pushed.Load() - q.received.Load())
}
