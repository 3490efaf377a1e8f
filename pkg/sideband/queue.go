package sideband

import (
	"sync"
	"time"
)

// Queue is a bounded FIFO of buffer indices handed from one role to the other.
// Pop blocks up to a timeout; Close wakes every waiter with BUF_QUEUE_NO_MORE_DATA.
type Queue struct {
	mu       sync.Mutex
	items    []int
	capacity int
	closed   bool
	// ready is closed and replaced whenever items are added or the queue closes.
	ready chan struct{}
}

// NewQueue creates a queue holding at most capacity indices.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]int, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}),
	}
}

// Push appends idx. It never blocks.
func (q *Queue) Push(idx int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return newError(BufQueueNoMoreData, "push", "")
	}
	if len(q.items) >= q.capacity {
		return newError(BufQueueFull, "push", "")
	}
	q.items = append(q.items, idx)
	q.signalLocked()
	return nil
}

// Pop removes the oldest index, waiting up to timeout. A zero timeout polls.
// Pending items are still drained after Close.
func (q *Queue) Pop(timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			idx := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return idx, nil
		}
		if q.closed {
			q.mu.Unlock()
			return -1, newError(BufQueueNoMoreData, "pop", "")
		}
		if timeout <= 0 {
			q.mu.Unlock()
			return -1, newError(BufQueueEmpty, "pop", "")
		}
		ready := q.ready
		q.mu.Unlock()

		if deadline == nil {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case <-ready:
		case <-deadline:
			q.mu.Lock()
			defer q.mu.Unlock()
			if len(q.items) > 0 {
				idx := q.items[0]
				q.items = q.items[1:]
				return idx, nil
			}
			if q.closed {
				return -1, newError(BufQueueNoMoreData, "pop", "")
			}
			return -1, newError(BufQueueEmpty, "pop", "timed out")
		}
	}
}

// Len returns the number of queued indices.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// Close marks the end of the stream. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) signalLocked() {
	close(q.ready)
	q.ready = make(chan struct{})
}
