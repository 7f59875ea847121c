package engine

import (
	"sync"
	"time"
)

// job is one submitted request waiting for the dispatcher.
type job struct {
	req        Request
	reply      chan<- Reply
	enqueuedAt time.Time
}

// requestQueue is a bounded, thread-safe FIFO of jobs.
//
// Enqueue never blocks: a full queue rejects with ErrQueueFull so the
// protocol layer can fail fast. The single dispatcher goroutine dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type requestQueue struct {
	mu       sync.Mutex
	jobs     []job
	capacity int
	closed   bool
	signal   chan struct{} // Signals job availability (buffered, size 1)
}

// newRequestQueue creates an empty queue holding at most capacity jobs.
func newRequestQueue(capacity int) *requestQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &requestQueue{
		jobs:     make([]job, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns ErrStopped if the queue is closed and ErrQueueFull at capacity.
func (q *requestQueue) Enqueue(j job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrStopped
	}
	if len(q.jobs) >= q.capacity {
		return ErrQueueFull
	}

	q.jobs = append(q.jobs, j)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// TryDequeue attempts to dequeue without blocking.
// Returns (job{}, false) if queue is empty.
func (q *requestQueue) TryDequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}

	j := q.jobs[0]

	// Clear the slot so the request payload can be collected.
	q.jobs[0] = job{}

	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}

	return j, true
}

// Wait returns a channel that signals when jobs may be available.
// The channel is closed once the queue is closed.
func (q *requestQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close rejects further Enqueue calls and wakes the waiter.
// Jobs already queued stay available to TryDequeue.
func (q *requestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *requestQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
