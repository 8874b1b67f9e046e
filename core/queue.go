// Implements the WaitQueue, which holds all requests waiting to be
// scheduled, and the Intake, the only thread-safe boundary of the core:
// new arrivals and cancellation signals are posted by producer goroutines
// and drained non-blockingly at the top of each scheduler iteration.

package core

import (
	"fmt"
	"strings"
	"sync"
)

// WaitQueue is a FIFO queue of requests waiting to be scheduled. Owned
// exclusively by the scheduler loop; no locking.
type WaitQueue struct {
	queue []*Request
}

// Enqueue adds a request to the back of the wait queue.
func (wq *WaitQueue) Enqueue(r *Request) {
	wq.queue = append(wq.queue, r)
}

// Len returns the number of requests in the queue.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Peek returns the request at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (wq *WaitQueue) Peek() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Dequeue removes and returns the request at the front of the queue.
func (wq *WaitQueue) Dequeue() *Request {
	if len(wq.queue) == 0 {
		return nil
	}
	front := wq.queue[0]
	wq.queue = wq.queue[1:]
	return front
}

// PrependFront inserts a request at the front of the queue.
// Used for preemption: a request evicted from the running batch is placed
// back at the head for immediate rescheduling.
func (wq *WaitQueue) PrependFront(req *Request) {
	if req == nil {
		panic("PrependFront: req must not be nil")
	}
	wq.queue = append([]*Request{req}, wq.queue...)
}

// Remove deletes a request from anywhere in the queue, preserving order.
// Returns false if the request is not queued. Used for aborts of waiting
// requests.
func (wq *WaitQueue) Remove(req *Request) bool {
	for i, r := range wq.queue {
		if r == req {
			wq.queue = append(wq.queue[:i], wq.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Items returns the queue contents for iteration. The returned slice is
// the queue's internal storage -- callers may iterate over it but MUST NOT
// append to or reslice it. For reordering, use Reorder() instead.
func (wq *WaitQueue) Items() []*Request {
	return wq.queue
}

// Reorder applies fn to the queue contents, allowing in-place reordering.
// fn receives the underlying slice and may sort it in-place.
// fn MUST NOT change the slice length (no append/delete).
func (wq *WaitQueue) Reorder(fn func([]*Request)) {
	if fn == nil {
		panic("Reorder: fn must not be nil")
	}
	n := len(wq.queue)
	fn(wq.queue)
	if len(wq.queue) != n {
		panic(fmt.Sprintf("Reorder: fn changed queue length from %d to %d", n, len(wq.queue)))
	}
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, val := range wq.queue {
		sb.WriteString(fmt.Sprint(val))
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Intake is the producer-side mailbox feeding the scheduler loop.
// Submit/Cancel may be called from any goroutine; the loop drains both
// lists at the top of each iteration without blocking, and parks on the
// wake channel when it has nothing to do.
type Intake struct {
	mu       sync.Mutex
	arrivals []*Request
	cancels  []string
	closed   bool
	wake     chan struct{} // capacity 1; a pending signal means "work arrived"
}

// NewIntake creates an empty intake mailbox.
func NewIntake() *Intake {
	return &Intake{wake: make(chan struct{}, 1)}
}

// PostArrival places a new request into the mailbox.
// Returns ErrEngineClosed after Close.
func (in *Intake) PostArrival(r *Request) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrEngineClosed
	}
	in.arrivals = append(in.arrivals, r)
	in.signal()
	return nil
}

// PostCancel records a cooperative cancellation signal for a request id.
// The signal is consulted at the top of the next iteration and never
// interrupts an in-flight execution step.
func (in *Intake) PostCancel(id string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrEngineClosed
	}
	in.cancels = append(in.cancels, id)
	in.signal()
	return nil
}

// Drain atomically removes and returns all pending arrivals and cancels.
func (in *Intake) Drain() ([]*Request, []string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	arrivals, cancels := in.arrivals, in.cancels
	in.arrivals, in.cancels = nil, nil
	return arrivals, cancels
}

// Wake returns the channel the loop parks on while fully idle.
func (in *Intake) Wake() <-chan struct{} {
	return in.wake
}

// Close rejects all future posts. Pending items remain drainable so the
// loop can retire them during shutdown.
func (in *Intake) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.signal()
}

func (in *Intake) signal() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}
