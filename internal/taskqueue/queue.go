// Package taskqueue implements the shared single-consumer queue used by
// engines whose per-request work is cheap enough to run inline.
//
// Producers (channel callbacks) only enqueue and return. One consumer
// goroutine dispatches messages strictly in enqueue order, so messages for
// one channel are handled FIFO and messages across channels keep the order
// they were signalled in. A message being handled always runs to completion
// before the next one starts.
package taskqueue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/mrcpengine/pkg/mrcp"
	"github.com/gammazero/workerpool"
)

// ErrStopped is returned by Signal when the queue is not running.
var ErrStopped = errors.New("taskqueue: stopped")

// Kind is the type of a queued message.
type Kind int

const (
	OpenChannel Kind = iota
	CloseChannel
	ProcessRequest
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case OpenChannel:
		return "open-channel"
	case CloseChannel:
		return "close-channel"
	case ProcessRequest:
		return "process-request"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is one unit of work for the consumer. Request is set only for
// ProcessRequest.
type Message[C any] struct {
	Kind    Kind
	Channel C
	Request *mrcp.Message
}

// Handler processes one message on the consumer goroutine.
type Handler[C any] func(Message[C])

// Queue is a FIFO of messages drained by a single consumer goroutine.
type Queue[C any] struct {
	handle Handler[C]
	log    *slog.Logger

	mu      sync.Mutex
	pool    *workerpool.WorkerPool
	pending atomic.Int64
}

// New creates a stopped queue that dispatches to handle. A nil logger uses
// slog.Default().
func New[C any](handle Handler[C], logger *slog.Logger) *Queue[C] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[C]{handle: handle, log: logger}
}

// Start launches the consumer. Calling Start on a running queue is a no-op.
func (q *Queue[C]) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pool != nil {
		return
	}
	// A single worker keeps workerpool's waiting queue strictly FIFO.
	q.pool = workerpool.New(1)
}

// Signal enqueues msg and returns without waiting for it to be handled.
// Returns ErrStopped if the queue is not running.
func (q *Queue[C]) Signal(msg Message[C]) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pool == nil {
		return ErrStopped
	}
	q.pending.Add(1)
	q.pool.Submit(func() { q.dispatch(msg) })
	return nil
}

// Pending returns the number of messages signalled but not yet handled.
func (q *Queue[C]) Pending() int {
	return int(q.pending.Load())
}

// Running reports whether the consumer accepts messages.
func (q *Queue[C]) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pool != nil
}

// Stop refuses further messages, waits until every queued message has been
// handled and then stops the consumer. Handlers may still call Signal while
// the queue drains; those calls return ErrStopped.
func (q *Queue[C]) Stop() {
	q.mu.Lock()
	pool := q.pool
	q.pool = nil
	q.mu.Unlock()
	if pool != nil {
		pool.StopWait()
	}
}

func (q *Queue[C]) dispatch(msg Message[C]) {
	defer q.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task queue handler panicked", "kind", msg.Kind.String(), "panic", r)
		}
	}()
	q.handle(msg)
}
