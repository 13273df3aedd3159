// Package queue serializes work per session key. Each key holds a FIFO and
// an in-flight flag: at most one task for a key runs at a time while tasks
// for distinct keys run concurrently. Enqueue hands back a future; Clear
// rejects everything still waiting without touching the running task.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/switchboard/internal/bus"
)

// State is the lifecycle of a queued message.
type State string

const (
	StateEnqueued   State = "enqueued"
	StateStarted    State = "started"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Task is the unit of work executed once the queue admits a message.
type Task func(ctx context.Context) (any, error)

// Lifecycle receives per-message state transitions. Callbacks run on the
// worker goroutine for the session key, so they must not block on the queue.
type Lifecycle func(sessionKey, messageID string, state State)

// Future resolves when the enqueued task finishes or is cleared.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

// Wait blocks until the task resolves or the context is cancelled.
// Cancellation abandons the wait; the task itself keeps its queue slot.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.value, f.err
	}
}

func (f *Future) resolve(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

type item struct {
	id     string
	task   Task
	future *Future
	ctx    context.Context
}

type sessionQueue struct {
	pending []*item
	running bool
}

// Queue is the per-session serializer shared by all event sources.
type Queue struct {
	mu       sync.Mutex
	sessions map[string]*sessionQueue
	seq      uint64

	lifecycle Lifecycle
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLifecycle registers the state-transition callback.
func WithLifecycle(fn Lifecycle) Option {
	return func(q *Queue) { q.lifecycle = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger.With("component", "queue") }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		sessions: make(map[string]*sessionQueue),
		logger:   slog.Default().With("component", "queue"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a task for the session key and returns its future. The
// task starts immediately when the key is idle, otherwise when every earlier
// message for the key has completed, failed, or been cleared. The message ID
// identifies the task in lifecycle callbacks.
func (q *Queue) Enqueue(ctx context.Context, sessionKey, messageID string, task Task) *Future {
	it := &item{
		id:     messageID,
		task:   task,
		future: &Future{done: make(chan struct{})},
		ctx:    ctx,
	}

	q.mu.Lock()
	sq := q.sessions[sessionKey]
	if sq == nil {
		sq = &sessionQueue{}
		q.sessions[sessionKey] = sq
	}
	sq.pending = append(sq.pending, it)
	start := !sq.running
	if start {
		sq.running = true
	}
	q.mu.Unlock()

	q.emit(sessionKey, it.id, StateEnqueued)
	if start {
		go q.drain(sessionKey)
	}
	return it.future
}

// Clear rejects every pending message for the session key with QUEUE_CLEARED.
// The in-flight message, if any, is left to finish. Returns the number of
// messages rejected.
func (q *Queue) Clear(sessionKey string) int {
	q.mu.Lock()
	sq := q.sessions[sessionKey]
	var rejected []*item
	if sq != nil {
		rejected = sq.pending
		sq.pending = nil
		if !sq.running {
			delete(q.sessions, sessionKey)
		}
	}
	q.mu.Unlock()

	for _, it := range rejected {
		q.emit(sessionKey, it.id, StateFailed)
		it.future.resolve(nil, bus.ErrQueueCleared)
	}
	if len(rejected) > 0 {
		q.logger.Info("queue cleared", "sessionKey", sessionKey, "rejected", len(rejected))
	}
	return len(rejected)
}

// Depth reports how many messages are pending for the key, excluding the
// in-flight one.
func (q *Queue) Depth(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sq := q.sessions[sessionKey]; sq != nil {
		return len(sq.pending)
	}
	return 0
}

// drain runs tasks for one session key until its FIFO is empty. Exactly one
// drain goroutine exists per key while it has work.
func (q *Queue) drain(sessionKey string) {
	for {
		q.mu.Lock()
		sq := q.sessions[sessionKey]
		if sq == nil || len(sq.pending) == 0 {
			if sq != nil {
				sq.running = false
				delete(q.sessions, sessionKey)
			}
			q.mu.Unlock()
			return
		}
		it := sq.pending[0]
		sq.pending = sq.pending[1:]
		q.mu.Unlock()

		q.run(sessionKey, it)
	}
}

func (q *Queue) run(sessionKey string, it *item) {
	q.emit(sessionKey, it.id, StateStarted)
	q.emit(sessionKey, it.id, StateProcessing)

	started := q.now()
	value, err := q.execute(it)
	elapsed := q.now().Sub(started)

	if err != nil {
		q.emit(sessionKey, it.id, StateFailed)
		q.logger.Warn("queued task failed",
			"sessionKey", sessionKey, "messageId", it.id, "elapsed", elapsed, "error", err)
	} else {
		q.emit(sessionKey, it.id, StateCompleted)
	}
	it.future.resolve(value, err)
}

// execute isolates task panics so one bad handler does not wedge the key.
func (q *Queue) execute(it *item) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &bus.Error{Code: bus.CodeHandlerError, Message: "task panic"}
			q.logger.Error("queued task panic", "messageId", it.id, "panic", r)
		}
	}()
	if it.ctx.Err() != nil {
		return nil, it.ctx.Err()
	}
	return it.task(it.ctx)
}

func (q *Queue) emit(sessionKey, messageID string, state State) {
	if q.lifecycle != nil {
		q.lifecycle(sessionKey, messageID, state)
	}
}
