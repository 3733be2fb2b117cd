// Package syncqueue implements the client sync queue (component C8): a
// per-document coalescing task queue with bounded concurrency and
// exponential backoff retry. Grounded on
// internal/security/middleware.go's limiter shape (map guarded by a
// mutex, background timers instead of a shared ticker) for the per-key
// state machine, and on the channel-based fan-out/collect style in
// other_examples/cd6513cb_ppriyankuu-godkv__internal-cluster-replicator.go.go
// for bounding concurrent work and for the exponential-backoff-with-jitter
// retry shape.
package syncqueue

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// TaskState is the lifecycle state of the most recent task enqueued for a
// document.
type TaskState string

const (
	TaskNone      TaskState = "none"
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// DefaultMaxConcurrent bounds how many tasks run in parallel across the
// whole queue.
const DefaultMaxConcurrent = 5

// DefaultMaxRetries bounds how many times a failing task is retried
// before being marked permanently failed.
const DefaultMaxRetries = 3

// TaskFunc is the work enqueued for a document.
type TaskFunc func(ctx context.Context) error

// PendingChangeFunc is invoked on any state transition for a document.
type PendingChangeFunc func(document string, state TaskState)

// QueueChangeFunc is invoked with the queue's total active (pending +
// running) task count whenever it changes.
type QueueChangeFunc func(activeCount int)

type entry struct {
	document   string
	current    TaskFunc
	next       TaskFunc
	state      TaskState
	retries    int
	retryTimer *time.Timer
}

// Queue is a per-collection sync queue, indexed by document id.
type Queue struct {
	maxConcurrent int
	baseDelay     time.Duration
	maxDelay      time.Duration
	maxRetries    int

	mu               sync.Mutex
	tasks            map[string]*entry
	active           int
	pendingObservers map[string][]PendingChangeFunc
	queueObservers   []QueueChangeFunc
	flushWaiters     []chan struct{}
	destroyed        bool
}

// New creates a Queue. maxConcurrent <= 0 uses DefaultMaxConcurrent;
// maxRetries < 0 uses DefaultMaxRetries.
func New(maxConcurrent int, baseDelay, maxDelay time.Duration, maxRetries int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{
		maxConcurrent:    maxConcurrent,
		baseDelay:        baseDelay,
		maxDelay:         maxDelay,
		maxRetries:       maxRetries,
		tasks:            make(map[string]*entry),
		pendingObservers: make(map[string][]PendingChangeFunc),
	}
}

// Enqueue schedules fn for document. If a pending task already exists for
// document, fn replaces it (coalescing). If a task is currently running
// for document, fn waits behind it as the next task, replacing any
// previously queued next.
func (q *Queue) Enqueue(document string, fn TaskFunc) {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}

	e, ok := q.tasks[document]
	if !ok {
		e = &entry{document: document, current: fn, state: TaskPending}
		q.tasks[document] = e
	} else {
		switch e.state {
		case TaskPending:
			e.current = fn
		case TaskRunning:
			e.next = fn
		case TaskCompleted, TaskFailed:
			if e.retryTimer != nil {
				e.retryTimer.Stop()
				e.retryTimer = nil
			}
			e.current = fn
			e.state = TaskPending
			e.retries = 0
		}
	}

	q.notifyPendingLocked(document, e.state)
	q.dispatchLocked()
	q.mu.Unlock()
}

// Cancel drops document's pending task (and its retry timer, if one is
// waiting). A task already running is not affected; a task queued behind
// a running one is dropped instead.
func (q *Queue) Cancel(document string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.tasks[document]
	if !ok {
		return
	}

	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}

	switch e.state {
	case TaskPending:
		delete(q.tasks, document)
		q.notifyPendingLocked(document, TaskNone)
		q.notifyQueueChangeLocked()
	case TaskRunning:
		e.next = nil
	case TaskCompleted, TaskFailed:
		delete(q.tasks, document)
		q.notifyPendingLocked(document, TaskNone)
	}
}

// HasPending reports whether document has pending work: either its
// current state is pending, or a task is queued to run after the one
// currently in flight.
func (q *Queue) HasPending(document string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.tasks[document]
	if !ok {
		return false
	}
	return e.state == TaskPending || e.next != nil
}

// TaskState returns the lifecycle state of document's most recent task,
// or TaskNone if nothing has ever been enqueued for it.
func (q *Queue) TaskState(document string) TaskState {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.tasks[document]
	if !ok {
		return TaskNone
	}
	return e.state
}

// OnPendingChange registers cb to fire on every state transition for
// document.
func (q *Queue) OnPendingChange(document string, cb PendingChangeFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pendingObservers[document] = append(q.pendingObservers[document], cb)
}

// OnQueueChange registers cb to fire with the queue's total active count
// whenever it changes.
func (q *Queue) OnQueueChange(cb QueueChangeFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queueObservers = append(q.queueObservers, cb)
}

// Flush blocks until no pending or running tasks remain.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.idleLocked() {
		q.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	q.flushWaiters = append(q.flushWaiters, ch)
	q.mu.Unlock()
	<-ch
}

// Destroy cancels all retry timers and drops all queue state. Further
// Enqueue calls are no-ops.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.tasks {
		if e.retryTimer != nil {
			e.retryTimer.Stop()
		}
	}
	q.tasks = make(map[string]*entry)
	q.destroyed = true
	q.releaseFlushWaitersLocked()
}

func (q *Queue) idleLocked() bool {
	for _, e := range q.tasks {
		if e.state == TaskPending || e.state == TaskRunning {
			return false
		}
	}
	return true
}

func (q *Queue) releaseFlushWaitersLocked() {
	if !q.idleLocked() {
		return
	}
	for _, ch := range q.flushWaiters {
		close(ch)
	}
	q.flushWaiters = nil
}

// dispatchLocked starts pending tasks up to maxConcurrent. Caller must
// hold q.mu.
func (q *Queue) dispatchLocked() {
	for document, e := range q.tasks {
		if q.active >= q.maxConcurrent {
			return
		}
		if e.state != TaskPending {
			continue
		}
		e.state = TaskRunning
		q.active++
		q.notifyPendingLocked(document, TaskRunning)
		q.notifyQueueChangeLocked()
		go q.run(document, e, e.current)
	}
}

func (q *Queue) run(document string, e *entry, fn TaskFunc) {
	err := fn(context.Background())

	q.mu.Lock()
	q.active--

	if err == nil {
		e.retries = 0
		e.state = TaskCompleted
		q.notifyPendingLocked(document, TaskCompleted)
	} else {
		e.retries++
		if e.retries > q.maxRetries {
			e.state = TaskFailed
			q.notifyPendingLocked(document, TaskFailed)
		} else {
			delay := q.backoff(e.retries)
			e.state = TaskPending
			q.notifyPendingLocked(document, TaskPending)
			e.retryTimer = time.AfterFunc(delay, func() {
				q.dispatchAfterRetry(document)
			})
			q.notifyQueueChangeLocked()
			q.mu.Unlock()
			return
		}
	}

	// Terminal (completed or permanently failed): promote any coalesced
	// next task into current, ready to dispatch.
	if e.next != nil {
		e.current = e.next
		e.next = nil
		e.state = TaskPending
		e.retries = 0
		q.notifyPendingLocked(document, TaskPending)
	}

	q.notifyQueueChangeLocked()
	q.dispatchLocked()
	q.releaseFlushWaitersLocked()
	q.mu.Unlock()
}

func (q *Queue) dispatchAfterRetry(document string) {
	q.mu.Lock()
	if e, ok := q.tasks[document]; ok {
		e.retryTimer = nil
	}
	q.dispatchLocked()
	q.mu.Unlock()
}

// backoff returns min(maxDelay, baseDelay * 2^retries * (0.8..1.2 jitter)).
func (q *Queue) backoff(retries int) time.Duration {
	d := q.baseDelay << uint(retries)
	jitter := 0.8 + rand.Float64()*0.4
	delay := time.Duration(float64(d) * jitter)
	if q.maxDelay > 0 && delay > q.maxDelay {
		return q.maxDelay
	}
	return delay
}

func (q *Queue) notifyPendingLocked(document string, state TaskState) {
	for _, cb := range q.pendingObservers[document] {
		cb(document, state)
	}
}

func (q *Queue) notifyQueueChangeLocked() {
	count := 0
	for _, e := range q.tasks {
		if e.state == TaskPending || e.state == TaskRunning {
			count++
		}
	}
	for _, cb := range q.queueObservers {
		cb(count)
	}
}
