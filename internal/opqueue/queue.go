// Package opqueue implements the client-side operation queue: a
// fire-and-forget enqueue surface for the UI that guarantees ordered,
// at-least-once, deduplicated delivery of edits to the server, with bounded
// retry and escalation to offline mode when the retry budget is exhausted.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tkivisto/syncroom/pkg/api"
)

// Defaults per the protocol: a 5 second acknowledgement timeout per
// dispatched operation, and 2s/4s/8s backoff over at most three retries.
const (
	DefaultOperationTimeout = 5 * time.Second
	DefaultBackoffBase      = 2 * time.Second
	DefaultMaxRetries       = 3
)

// ErrOperationTimeout marks an operation whose acknowledgement never
// arrived. It is treated like any other retryable failure.
var ErrOperationTimeout = errors.New("operation timed out waiting for acknowledgement")

// Sender dispatches an operation over the message channel. A returned error
// counts as an immediate retryable failure.
type Sender interface {
	Send(op *api.QueuedOperation) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(op *api.QueuedOperation) error

func (f SenderFunc) Send(op *api.QueuedOperation) error { return f(op) }

// Config controls queue timing. Zero values take the protocol defaults.
type Config struct {
	// OperationTimeout is how long a dispatched operation may wait for an
	// acknowledgement before being treated as failed.
	OperationTimeout time.Duration

	// BackoffBase is the delay before the first retry; each further retry
	// doubles it (base, 2*base, 4*base).
	BackoffBase time.Duration

	// MaxRetries bounds how many times a transiently failing operation is
	// re-dispatched before the queue gives up and triggers offline mode.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Queue is the operation queue for one open workflow. It enforces at most
// one outstanding operation per workflow: the next pending operation is not
// dispatched until the in-flight one is confirmed, failed, or timed out.
//
// A Queue is constructed when a workflow is opened and closed when the
// workflow is closed; there is no global registration step.
type Queue struct {
	workflowID string
	userID     string
	sender     Sender
	offline    api.OfflineSignal
	observer   api.Observer
	cfg        Config

	// onPermanentFailure, when set, surfaces non-retryable failures to the
	// UI exactly once per operation.
	onPermanentFailure func(op *api.QueuedOperation, err error)

	mu       sync.Mutex
	ops      map[string]*api.QueuedOperation
	order    []string
	inFlight string
	timers   map[string]*time.Timer

	// retryAt holds the backoff deadline of operations awaiting a retry.
	// An operation with a future deadline is pending but not dispatchable,
	// so an unrelated Enqueue or Confirm cannot short-circuit its backoff.
	retryAt map[string]time.Time
	closed  bool
}

// Options configures optional collaborators of a Queue.
type Options struct {
	Offline            api.OfflineSignal
	Observer           api.Observer
	OnPermanentFailure func(op *api.QueuedOperation, err error)
	Config             Config
}

// New creates a Queue for one workflow. sender must not be nil.
func New(workflowID, userID string, sender Sender, opts Options) *Queue {
	observer := opts.Observer
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Queue{
		workflowID:         workflowID,
		userID:             userID,
		sender:             sender,
		offline:            opts.Offline,
		observer:           observer,
		cfg:                opts.Config.withDefaults(),
		onPermanentFailure: opts.OnPermanentFailure,
		ops:                make(map[string]*api.QueuedOperation),
		timers:             make(map[string]*time.Timer),
		retryAt:            make(map[string]time.Time),
	}
}

// Enqueue adds an operation and triggers dispatch. It returns false without
// queuing when an operation with the same id already exists, or when another
// operation with the same dedup key is still pending or processing; both are
// duplicate-submission races, not errors.
func (q *Queue) Enqueue(op *api.QueuedOperation) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if _, exists := q.ops[op.ID]; exists {
		q.mu.Unlock()
		return false
	}
	if dk := op.DedupKey(); dk != "" {
		for _, existing := range q.ops {
			if existing.DedupKey() == dk &&
				(existing.Status == api.StatusPending || existing.Status == api.StatusProcessing) {
				q.mu.Unlock()
				return false
			}
		}
	}

	op.Status = api.StatusPending
	op.RetryCount = 0
	if op.WorkflowID == "" {
		op.WorkflowID = q.workflowID
	}
	if op.UserID == "" {
		op.UserID = q.userID
	}
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}
	q.ops[op.ID] = op
	q.order = append(q.order, op.ID)
	q.mu.Unlock()

	q.processNext()
	return true
}

// processNext dispatches the oldest pending operation unless one is already
// in flight for this workflow.
func (q *Queue) processNext() {
	q.mu.Lock()
	if q.closed || q.inFlight != "" {
		q.mu.Unlock()
		return
	}

	var op *api.QueuedOperation
	now := time.Now()
	for _, id := range q.order {
		o, ok := q.ops[id]
		if !ok || o.Status != api.StatusPending {
			continue
		}
		if at, waiting := q.retryAt[id]; waiting && now.Before(at) {
			continue
		}
		op = o
		break
	}
	if op == nil {
		q.mu.Unlock()
		return
	}

	op.Status = api.StatusProcessing
	q.inFlight = op.ID
	id := op.ID
	q.timers[timeoutTimerKey(id)] = time.AfterFunc(q.cfg.OperationTimeout, func() {
		q.handleTimeout(id)
	})
	snapshot := *op
	q.mu.Unlock()

	if err := q.sender.Send(&snapshot); err != nil {
		q.Fail(id, fmt.Errorf("dispatch: %w", err), true)
	}
}

// Confirm acknowledges an operation: its timers are cleared, it is removed
// from the queue, and the next pending operation is dispatched immediately.
// Unknown ids are ignored (the operation may have been cancelled).
func (q *Queue) Confirm(id string) {
	q.mu.Lock()
	op, ok := q.ops[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.removeLocked(id)
	q.mu.Unlock()

	op.Status = api.StatusConfirmed
	q.observer.OnOperationConfirmed(context.Background(), op)
	q.processNext()
}

// Fail records a failure for an operation.
//
// Non-retryable failures drop the operation permanently and surface the
// error once. Retryable failures re-enter the dispatch path after an
// exponential backoff (base, 2*base, 4*base); once the retry budget is
// exhausted the operation is dropped and the offline signal is triggered,
// since continued queuing would only accumulate divergence from the server.
func (q *Queue) Fail(id string, cause error, retryable bool) {
	q.fail(id, cause, retryable, false)
}

// fail implements Fail. When onlyProcessing is set, the failure only applies
// to an operation still marked processing; the status check and the state
// transition happen under one lock acquisition, so a timeout racing an
// explicit nack cannot fail the same dispatch twice.
func (q *Queue) fail(id string, cause error, retryable, onlyProcessing bool) {
	ctx := context.Background()

	q.mu.Lock()
	op, ok := q.ops[id]
	if !ok || (onlyProcessing && op.Status != api.StatusProcessing) {
		q.mu.Unlock()
		return
	}
	q.stopTimerLocked(timeoutTimerKey(id))
	if q.inFlight == id {
		q.inFlight = ""
	}

	if !retryable {
		q.removeLocked(id)
		q.mu.Unlock()

		op.Status = api.StatusFailed
		q.observer.OnOperationFailed(ctx, op, cause, false)
		if q.onPermanentFailure != nil {
			q.onPermanentFailure(op, cause)
		}
		q.processNext()
		return
	}

	if op.RetryCount >= q.cfg.MaxRetries {
		q.removeLocked(id)
		q.mu.Unlock()

		op.Status = api.StatusFailed
		q.observer.OnOperationFailed(ctx, op, cause, true)
		reason := fmt.Sprintf("operation %s failed after %d retries: %v", op.ID, q.cfg.MaxRetries, cause)
		q.observer.OnOfflineTriggered(ctx, op.WorkflowID, reason)
		if q.offline != nil {
			q.offline.TriggerOfflineMode(reason)
		}
		q.processNext()
		return
	}

	op.RetryCount++
	op.Status = api.StatusPending
	delay := q.cfg.BackoffBase << (op.RetryCount - 1)
	q.retryAt[id] = time.Now().Add(delay)
	q.timers[retryTimerKey(id)] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.retryAt, id)
		q.stopTimerLocked(retryTimerKey(id))
		q.mu.Unlock()
		q.processNext()
	})
	q.mu.Unlock()

	q.observer.OnOperationFailed(ctx, op, cause, true)
}

// handleTimeout fires when the acknowledgement timer for a dispatched
// operation elapses. It is identical to an explicit retryable failure, but
// only applies if the operation is still the one in flight.
func (q *Queue) handleTimeout(id string) {
	q.fail(id, ErrOperationTimeout, true, true)
}

// CancelForBlock removes every queued or in-flight operation referencing the
// given block id, clearing timers so no stale retry fires afterwards. Used
// when the block itself was deleted locally before its pending sub-edits
// were acknowledged.
func (q *Queue) CancelForBlock(blockID string) int {
	return q.cancel(func(op *api.QueuedOperation) bool {
		return op.ReferencesBlock(blockID)
	})
}

// CancelForVariable removes every queued or in-flight operation referencing
// the given variable id.
func (q *Queue) CancelForVariable(variableID string) int {
	return q.cancel(func(op *api.QueuedOperation) bool {
		return op.ReferencesVariable(variableID)
	})
}

// CancelAll removes every operation in the queue. Used when the workflow is
// closed or deleted.
func (q *Queue) CancelAll() int {
	return q.cancel(func(*api.QueuedOperation) bool { return true })
}

func (q *Queue) cancel(match func(*api.QueuedOperation) bool) int {
	q.mu.Lock()
	var removed int
	for _, id := range append([]string(nil), q.order...) {
		op, ok := q.ops[id]
		if !ok || !match(op) {
			continue
		}
		q.removeLocked(id)
		removed++
	}
	q.mu.Unlock()

	if removed > 0 {
		q.processNext()
	}
	return removed
}

// Close tears the queue down: all operations are dropped and all timers
// stopped. The queue accepts no further operations.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for key, t := range q.timers {
		t.Stop()
		delete(q.timers, key)
	}
	q.ops = make(map[string]*api.QueuedOperation)
	q.order = nil
	q.retryAt = make(map[string]time.Time)
	q.inFlight = ""
}

// Len returns the number of operations currently queued or in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Has reports whether an operation with the given id is queued or in flight.
func (q *Queue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ops[id]
	return ok
}

// WorkflowID returns the workflow this queue serves.
func (q *Queue) WorkflowID() string { return q.workflowID }

// removeLocked drops an operation and all its timers. Callers must hold
// q.mu.
func (q *Queue) removeLocked(id string) {
	delete(q.ops, id)
	delete(q.retryAt, id)
	for i, existing := range q.order {
		if existing == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.stopTimerLocked(timeoutTimerKey(id))
	q.stopTimerLocked(retryTimerKey(id))
	if q.inFlight == id {
		q.inFlight = ""
	}
}

func (q *Queue) stopTimerLocked(key string) {
	if t, ok := q.timers[key]; ok {
		t.Stop()
		delete(q.timers, key)
	}
}

func timeoutTimerKey(id string) string { return "timeout:" + id }
func retryTimerKey(id string) string   { return "retry:" + id }
