package opqueue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tkivisto/syncroom/pkg/api"
)

type captureSender struct {
	mu      sync.Mutex
	sends   []sentOp
	err     error
	errOnce error
}

type sentOp struct {
	id string
	at time.Time
}

func (s *captureSender) Send(op *api.QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sentOp{id: op.ID, at: time.Now()})
	if s.errOnce != nil {
		err := s.errOnce
		s.errOnce = nil
		return err
	}
	return s.err
}

func (s *captureSender) sent() []sentOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentOp, len(s.sends))
	copy(out, s.sends)
	return out
}

type countingOffline struct {
	mu       sync.Mutex
	triggers int
	reason   string
}

func (o *countingOffline) TriggerOfflineMode(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.triggers++
	o.reason = reason
}

func (o *countingOffline) ClearOfflineMode() {}

func (o *countingOffline) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.triggers
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", d)
	}
}

func subblockOp(id, blockID, subblockID string, value any) *api.QueuedOperation {
	return &api.QueuedOperation{
		ID:     id,
		Op:     api.OpUpdate,
		Target: api.TargetSubblock,
		Payload: map[string]any{
			"blockId":    blockID,
			"subblockId": subblockID,
			"value":      value,
		},
	}
}

func TestEnqueueDispatchesOldestFirstSingleFlight(t *testing.T) {
	sender := &captureSender{}
	q := New("wf1", "u1", sender, Options{})
	defer q.Close()

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))
	q.Enqueue(subblockOp("op2", "b1", "prompt", "hi"))

	if got := len(sender.sent()); got != 1 {
		t.Fatalf("expected one in-flight operation, got %d sends", got)
	}
	if sender.sent()[0].id != "op1" {
		t.Fatalf("expected oldest operation first, got %s", sender.sent()[0].id)
	}

	q.Confirm("op1")
	waitFor(t, time.Second, func() bool { return len(sender.sent()) == 2 })
	if sender.sent()[1].id != "op2" {
		t.Fatalf("expected op2 after confirmation, got %s", sender.sent()[1].id)
	}
}

func TestEnqueueDeduplicatesByID(t *testing.T) {
	sender := &captureSender{}
	q := New("wf1", "u1", sender, Options{})
	defer q.Close()

	if !q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5)) {
		t.Fatalf("first enqueue must be accepted")
	}
	if q.Enqueue(subblockOp("op1", "b1", "temperature", 0.6)) {
		t.Fatalf("second enqueue with the same id must be dropped")
	}
	if q.Len() != 1 {
		t.Fatalf("expected one queued operation, got %d", q.Len())
	}
}

func TestEnqueueDeduplicatesBySameTargetField(t *testing.T) {
	sender := &captureSender{}
	q := New("wf1", "u1", sender, Options{})
	defer q.Close()

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))
	if q.Enqueue(subblockOp("op2", "b1", "temperature", 0.6)) {
		t.Fatalf("second pending edit to the same sub-block must be dropped")
	}
	// A different sub-block of the same block is not a duplicate.
	if !q.Enqueue(subblockOp("op3", "b1", "prompt", "hi")) {
		t.Fatalf("edit to a different sub-block must be accepted")
	}
}

func TestConfirmRemovesOperation(t *testing.T) {
	sender := &captureSender{}
	q := New("wf1", "u1", sender, Options{})
	defer q.Close()

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))
	q.Confirm("op1")

	if q.Has("op1") {
		t.Fatalf("confirmed operation must leave the queue")
	}
	// Confirming an unknown id is a no-op.
	q.Confirm("nope")
}

func TestRetryBackoffDoublesUntilOffline(t *testing.T) {
	sender := &captureSender{err: errors.New("socket closed")}
	offline := &countingOffline{}
	q := New("wf1", "u1", sender, Options{
		Offline: offline,
		Config: Config{
			OperationTimeout: time.Second,
			BackoffBase:      20 * time.Millisecond,
			MaxRetries:       3,
		},
	})
	defer q.Close()

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))

	// Initial attempt plus three retries, then offline escalation.
	waitFor(t, 2*time.Second, func() bool { return offline.count() == 1 })

	sends := sender.sent()
	if len(sends) != 4 {
		t.Fatalf("expected 4 dispatch attempts (1 + 3 retries), got %d", len(sends))
	}
	gap1 := sends[1].at.Sub(sends[0].at)
	gap2 := sends[2].at.Sub(sends[1].at)
	gap3 := sends[3].at.Sub(sends[2].at)
	if gap1 < 15*time.Millisecond || gap2 < 35*time.Millisecond || gap3 < 75*time.Millisecond {
		t.Fatalf("backoff gaps too short: %v %v %v", gap1, gap2, gap3)
	}
	if q.Len() != 0 {
		t.Fatalf("exhausted operation must be dropped, queue has %d", q.Len())
	}
	if offline.reason == "" {
		t.Fatalf("offline escalation must carry a reason")
	}
}

func TestBackoffNotShortCircuitedByOtherDispatches(t *testing.T) {
	sender := &captureSender{errOnce: errors.New("socket closed")}
	q := New("wf1", "u1", sender, Options{
		Config: Config{
			OperationTimeout: time.Second,
			BackoffBase:      time.Hour, // op1 must sit out its backoff for the whole test
			MaxRetries:       3,
		},
	})
	defer q.Close()

	// op1's first dispatch fails; it now waits out a one-hour backoff.
	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))

	// Unrelated queue activity must dispatch around it, never resurrect it.
	q.Enqueue(subblockOp("op2", "b2", "prompt", "hi"))
	q.Confirm("op2")
	q.Enqueue(subblockOp("op3", "b3", "prompt", "yo"))
	q.Confirm("op3")

	var op1Sends int
	for _, s := range sender.sent() {
		if s.id == "op1" {
			op1Sends++
		}
	}
	if op1Sends != 1 {
		t.Fatalf("op1 dispatched %d times during its backoff, want 1", op1Sends)
	}
	if !q.Has("op1") {
		t.Fatalf("op1 must still be queued awaiting its retry")
	}
}

func TestOfflineTriggeredExactlyOnce(t *testing.T) {
	sender := &captureSender{err: errors.New("socket closed")}
	offline := &countingOffline{}
	q := New("wf1", "u1", sender, Options{
		Offline: offline,
		Config: Config{
			OperationTimeout: time.Second,
			BackoffBase:      5 * time.Millisecond,
			MaxRetries:       2,
		},
	})
	defer q.Close()

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))
	waitFor(t, time.Second, func() bool { return offline.count() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if got := offline.count(); got != 1 {
		t.Fatalf("expected exactly one offline escalation, got %d", got)
	}
}

func TestNonRetryableFailureDropsAndSurfacesOnce(t *testing.T) {
	sender := &captureSender{}
	var mu sync.Mutex
	var surfaced []string
	q := New("wf1", "u1", sender, Options{
		OnPermanentFailure: func(op *api.QueuedOperation, err error) {
			mu.Lock()
			surfaced = append(surfaced, op.ID)
			mu.Unlock()
		},
	})
	defer q.Close()

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))
	q.Fail("op1", api.ErrBlockNotFound, false)

	if q.Has("op1") {
		t.Fatalf("non-retryable failure must drop the operation")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(surfaced) != 1 || surfaced[0] != "op1" {
		t.Fatalf("expected one permanent-failure callback for op1, got %v", surfaced)
	}
}

func TestTimeoutCountsAsRetryableFailure(t *testing.T) {
	sender := &captureSender{} // sends succeed, acknowledgements never come
	offline := &countingOffline{}
	q := New("wf1", "u1", sender, Options{
		Offline: offline,
		Config: Config{
			OperationTimeout: 10 * time.Millisecond,
			BackoffBase:      5 * time.Millisecond,
			MaxRetries:       2,
		},
	})
	defer q.Close()

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))

	waitFor(t, 2*time.Second, func() bool { return offline.count() == 1 })
	if got := len(sender.sent()); got != 3 {
		t.Fatalf("expected 3 dispatch attempts before offline, got %d", got)
	}
}

func TestTimeoutAfterNackDoesNotDoubleFail(t *testing.T) {
	sender := &captureSender{}
	q := New("wf1", "u1", sender, Options{
		Config: Config{
			OperationTimeout: time.Hour,
			BackoffBase:      time.Hour,
			MaxRetries:       3,
		},
	})
	defer q.Close()

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))

	// A server nack lands first; the (stale) timeout for the same dispatch
	// must then be a no-op instead of charging a second retry.
	q.Fail("op1", errors.New("transaction conflict"), true)
	q.handleTimeout("op1")

	q.mu.Lock()
	op := q.ops["op1"]
	q.mu.Unlock()
	if op == nil {
		t.Fatalf("op1 must still be queued")
	}
	if op.RetryCount != 1 {
		t.Fatalf("RetryCount = %d after one failure, want 1", op.RetryCount)
	}
}

func TestLateAckAfterRetryIsIgnoredByTimeout(t *testing.T) {
	sender := &captureSender{}
	q := New("wf1", "u1", sender, Options{
		Config: Config{
			OperationTimeout: 30 * time.Millisecond,
			BackoffBase:      time.Hour,
			MaxRetries:       3,
		},
	})
	defer q.Close()

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))
	// Confirm before the timeout fires; the stale timer must not resurrect
	// a failure for the already-confirmed operation.
	q.Confirm("op1")
	time.Sleep(60 * time.Millisecond)

	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestCancelForBlockRemovesAllReferencingOps(t *testing.T) {
	sender := &captureSender{}
	offline := &countingOffline{}
	q := New("wf1", "u1", sender, Options{
		Offline: offline,
		Config: Config{
			OperationTimeout: 10 * time.Millisecond,
			BackoffBase:      5 * time.Millisecond,
			MaxRetries:       1,
		},
	})
	defer q.Close()

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))
	q.Enqueue(subblockOp("op2", "b1", "prompt", "hi"))
	q.Enqueue(subblockOp("op3", "b2", "temperature", 0.1))

	if removed := q.CancelForBlock("b1"); removed != 2 {
		t.Fatalf("expected 2 cancelled operations, got %d", removed)
	}
	if q.Has("op1") || q.Has("op2") {
		t.Fatalf("operations for the deleted block must be gone")
	}
	if !q.Has("op3") {
		t.Fatalf("operation for another block must survive")
	}

	// The cancelled in-flight op's timeout timer must not fire a retry.
	time.Sleep(50 * time.Millisecond)
	var op1Sends int
	for _, s := range sender.sent() {
		if s.id == "op1" {
			op1Sends++
		}
	}
	if op1Sends > 1 {
		t.Fatalf("cancelled operation was re-dispatched %d times", op1Sends-1)
	}
}

func TestCancelForVariable(t *testing.T) {
	sender := &captureSender{}
	q := New("wf1", "u1", sender, Options{})
	defer q.Close()

	q.Enqueue(&api.QueuedOperation{
		ID:     "op1",
		Op:     api.OpUpdate,
		Target: api.TargetVariable,
		Payload: map[string]any{
			"variableId": "v1",
			"field":      "value",
			"value":      "x",
		},
	})
	q.Enqueue(subblockOp("op2", "b1", "temperature", 0.5))

	if removed := q.CancelForVariable("v1"); removed != 1 {
		t.Fatalf("expected 1 cancelled operation, got %d", removed)
	}
	if !q.Has("op2") {
		t.Fatalf("unrelated operation must survive")
	}
}

func TestCancelAllAndClose(t *testing.T) {
	sender := &captureSender{}
	q := New("wf1", "u1", sender, Options{})

	q.Enqueue(subblockOp("op1", "b1", "temperature", 0.5))
	q.Enqueue(subblockOp("op2", "b2", "prompt", "hi"))

	if removed := q.CancelAll(); removed != 2 {
		t.Fatalf("expected 2 cancelled operations, got %d", removed)
	}
	q.Close()
	if q.Enqueue(subblockOp("op3", "b1", "temperature", 0.5)) {
		t.Fatalf("closed queue must reject operations")
	}
}
