package merger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tkivisto/syncroom/pkg/api"
)

type recordingApplier struct {
	mu       sync.Mutex
	calls    []appliedCall
	failWith error
}

type appliedCall struct {
	key   SubblockKey
	value any
}

func (a *recordingApplier) Apply(ctx context.Context, key SubblockKey, value any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return a.failWith
	}
	a.calls = append(a.calls, appliedCall{key: key, value: value})
	return nil
}

func (a *recordingApplier) applied() []appliedCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]appliedCall, len(a.calls))
	copy(out, a.calls)
	return out
}

type recordingAcker struct {
	mu       sync.Mutex
	confirms []string
	fails    []failedAck
}

type failedAck struct {
	operationID string
	retryable   bool
}

func (a *recordingAcker) Confirm(connID, operationID string, serverTimestamp int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirms = append(a.confirms, operationID)
}

func (a *recordingAcker) Fail(connID, operationID string, err error, retryable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fails = append(a.fails, failedAck{operationID: operationID, retryable: retryable})
}

func (a *recordingAcker) confirmed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.confirms))
	copy(out, a.confirms)
	return out
}

func (a *recordingAcker) failed() []failedAck {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]failedAck, len(a.fails))
	copy(out, a.fails)
	return out
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	values []any
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, key SubblockKey, value any, timestamp int64, senderConnID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values = append(b.values, value)
}

func (b *recordingBroadcaster) broadcasts() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]any, len(b.values))
	copy(out, b.values)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
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

func testKey() SubblockKey {
	return SubblockKey{WorkflowID: "wf1", BlockID: "b1", SubblockID: "temperature"}
}

func TestBurstCoalescesIntoSingleWrite(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	acker := &recordingAcker{}
	m := New[SubblockKey](applier, acker, nil, nil, Config{Window: 20 * time.Millisecond})

	for i := 0; i < 5; i++ {
		m.HandleEdit(ctx, Edit[SubblockKey]{
			Key:         testKey(),
			Value:       i,
			Timestamp:   int64(100 + i),
			ConnID:      "conn-a",
			OperationID: string(rune('a' + i)),
		})
	}

	waitFor(t, time.Second, func() bool { return len(acker.confirmed()) == 5 })

	calls := applier.applied()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one store write, got %d", len(calls))
	}
	if calls[0].value != 4 {
		t.Fatalf("expected last value 4 to be applied, got %v", calls[0].value)
	}
	if hw := m.LastApplied(testKey()); hw != 104 {
		t.Fatalf("expected high-water mark 104, got %d", hw)
	}
}

func TestLastWriterWinsByTimestampNotArrivalOrder(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	m := New[SubblockKey](applier, nil, nil, nil, Config{Window: 20 * time.Millisecond})

	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: "newer", Timestamp: 200, ConnID: "a"})
	// Arrives second but carries an older timestamp; it must not win.
	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: "older", Timestamp: 150, ConnID: "b"})

	waitFor(t, time.Second, func() bool { return len(applier.applied()) == 1 })

	if got := applier.applied()[0].value; got != "newer" {
		t.Fatalf("expected timestamp 200 value to win, got %v", got)
	}
}

func TestStaleFlushDiscarded(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	acker := &recordingAcker{}
	m := New[SubblockKey](applier, acker, nil, nil, Config{Window: 5 * time.Millisecond})

	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: 0.9, Timestamp: 110, ConnID: "b", OperationID: "op-new"})
	waitFor(t, time.Second, func() bool { return len(applier.applied()) == 1 })

	// A delayed duplicate of an older write arrives after the newer one
	// committed; it must be discarded, not applied.
	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: 0.7, Timestamp: 100, ConnID: "a", OperationID: "op-old"})
	waitFor(t, time.Second, func() bool { return len(acker.confirmed()) == 2 })

	if got := len(applier.applied()); got != 1 {
		t.Fatalf("expected stale edit to be discarded, got %d applies", got)
	}
	if hw := m.LastApplied(testKey()); hw != 110 {
		t.Fatalf("expected high-water mark to stay 110, got %d", hw)
	}
}

func TestImmediateEditBypassesWindow(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	acker := &recordingAcker{}
	m := New[SubblockKey](applier, acker, nil, nil, Config{Window: time.Hour})

	m.HandleEdit(ctx, Edit[SubblockKey]{
		Key: testKey(), Value: "now", Timestamp: 100, ConnID: "a", OperationID: "op1", Immediate: true,
	})

	if got := len(applier.applied()); got != 1 {
		t.Fatalf("expected synchronous apply, got %d applies", got)
	}
	if got := len(acker.confirmed()); got != 1 {
		t.Fatalf("expected synchronous confirm, got %d", got)
	}
}

func TestImmediateEditFoldsPendingBuffer(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	acker := &recordingAcker{}
	m := New[SubblockKey](applier, acker, nil, nil, Config{Window: time.Hour})

	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: "buffered", Timestamp: 100, ConnID: "a", OperationID: "op1"})
	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: "flushed", Timestamp: 200, ConnID: "a", OperationID: "op2", Immediate: true})

	if got := len(applier.applied()); got != 1 {
		t.Fatalf("expected one apply, got %d", got)
	}
	if got := applier.applied()[0].value; got != "flushed" {
		t.Fatalf("expected newest value, got %v", got)
	}
	if got := len(acker.confirmed()); got != 2 {
		t.Fatalf("expected both waiters confirmed by the single flush, got %d", got)
	}
	if got := len(m.PendingKeys()); got != 0 {
		t.Fatalf("expected no pending buffer left, got %d", got)
	}
}

func TestFlushFailureAcksRetryable(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{failWith: errors.New("transaction conflict")}
	acker := &recordingAcker{}
	m := New[SubblockKey](applier, acker, nil, nil, Config{Window: 5 * time.Millisecond})

	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: 1, Timestamp: 100, ConnID: "a", OperationID: "op1"})
	waitFor(t, time.Second, func() bool { return len(acker.failed()) == 1 })

	if f := acker.failed()[0]; !f.retryable {
		t.Fatalf("expected transient failure to be retryable")
	}
	if hw := m.LastApplied(testKey()); hw != 0 {
		t.Fatalf("expected high-water mark untouched on failure, got %d", hw)
	}
}

func TestMissingEntityAcksNonRetryable(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{failWith: api.ErrBlockNotFound}
	acker := &recordingAcker{}
	m := New[SubblockKey](applier, acker, nil, nil, Config{Window: 5 * time.Millisecond})

	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: 1, Timestamp: 100, ConnID: "a", OperationID: "op1"})
	waitFor(t, time.Second, func() bool { return len(acker.failed()) == 1 })

	if f := acker.failed()[0]; f.retryable {
		t.Fatalf("expected missing entity to be non-retryable")
	}
}

func TestBroadcastGoesOutAfterCommit(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	caster := &recordingBroadcaster{}
	m := New[SubblockKey](applier, nil, caster, nil, Config{Window: 5 * time.Millisecond})

	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: 0.9, Timestamp: 110, ConnID: "b", UserID: "user-b"})
	waitFor(t, time.Second, func() bool { return len(caster.broadcasts()) == 1 })

	if got := caster.broadcasts()[0]; got != 0.9 {
		t.Fatalf("expected broadcast of 0.9, got %v", got)
	}
}

func TestCancelConnectionDropsBuffersAndTimers(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	acker := &recordingAcker{}
	m := New[SubblockKey](applier, acker, nil, nil, Config{Window: 30 * time.Millisecond})

	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: 1, Timestamp: 100, ConnID: "gone", OperationID: "op1"})
	m.CancelConnection(ctx, "gone")

	if got := len(m.PendingKeys()); got != 0 {
		t.Fatalf("expected no pending buffers after cancel, got %d", got)
	}

	time.Sleep(60 * time.Millisecond)
	if got := len(applier.applied()); got != 0 {
		t.Fatalf("expected no flush after cancel, got %d", got)
	}
}

func TestCancelConnectionFailsOrphanedWaiters(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	acker := &recordingAcker{}
	m := New[SubblockKey](applier, acker, nil, nil, Config{Window: time.Hour})

	// conn-a starts the window, conn-b's newer edit takes over the buffer.
	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: 1, Timestamp: 100, ConnID: "a", OperationID: "op-a"})
	m.HandleEdit(ctx, Edit[SubblockKey]{Key: testKey(), Value: 2, Timestamp: 200, ConnID: "b", OperationID: "op-b"})

	m.CancelConnection(ctx, "b")

	fails := acker.failed()
	if len(fails) != 1 || fails[0].operationID != "op-a" {
		t.Fatalf("expected op-a to be failed retryable after its buffer was dropped, got %+v", fails)
	}
	if !fails[0].retryable {
		t.Fatalf("expected orphaned waiter failure to be retryable")
	}
}

func TestIndependentKeysDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	applier := &recordingApplier{}
	m := New[SubblockKey](applier, nil, nil, nil, Config{Window: 5 * time.Millisecond})

	k1 := SubblockKey{WorkflowID: "wf1", BlockID: "b1", SubblockID: "temperature"}
	k2 := SubblockKey{WorkflowID: "wf1", BlockID: "b1", SubblockID: "prompt"}
	m.HandleEdit(ctx, Edit[SubblockKey]{Key: k1, Value: 0.7, Timestamp: 100, ConnID: "a"})
	m.HandleEdit(ctx, Edit[SubblockKey]{Key: k2, Value: "hello", Timestamp: 50, ConnID: "a"})

	waitFor(t, time.Second, func() bool {
		return m.LastApplied(k1) == 100 && m.LastApplied(k2) == 50
	})

	if got := len(applier.applied()); got != 2 {
		t.Fatalf("expected one write per key, got %d", got)
	}
}
