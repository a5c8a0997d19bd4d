// Package merger implements the server-side coalescing merger: it accepts a
// stream of fine-grained field edits from every client in a room, coalesces
// bursts to the same field into a single durable write, rejects stale
// out-of-order writes with a per-key high-water mark, and fans out
// acknowledgements and room broadcasts.
//
// The merger is generic over the key shape so the sub-block and variable
// paths share one implementation.
package merger

import (
	"context"
	"sync"
	"time"

	"github.com/tkivisto/syncroom/pkg/api"
)

// DefaultWindow is the coalescing window: repeated edits to the same field
// inside this window are merged into one store write. The window is anchored
// to the first edit of a burst, never extended by later edits.
const DefaultWindow = 25 * time.Millisecond

// Key constrains merger key types: comparable for map use, and printable
// for observability.
type Key interface {
	comparable
	String() string
}

// Edit is one incoming field edit from a client connection.
type Edit[K Key] struct {
	Key         K
	Value       any
	Timestamp   int64 // client clock, Unix milliseconds
	ConnID      string
	UserID      string
	OperationID string

	// Immediate bypasses the coalescing window and flushes synchronously.
	Immediate bool
}

// Applier commits the coalesced value for a key to the durable store.
type Applier[K Key] interface {
	Apply(ctx context.Context, key K, value any) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc[K Key] func(ctx context.Context, key K, value any) error

func (f ApplierFunc[K]) Apply(ctx context.Context, key K, value any) error {
	return f(ctx, key, value)
}

// Acker delivers per-operation acknowledgements back to the originating
// connections.
type Acker interface {
	Confirm(connID, operationID string, serverTimestamp int64)
	Fail(connID, operationID string, err error, retryable bool)
}

// Broadcaster rebroadcasts an accepted value to every other connection in
// the room.
type Broadcaster[K Key] interface {
	Broadcast(ctx context.Context, key K, value any, timestamp int64, senderConnID, userID string)
}

// BroadcastFunc adapts a function to the Broadcaster interface.
type BroadcastFunc[K Key] func(ctx context.Context, key K, value any, timestamp int64, senderConnID, userID string)

func (f BroadcastFunc[K]) Broadcast(ctx context.Context, key K, value any, timestamp int64, senderConnID, userID string) {
	f(ctx, key, value, timestamp, senderConnID, userID)
}

// waiter is one client operation waiting on a buffer's outcome.
type waiter struct {
	connID      string
	operationID string
}

// buffer is the most-recent-not-yet-applied edit for one key. At most one
// buffer exists per key; a new edit to the same key overwrites value and
// timestamp rather than queuing.
type buffer struct {
	value     any
	timestamp int64
	connID    string
	userID    string
	waiters   []waiter
}

// Config controls merger timing. Zero values take defaults.
type Config struct {
	// Window is the coalescing delay. Defaults to DefaultWindow.
	Window time.Duration
}

// Merger coalesces edits per key and applies them with last-writer-wins
// ordering. It is safe for concurrent use.
type Merger[K Key] struct {
	applier   Applier[K]
	acks      Acker
	broadcast Broadcaster[K]
	observer  api.Observer
	window    time.Duration

	mu          sync.Mutex
	pending     map[K]*buffer
	timers      map[K]*time.Timer
	lastApplied map[K]int64
}

// New creates a Merger. acks and broadcast may be nil when the caller has no
// use for acknowledgements or fan-out (tests, one-way imports). observer may
// be nil.
func New[K Key](applier Applier[K], acks Acker, broadcast Broadcaster[K], observer api.Observer, cfg Config) *Merger[K] {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Merger[K]{
		applier:     applier,
		acks:        acks,
		broadcast:   broadcast,
		observer:    observer,
		window:      window,
		pending:     make(map[K]*buffer),
		timers:      make(map[K]*time.Timer),
		lastApplied: make(map[K]int64),
	}
}

// HandleEdit ingests one edit. Within a coalescing window the edit with the
// greatest timestamp wins regardless of arrival order; every operation id
// observed during the window is acknowledged by the window's single flush.
func (m *Merger[K]) HandleEdit(ctx context.Context, e Edit[K]) {
	if e.Immediate {
		m.flushImmediate(ctx, e)
		return
	}

	m.mu.Lock()
	if b, ok := m.pending[e.Key]; ok {
		if e.Timestamp >= b.timestamp {
			b.value = e.Value
			b.timestamp = e.Timestamp
			b.connID = e.ConnID
			b.userID = e.UserID
		}
		if e.OperationID != "" {
			b.waiters = append(b.waiters, waiter{connID: e.ConnID, operationID: e.OperationID})
		}
		m.mu.Unlock()
		m.observer.OnEditBuffered(ctx, e.Key.String(), true)
		return
	}

	b := &buffer{
		value:     e.Value,
		timestamp: e.Timestamp,
		connID:    e.ConnID,
		userID:    e.UserID,
	}
	if e.OperationID != "" {
		b.waiters = append(b.waiters, waiter{connID: e.ConnID, operationID: e.OperationID})
	}
	m.pending[e.Key] = b

	key := e.Key
	m.timers[key] = time.AfterFunc(m.window, func() {
		m.flush(context.Background(), key)
	})
	m.mu.Unlock()

	m.observer.OnEditBuffered(ctx, e.Key.String(), false)
}

// flushImmediate folds any pending buffer for the key into this edit and
// applies synchronously.
func (m *Merger[K]) flushImmediate(ctx context.Context, e Edit[K]) {
	b := &buffer{
		value:     e.Value,
		timestamp: e.Timestamp,
		connID:    e.ConnID,
		userID:    e.UserID,
	}
	if e.OperationID != "" {
		b.waiters = append(b.waiters, waiter{connID: e.ConnID, operationID: e.OperationID})
	}

	m.mu.Lock()
	if prev, ok := m.pending[e.Key]; ok {
		delete(m.pending, e.Key)
		if t, ok := m.timers[e.Key]; ok {
			t.Stop()
			delete(m.timers, e.Key)
		}
		if prev.timestamp > b.timestamp {
			b.value = prev.value
			b.timestamp = prev.timestamp
			b.connID = prev.connID
			b.userID = prev.userID
		}
		b.waiters = append(prev.waiters, b.waiters...)
	}
	stale, highWater := m.staleLocked(e.Key, b.timestamp)
	m.mu.Unlock()

	if stale {
		m.discardStale(ctx, e.Key, b, highWater)
		return
	}
	m.apply(ctx, e.Key, b)
}

// flush is the timer callback for a key. The buffer and timer are removed
// from the pending maps before the store write starts, so a new burst
// beginning during the write opens a fresh window instead of reusing state.
func (m *Merger[K]) flush(ctx context.Context, key K) {
	m.mu.Lock()
	b, ok := m.pending[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, key)
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	stale, highWater := m.staleLocked(key, b.timestamp)
	m.mu.Unlock()

	if stale {
		m.discardStale(ctx, key, b, highWater)
		return
	}
	m.apply(ctx, key, b)
}

// staleLocked reports whether a buffer timestamp is older than the last
// applied write for the key. Callers must hold m.mu.
func (m *Merger[K]) staleLocked(key K, timestamp int64) (bool, int64) {
	hw, ok := m.lastApplied[key]
	return ok && timestamp < hw, hw
}

// discardStale drops a superseded buffer without touching the store. The
// discard is deliberately not silent toward the waiters: they are confirmed
// rather than failed, since a newer value already committed for the key and
// a retry of the stale edit could never win; failing them would put those
// clients on a retry path that ends in a spurious offline escalation.
func (m *Merger[K]) discardStale(ctx context.Context, key K, b *buffer, highWater int64) {
	m.observer.OnStaleDiscard(ctx, key.String(), b.timestamp, highWater)
	if m.acks != nil {
		now := time.Now().UnixMilli()
		for _, w := range b.waiters {
			m.acks.Confirm(w.connID, w.operationID, now)
		}
	}
}

func (m *Merger[K]) apply(ctx context.Context, key K, b *buffer) {
	start := time.Now()
	if err := m.applier.Apply(ctx, key, b.value); err != nil {
		m.observer.OnFlushFailed(ctx, key.String(), err)
		if m.acks != nil {
			retryable := api.Retryable(err)
			for _, w := range b.waiters {
				m.acks.Fail(w.connID, w.operationID, err, retryable)
			}
		}
		return
	}

	m.mu.Lock()
	if b.timestamp > m.lastApplied[key] {
		m.lastApplied[key] = b.timestamp
	}
	m.mu.Unlock()

	m.observer.OnFlushApplied(ctx, key.String(), b.timestamp, len(b.waiters), time.Since(start))

	if m.broadcast != nil {
		m.broadcast.Broadcast(ctx, key, b.value, b.timestamp, b.connID, b.userID)
	}
	if m.acks != nil {
		now := time.Now().UnixMilli()
		for _, w := range b.waiters {
			m.acks.Confirm(w.connID, w.operationID, now)
		}
	}
}

// Flush forces the pending buffer for a key to be flushed now, if one
// exists. Used by shutdown paths and tests.
func (m *Merger[K]) Flush(ctx context.Context, key K) {
	m.flush(ctx, key)
}

// PendingKeys returns the keys that currently hold a buffered edit.
func (m *Merger[K]) PendingKeys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]K, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	return keys
}

// CancelConnection drops every pending buffer whose latest write came from
// the given connection, and removes the connection's operations from the
// waiter sets of the remaining buffers. Timers for dropped buffers are
// stopped so they never fire for freed state. Waiters from other
// connections whose buffer is dropped receive a retryable failure and will
// resubmit their own values.
func (m *Merger[K]) CancelConnection(ctx context.Context, connID string) {
	type orphan struct {
		key K
		ws  []waiter
	}
	var orphans []orphan

	m.mu.Lock()
	for key, b := range m.pending {
		if b.connID != connID {
			kept := b.waiters[:0]
			for _, w := range b.waiters {
				if w.connID != connID {
					kept = append(kept, w)
				}
			}
			b.waiters = kept
			continue
		}

		delete(m.pending, key)
		if t, ok := m.timers[key]; ok {
			t.Stop()
			delete(m.timers, key)
		}
		var remaining []waiter
		for _, w := range b.waiters {
			if w.connID != connID {
				remaining = append(remaining, w)
			}
		}
		if len(remaining) > 0 {
			orphans = append(orphans, orphan{key: key, ws: remaining})
		}
	}
	m.mu.Unlock()

	if m.acks == nil {
		return
	}
	for _, o := range orphans {
		for _, w := range o.ws {
			m.acks.Fail(w.connID, w.operationID, context.Canceled, true)
		}
	}
}

// LastApplied returns the high-water mark for a key, or 0 if no write has
// been applied yet.
func (m *Merger[K]) LastApplied(key K) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied[key]
}
