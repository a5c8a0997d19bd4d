// Package syncroom provides the real-time synchronization layer for a
// collaborative workflow-graph editor: many clients edit the same graph of
// typed blocks concurrently while a single authoritative store stays
// consistent, edits are durably persisted, and transient failures are
// recovered without data loss or duplicate application.
//
// # Core Concepts
//
// The syncroom model is intentionally small:
//
//  1. Server (room hub + coalescing mergers)
//  2. Client (operation queue over a websocket)
//  3. EntityStore backends
//  4. Registry
//  5. Observer
//
// # Server
//
// A Server owns the websocket room hub and two coalescing mergers, one keyed
// by (workflow, block, sub-block) for block field edits and one keyed by
// (workflow, variable, field) for named workflow variables. Rapid repeated
// edits to the same field inside a short window (25ms by default) are merged
// into a single transactional store write; a per-key high-water mark of the
// last applied timestamp rejects stale out-of-order writes; accepted values
// are rebroadcast to every other room member and acknowledged to every
// client operation that contributed to the window.
//
// Servers can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - MongoDB
//
// # Client
//
// A Client holds one websocket connection to a workflow room and a
// per-workflow operation queue. Edits are fire-and-forget from the UI's
// point of view: the queue deduplicates them, dispatches one at a time,
// tracks acknowledgements with a 5 second timeout, retries transient
// failures with 2s/4s/8s backoff, and escalates to a process-wide offline
// signal when the retry budget is exhausted. Deleting an entity locally
// cancels all of its queued and in-flight operations.
//
// # Registry
//
// Room membership (which connection is in which workflow room, who the user
// behind a connection is) is an external concern consumed through the
// api.Registry interface. An in-memory registry serves single-process
// deployments; a Redis-backed one lets several server processes share
// membership.
//
// # Observer
//
// An api.Observer receives sync lifecycle events (edits buffered, flushes
// applied, stale discards, operation outcomes) for logging and metrics.
// LoggingObserver writes structured slog records; BasicMetrics keeps atomic
// counters; CompositeObserver combines them.
//
// # Ordering model
//
// Conflict resolution is last-writer-wins at field granularity using
// client-supplied wall-clock millisecond timestamps. Within one field the
// greatest timestamp observed in a coalescing window wins regardless of
// arrival order; across fields no ordering is guaranteed or required. There
// is no merge of concurrent edits to one field, and no CRDT or operational
// transform machinery.
package syncroom
