// Package state implements the local-first document state engine.
//
// The package owns five cooperating components:
//
//   - DocumentStore: documents keyed by ident.DocumentID, each guarded by
//     its own lock, with per-document metadata and a version that grows by
//     exactly one per applied mutation.
//   - ChangeObservable: filtered subscriptions with batched, per-subscription
//     FIFO delivery.
//   - TransactionManager: optimistic multi-document transactions validated
//     against the versions observed at first touch.
//   - OperationQueue: an ordered, idempotent queue of pending operations
//     that survives restarts through Serialize/Deserialize.
//   - SnapshotManager: point-in-time copies of documents for restore and
//     compaction.
//
// Engine wires them together and is the usual entry point.
//
// CRITICAL invariants:
//   - Version never decreases and increases by 1 per successful mutation.
//   - A failed mutation or transaction leaves every document byte-for-byte
//     as it was.
//   - Events for one subscription are delivered in Notify order.
package state
