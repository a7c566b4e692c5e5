// Package store provides durable persistence for docstate engines.
//
// An Adapter keeps three kinds of rows:
//   - Documents: saved automerge bytes keyed by (namespace, id), with the
//     engine version and modification time
//   - Queue: the serialized operation queue as one blob
//   - Snapshots: saved document copies keyed by (namespace, id, seq)
//
// # Backends
//
//   - "sqlite3": github.com/mattn/go-sqlite3 (cgo), the default
//   - "sqlite": modernc.org/sqlite (pure Go)
//   - "pgx": PostgreSQL through github.com/jackc/pgx/v5/stdlib
//   - "memory": process-local maps, for tests and ephemeral engines
//
// # SQLite configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Listing queries order by (namespace, id) so results are deterministic.
package store
