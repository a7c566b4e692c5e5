package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/docstate/internal/ident"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("store: not found")

// DocumentRecord is one persisted document.
type DocumentRecord struct {
	ID        ident.DocumentID
	Data      []byte
	Version   uint64
	UpdatedAt time.Time
}

// SnapshotRecord is one persisted snapshot.
type SnapshotRecord struct {
	ID         ident.DocumentID
	Seq        uint64
	DocVersion uint64
	CreatedAt  time.Time
	Changes    int
	Digest     string
	Data       []byte
}

// Stats summarizes an adapter's contents.
type Stats struct {
	Documents     int   `json:"documents"`
	DocumentBytes int64 `json:"document_bytes"`
	Snapshots     int   `json:"snapshots"`
	SnapshotBytes int64 `json:"snapshot_bytes"`
	QueueBytes    int64 `json:"queue_bytes"`
}

// Adapter persists documents, the operation queue and snapshots.
// Implementations are safe for concurrent use.
type Adapter interface {
	// SaveDocument inserts or replaces a document.
	SaveDocument(ctx context.Context, rec DocumentRecord) error
	// LoadDocument returns ErrNotFound for an unknown id.
	LoadDocument(ctx context.Context, id ident.DocumentID) (DocumentRecord, error)
	// DeleteDocument returns ErrNotFound for an unknown id.
	DeleteDocument(ctx context.Context, id ident.DocumentID) error
	// ListDocuments returns the ids in ns, sorted.
	ListDocuments(ctx context.Context, ns string) ([]ident.DocumentID, error)
	// ListNamespaces returns the namespaces with at least one document, sorted.
	ListNamespaces(ctx context.Context) ([]string, error)

	// SaveQueue replaces the queue blob.
	SaveQueue(ctx context.Context, data []byte) error
	// LoadQueue returns nil when no queue was saved.
	LoadQueue(ctx context.Context) ([]byte, error)

	// SaveSnapshot inserts or replaces the snapshot (id, seq).
	SaveSnapshot(ctx context.Context, rec SnapshotRecord) error
	// LoadSnapshots returns every snapshot ordered by id then seq.
	LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error)
	// DeleteSnapshots drops every snapshot of id.
	DeleteSnapshots(ctx context.Context, id ident.DocumentID) error

	Stats(ctx context.Context) (Stats, error)
	// Clear drops all rows.
	Clear(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory  = "memory"
	DriverSQLite3 = "sqlite3"
	DriverSQLite  = "sqlite"
	DriverPgx     = "pgx"
)

// Drivers lists the accepted driver names.
var Drivers = []string{DriverSQLite3, DriverSQLite, DriverPgx, DriverMemory}

// Open returns an adapter for driver. dsn is a file path for the SQLite
// drivers, a connection string for pgx, and ignored for memory.
func Open(ctx context.Context, driver, dsn string) (Adapter, error) {
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite3, "":
		return OpenSQL(ctx, SQLite3, dsn)
	case DriverSQLite:
		return OpenSQL(ctx, SQLite, dsn)
	case DriverPgx:
		return OpenSQL(ctx, Postgres, dsn)
	}
	return nil, fmt.Errorf("unknown storage driver %q (valid: %v)", driver, Drivers)
}
