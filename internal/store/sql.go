package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/roach88/docstate/internal/ident"
)

//go:embed schema.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

// Schema version tracking (SQLite user_version):
// 0 - Initial schema (pre-migration)
// 1 - Added index on snapshots.created_at
const currentSchemaVersion = 1

const queueName = "default"

// Dialect captures what differs between the SQL backends.
type Dialect struct {
	Name   string
	Driver string
	schema string
	// sqlite enables pragmas and user_version migrations.
	sqlite bool
}

var (
	SQLite3  = Dialect{Name: "sqlite3", Driver: "sqlite3", schema: schemaSQLite, sqlite: true}
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite", schema: schemaSQLite, sqlite: true}
	Postgres = Dialect{Name: "pgx", Driver: "pgx", schema: schemaPostgres}
)

// placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) placeholder(n int) string {
	if d.sqlite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// bind rewrites ? markers in query to the dialect's placeholders.
func (d Dialect) bind(query string) string {
	if d.sqlite {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open function for tests and returns a
// restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// SQLStore is an Adapter over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Adapter = (*SQLStore)(nil)

// OpenSQL creates or opens a database and applies the schema.
//
// SQLite databases are configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func OpenSQL(ctx context.Context, d Dialect, dsn string) (*SQLStore, error) {
	if dsn == "" {
		if d.sqlite {
			dsn = "docstate.db"
		} else {
			return nil, fmt.Errorf("%s: dsn required", d.Name)
		}
	}

	openMu.Lock()
	db, err := sqlOpen(d.Driver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if d.sqlite {
		// SQLite only supports one writer at a time, so limit connections
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.applySchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

// Dialect returns the store's dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// DB returns the underlying sql.DB for direct queries.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func (s *SQLStore) applySchema(ctx context.Context) error {
	for _, stmt := range splitStatements(s.dialect.schema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}
	if !s.dialect.sqlite {
		return nil
	}
	if err := runMigrations(ctx, s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(ctx, db); err != nil {
			return err
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migrateToV1(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) != "" {
			out = append(out, strings.TrimSpace(stmt))
		}
	}
	return out
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.bind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.bind(query), args...)
}

// SaveDocument inserts or replaces a document.
func (s *SQLStore) SaveDocument(ctx context.Context, rec DocumentRecord) error {
	if err := rec.ID.Validate(); err != nil {
		return err
	}
	_, err := s.exec(ctx, `
		INSERT INTO documents (namespace, id, data, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, rec.ID.Namespace, rec.ID.ID, rec.Data, int64(rec.Version), toMillis(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("write document %s: %w", rec.ID, err)
	}
	return nil
}

// LoadDocument reads one document.
func (s *SQLStore) LoadDocument(ctx context.Context, id ident.DocumentID) (DocumentRecord, error) {
	rows, err := s.query(ctx, `
		SELECT data, version, updated_at FROM documents
		WHERE namespace = ? AND id = ?
	`, id.Namespace, id.ID)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("read document %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return DocumentRecord{}, fmt.Errorf("read document %s: %w", id, err)
		}
		return DocumentRecord{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	var (
		data    []byte
		version int64
		updated int64
	)
	if err := rows.Scan(&data, &version, &updated); err != nil {
		return DocumentRecord{}, fmt.Errorf("scan document %s: %w", id, err)
	}
	return DocumentRecord{ID: id, Data: data, Version: uint64(version), UpdatedAt: fromMillis(updated)}, nil
}

// DeleteDocument removes one document.
func (s *SQLStore) DeleteDocument(ctx context.Context, id ident.DocumentID) error {
	res, err := s.exec(ctx, `DELETE FROM documents WHERE namespace = ? AND id = ?`, id.Namespace, id.ID)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListDocuments returns the ids in ns, sorted.
func (s *SQLStore) ListDocuments(ctx context.Context, ns string) ([]ident.DocumentID, error) {
	rows, err := s.query(ctx, `SELECT id FROM documents WHERE namespace = ? ORDER BY id ASC`, ns)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var ids []ident.DocumentID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, ident.DocumentID{Namespace: ns, ID: id})
	}
	return ids, rows.Err()
}

// ListNamespaces returns the namespaces in use, sorted.
func (s *SQLStore) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT DISTINCT namespace FROM documents ORDER BY namespace ASC`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// SaveQueue replaces the queue blob.
func (s *SQLStore) SaveQueue(ctx context.Context, data []byte) error {
	_, err := s.exec(ctx, `
		INSERT INTO queue (name, data) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET data = excluded.data
	`, queueName, data)
	if err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	return nil
}

// LoadQueue returns the queue blob, or nil if none was saved.
func (s *SQLStore) LoadQueue(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT data FROM queue WHERE name = ?`), queueName).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	return data, nil
}

// SaveSnapshot inserts or replaces one snapshot.
func (s *SQLStore) SaveSnapshot(ctx context.Context, rec SnapshotRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO snapshots (namespace, id, seq, doc_version, changes, digest, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, id, seq) DO UPDATE SET
			doc_version = excluded.doc_version,
			changes = excluded.changes,
			digest = excluded.digest,
			data = excluded.data,
			created_at = excluded.created_at
	`, rec.ID.Namespace, rec.ID.ID, int64(rec.Seq), int64(rec.DocVersion), rec.Changes, rec.Digest, rec.Data, toMillis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("write snapshot %s@%d: %w", rec.ID, rec.Seq, err)
	}
	return nil
}

// LoadSnapshots returns every snapshot ordered by id then seq.
func (s *SQLStore) LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	rows, err := s.query(ctx, `
		SELECT namespace, id, seq, doc_version, changes, digest, data, created_at
		FROM snapshots
		ORDER BY namespace ASC, id ASC, seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var (
			rec             SnapshotRecord
			seq, docVersion int64
			created         int64
		)
		if err := rows.Scan(&rec.ID.Namespace, &rec.ID.ID, &seq, &docVersion, &rec.Changes, &rec.Digest, &rec.Data, &created); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.DocVersion = uint64(docVersion)
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSnapshots drops every snapshot of id.
func (s *SQLStore) DeleteSnapshots(ctx context.Context, id ident.DocumentID) error {
	if _, err := s.exec(ctx, `DELETE FROM snapshots WHERE namespace = ? AND id = ?`, id.Namespace, id.ID); err != nil {
		return fmt.Errorf("delete snapshots %s: %w", id, err)
	}
	return nil
}

// Stats counts rows and bytes.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM documents`,
	).Scan(&st.Documents, &st.DocumentBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("stats documents: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM snapshots`,
	).Scan(&st.Snapshots, &st.SnapshotBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("stats snapshots: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(LENGTH(data)), 0) FROM queue`,
	).Scan(&st.QueueBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("stats queue: %w", err)
	}
	return st, nil
}

// Clear drops all rows in one transaction.
func (s *SQLStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, table := range []string{"documents", "queue", "snapshots"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLStore) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
