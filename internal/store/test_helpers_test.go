package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/docstate/internal/ident"
)

// createTestStore opens a mattn SQLite store in a temp dir.
func createTestStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQL(context.Background(), SQLite3, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// adapters returns every backend that runs without external services.
// The pgx dialect runs against an in-memory SQLite database through
// OverrideSQLOpen, exercising its placeholders and DDL.
func adapters(t *testing.T) map[string]func(t *testing.T) Adapter {
	t.Helper()
	return map[string]func(t *testing.T) Adapter{
		"memory": func(t *testing.T) Adapter {
			m := NewMemory()
			t.Cleanup(func() { m.Close() })
			return m
		},
		"sqlite3": func(t *testing.T) Adapter {
			return createTestStore(t)
		},
		"sqlite": func(t *testing.T) Adapter {
			s, err := OpenSQL(context.Background(), SQLite, filepath.Join(t.TempDir(), "modernc.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"pgx": func(t *testing.T) Adapter {
			restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) {
				db, err := sql.Open("sqlite3", ":memory:")
				if err != nil {
					return nil, err
				}
				db.SetMaxOpenConns(1)
				return db, nil
			})
			defer restore()
			s, err := OpenSQL(context.Background(), Postgres, "postgres://ignored")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func docID(ns, id string) ident.DocumentID {
	return ident.DocumentID{Namespace: ns, ID: id}
}
