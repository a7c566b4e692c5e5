package evolution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docstate/internal/docmodel"
	"github.com/roach88/docstate/internal/ident"
	"github.com/roach88/docstate/internal/state"
	"github.com/roach88/docstate/internal/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newStore() *state.DocumentStore {
	clock := testutil.NewDeterministicClock()
	return state.NewDocumentStore(state.WithStoreClock(clock.Now), state.WithStoreLogger(quiet))
}

func docID(ns, id string) ident.DocumentID {
	return ident.DocumentID{Namespace: ns, ID: id}
}

func put(path string, v any) func(*docmodel.Doc) error {
	return func(doc *docmodel.Doc) error { return doc.Put(path, v) }
}

// usersSchema: unversioned -> 1.0.0 -> 2.0.0.
func usersSchema() Schema {
	return Schema{
		Name:    "users",
		Version: "2.0.0",
		Migrations: []Migration{
			Step{FromVersion: Unversioned, ToVersion: "1.0.0", Apply: put("bio", "")},
			Step{FromVersion: "1.0.0", ToVersion: "2.0.0", Apply: put("profile_photo", "")},
		},
	}
}

func seed(t *testing.T, s *state.DocumentStore, id ident.DocumentID, fields map[string]any) *state.DocumentHandle {
	t.Helper()
	h, err := s.Create(id)
	require.NoError(t, err)
	_, err = h.Update(func(doc *docmodel.Doc) error {
		for k, v := range fields {
			if err := doc.Put(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return h
}

func marker(t *testing.T, h *state.DocumentHandle) string {
	t.Helper()
	var v string
	require.NoError(t, h.Read(func(doc *docmodel.Doc) error {
		var err error
		v, err = Version(doc)
		return err
	}))
	return v
}

func TestRegisterSchemaValidatesChain(t *testing.T) {
	e := New(newStore(), WithLogger(quiet))

	tests := []struct {
		name   string
		schema Schema
	}{
		{"no name", Schema{Version: "1.0.0"}},
		{"no version", Schema{Name: "users"}},
		{"unversioned target", Schema{Name: "users", Version: Unversioned}},
		{"gap", Schema{Name: "users", Version: "3.0.0", Migrations: []Migration{
			Step{FromVersion: "1.0.0", ToVersion: "2.0.0"},
			Step{FromVersion: "2.5.0", ToVersion: "3.0.0"},
		}}},
		{"wrong end", Schema{Name: "users", Version: "3.0.0", Migrations: []Migration{
			Step{FromVersion: "1.0.0", ToVersion: "2.0.0"},
		}}},
		{"self loop", Schema{Name: "users", Version: "1.0.0", Migrations: []Migration{
			Step{FromVersion: "1.0.0", ToVersion: "1.0.0"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, e.RegisterSchema(tt.schema))
		})
	}
	assert.Empty(t, e.Schemas())
}

func TestRegisterSchemaReplacesByName(t *testing.T) {
	e := New(newStore(), WithLogger(quiet))
	s := usersSchema()
	s.Namespaces = []string{"people"}
	require.NoError(t, e.RegisterSchema(s))

	got, err := e.SchemaFor("people")
	require.NoError(t, err)
	assert.NotEmpty(t, got.Hash)
	first := got.Hash

	s.Namespaces = []string{"members"}
	s.Version = "1.0.0"
	s.Migrations = s.Migrations[:1]
	require.NoError(t, e.RegisterSchema(s))

	_, err = e.SchemaFor("people")
	assert.True(t, state.IsSchemaNotFound(err))
	got, err = e.SchemaFor("members")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)
	assert.NotEqual(t, first, got.Hash)
	assert.Len(t, e.Schemas(), 1)
}

func TestSchemaHashIsStable(t *testing.T) {
	a, err := usersSchema().ComputeHash()
	require.NoError(t, err)
	b, err := usersSchema().ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other := usersSchema()
	other.Name = "accounts"
	c, err := other.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestLoadWithMigrationUpgrades(t *testing.T) {
	s := newStore()
	e := New(s, WithLogger(quiet))
	require.NoError(t, e.RegisterSchema(usersSchema()))
	seed(t, s, docID("users", "alice"), map[string]any{"username": "alice"})

	h, applied, err := e.Migrate(context.Background(), docID("users", "alice"))
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, Unversioned, applied[0].From)
	assert.Equal(t, "2.0.0", applied[1].To)
	assert.Equal(t, uint64(3), applied[1].Version)
	assert.Equal(t, "2.0.0", marker(t, h))

	var photo string
	require.NoError(t, h.Read(func(doc *docmodel.Doc) error {
		var ok bool
		var err error
		photo, ok, err = doc.GetString("profile_photo")
		require.True(t, ok)
		return err
	}))
	assert.Equal(t, "", photo)
}

func TestLoadWithMigrationIsIdempotent(t *testing.T) {
	s := newStore()
	obs := state.NewChangeObservable()
	defer obs.Close()
	e := New(s, WithLogger(quiet), WithObservable(obs))
	require.NoError(t, e.RegisterSchema(usersSchema()))
	seed(t, s, docID("users", "alice"), map[string]any{"username": "alice"})
	sub := obs.SubscribeDocument(docID("users", "alice"))

	h, err := e.LoadWithMigration(context.Background(), docID("users", "alice"))
	require.NoError(t, err)
	obs.FlushBatch()
	assert.Equal(t, 2, sub.Pending())
	for sub.Pending() > 0 {
		_, _ = sub.TryRecv()
	}
	v1, err := h.Version()
	require.NoError(t, err)
	before, err := h.Save()
	require.NoError(t, err)

	_, applied, err := e.Migrate(context.Background(), docID("users", "alice"))
	require.NoError(t, err)
	assert.Empty(t, applied)
	obs.FlushBatch()
	assert.Zero(t, sub.Pending())

	v2, err := h.Version()
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	after, err := h.Save()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadWithMigrationStartsMidChain(t *testing.T) {
	s := newStore()
	e := New(s, WithLogger(quiet))
	require.NoError(t, e.RegisterSchema(usersSchema()))
	seed(t, s, docID("users", "bob"), map[string]any{MarkerPath: "1.0.0"})

	_, applied, err := e.Migrate(context.Background(), docID("users", "bob"))
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "1.0.0", applied[0].From)
}

func TestLoadWithMigrationStopsAtFailure(t *testing.T) {
	s := newStore()
	e := New(s, WithLogger(quiet))
	boom := errors.New("boom")
	require.NoError(t, e.RegisterSchema(Schema{
		Name:    "users",
		Version: "2.0.0",
		Migrations: []Migration{
			Step{FromVersion: Unversioned, ToVersion: "1.0.0", Apply: put("bio", "")},
			Step{FromVersion: "1.0.0", ToVersion: "2.0.0", Apply: func(doc *docmodel.Doc) error {
				if err := doc.Put("half", true); err != nil {
					return err
				}
				return boom
			}},
		},
	}))
	h := seed(t, s, docID("users", "alice"), map[string]any{"username": "alice"})

	_, applied, err := e.Migrate(context.Background(), docID("users", "alice"))
	assert.ErrorIs(t, err, boom)
	require.Len(t, applied, 1)
	assert.Equal(t, "1.0.0", marker(t, h))
	require.NoError(t, h.Read(func(doc *docmodel.Doc) error {
		_, ok, err := doc.Get("half")
		assert.False(t, ok, "failed migration must not leave partial edits")
		return err
	}))
	v, err := h.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestLoadWithMigrationErrors(t *testing.T) {
	s := newStore()
	e := New(s, WithLogger(quiet))
	seed(t, s, docID("orders", "1"), nil)

	_, err := e.LoadWithMigration(context.Background(), docID("orders", "1"))
	assert.True(t, state.IsSchemaNotFound(err))

	require.NoError(t, e.RegisterSchema(usersSchema()))
	_, err = e.LoadWithMigration(context.Background(), docID("users", "missing"))
	assert.True(t, state.IsNotFound(err))

	// A marker outside the chain cannot be upgraded.
	seed(t, s, docID("users", "future"), map[string]any{MarkerPath: "9.0.0"})
	_, err = e.LoadWithMigration(context.Background(), docID("users", "future"))
	assert.ErrorIs(t, err, ErrNoMigrationPath)

	seed(t, s, docID("users", "alice"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.LoadWithMigration(ctx, docID("users", "alice"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMigrateNamespace(t *testing.T) {
	s := newStore()
	e := New(s, WithLogger(quiet))
	require.NoError(t, e.RegisterSchema(usersSchema()))
	for _, name := range []string{"a", "b", "c"} {
		seed(t, s, docID("users", name), nil)
	}
	n, err := e.MigrateNamespace(context.Background(), "users")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = e.MigrateNamespace(context.Background(), "users")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentLoadsMigrateOnce(t *testing.T) {
	s := newStore()
	e := New(s, WithLogger(quiet))
	require.NoError(t, e.RegisterSchema(usersSchema()))
	h := seed(t, s, docID("users", "alice"), nil)

	var wg sync.WaitGroup
	counts := make([]int, 8)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, applied, err := e.Migrate(context.Background(), docID("users", "alice"))
			assert.NoError(t, err)
			counts[i] = len(applied)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, 2, total)
	v, err := h.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

// Two replicas migrate the same base independently, then make unrelated
// edits. The merge holds one copy of the migration and both edits.
func TestMigrationConvergesAcrossForks(t *testing.T) {
	base := newStore()
	bh := seed(t, base, docID("users", "charlie"), map[string]any{
		"username": "charlie",
		MarkerPath: "1.0.0",
	})
	baseBytes, err := bh.Save()
	require.NoError(t, err)

	schema := Schema{
		Name:    "users",
		Version: "2.0.0",
		Migrations: []Migration{
			Step{FromVersion: "1.0.0", ToVersion: "2.0.0", Apply: put("profile_photo", "")},
		},
	}

	type replica struct {
		store   *state.DocumentStore
		handle  *state.DocumentHandle
		applied []Applied
	}
	fork := func(actor, key, value string) replica {
		s := newStore()
		h, err := s.Load(docID("users", "charlie"), baseBytes)
		require.NoError(t, err)
		e := New(s, WithLogger(quiet))
		require.NoError(t, e.RegisterSchema(schema))
		_, applied, err := e.Migrate(context.Background(), docID("users", "charlie"))
		require.NoError(t, err)
		_, err = h.UpdateWith(state.UpdateOptions{Actor: actor}, put(key, value))
		require.NoError(t, err)
		return replica{store: s, handle: h, applied: applied}
	}
	a := fork("aaaaaaaaaaaaaaaa", "last_seen", "2024-02-05")
	b := fork("bbbbbbbbbbbbbbbb", "status", "active")

	require.Len(t, a.applied, 1)
	require.Len(t, b.applied, 1)
	assert.Equal(t, a.applied[0].Change, b.applied[0].Change, "migration changes must be identical")

	load := func(r replica) *docmodel.Doc {
		raw, err := r.handle.Save()
		require.NoError(t, err)
		doc, err := docmodel.Load(raw)
		require.NoError(t, err)
		return doc
	}
	docA, docB := load(a), load(b)

	var resolver ConflictResolver
	merged, err := resolver.Resolve(docA, docB)
	require.NoError(t, err)

	version, err := resolver.VerifyVersion(docA, docB)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", version)
	mv, err := Version(merged)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", mv)

	for key, want := range map[string]string{
		"username":      "charlie",
		"profile_photo": "",
		"last_seen":     "2024-02-05",
		"status":        "active",
	} {
		got, ok, err := merged.GetString(key)
		require.NoError(t, err)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}

	// base change + one shared migration + two edits
	n, err := merged.ChangeCount()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
