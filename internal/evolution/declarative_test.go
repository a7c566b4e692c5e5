package evolution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docstate/internal/docmodel"
	"github.com/roach88/docstate/internal/state"
)

func TestLoadSchemaFile(t *testing.T) {
	s, err := LoadSchemaFile("testdata/users.yaml")
	require.NoError(t, err)
	assert.Equal(t, "users", s.Name)
	assert.Equal(t, "2.0.0", s.Version)
	assert.Equal(t, []string{"users", "members"}, s.Namespaces)
	require.Len(t, s.Migrations, 2)
	require.NotNil(t, s.Constraint)

	_, err = LoadSchemaFile("testdata/missing.yaml")
	assert.ErrorContains(t, err, "failed to read schema file")
}

func TestDeclarativeMigration(t *testing.T) {
	schema, err := LoadSchemaFile("testdata/users.yaml")
	require.NoError(t, err)

	st := newStore()
	e := New(st, WithLogger(quiet))
	require.NoError(t, e.RegisterSchema(schema))
	h := seed(t, st, docID("members", "alice"), map[string]any{"legacy_name": "alice"})

	_, applied, err := e.Migrate(context.Background(), docID("members", "alice"))
	require.NoError(t, err)
	require.Len(t, applied, 2)

	require.NoError(t, h.Read(func(doc *docmodel.Doc) error {
		got, err := doc.ToMap()
		require.NoError(t, err)
		assert.Equal(t, "ALICE", got["display_name"])
		assert.Equal(t, int64(1), got["visits"])
		assert.NotContains(t, got, "legacy_name")
		profile, ok := got["profile"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "", profile["photo"])
		return nil
	}))
	assert.Equal(t, "2.0.0", marker(t, h))
}

func TestDeclarativeWhenGate(t *testing.T) {
	schema, err := LoadSchemaFile("testdata/users.yaml")
	require.NoError(t, err)

	st := newStore()
	e := New(st, WithLogger(quiet))
	require.NoError(t, e.RegisterSchema(schema))
	h := seed(t, st, docID("users", "bob"), map[string]any{"username": "bob"})

	// 1.0.0 -> 2.0.0 is gated on legacy_name, so bob stops at 1.0.0.
	_, applied, err := e.Migrate(context.Background(), docID("users", "bob"))
	assert.ErrorIs(t, err, ErrNoMigrationPath)
	require.Len(t, applied, 1)
	assert.Equal(t, "1.0.0", marker(t, h))
}

func TestDeclarativeConstraintRejects(t *testing.T) {
	schema, err := ParseSchema([]byte(`
name: users
version: 1.0.0
migrations:
  - from: unversioned
    to: 1.0.0
    set:
      age: '"old"'
constraint: |
  age: int
`))
	require.NoError(t, err)

	st := newStore()
	e := New(st, WithLogger(quiet))
	require.NoError(t, e.RegisterSchema(schema))
	h := seed(t, st, docID("users", "carol"), map[string]any{"username": "carol"})

	_, err = e.LoadWithMigration(context.Background(), docID("users", "carol"))
	require.Error(t, err)
	var ce *ConstraintError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, Unversioned, marker(t, h))
	v, verr := h.Version()
	require.NoError(t, verr)
	assert.Equal(t, uint64(1), v)
}

func TestParseSchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "name: a\nversion: 1.0.0\nmigratoins: []\n", "failed to parse YAML"},
		{"bad when", "name: a\nversion: 1.0.0\nmigrations:\n  - {from: unversioned, to: 1.0.0, when: 'x +'}\n", "when"},
		{"bare field", "name: a\nversion: 1.0.0\nmigrations:\n  - {from: unversioned, to: 1.0.0, set: {b: 'title'}}\n", "set b"},
		{"bad set path", "name: a\nversion: 1.0.0\nmigrations:\n  - {from: unversioned, to: 1.0.0, set: {'a//b': '1'}}\n", "invalid path"},
		{"bad delete path", "name: a\nversion: 1.0.0\nmigrations:\n  - {from: unversioned, to: 1.0.0, delete: ['']}\n", "invalid path"},
		{"broken chain", "name: a\nversion: 2.0.0\nmigrations:\n  - {from: unversioned, to: 1.0.0}\n", "chain ends at 1.0.0"},
		{"bad constraint", "name: a\nversion: 1.0.0\nconstraint: 'x: ('\n", "compile constraint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchema([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDeclarativeIsDeterministic(t *testing.T) {
	m, err := CompileMigration(MigrationSpec{
		From: Unversioned,
		To:   "1.0.0",
		Set: map[string]string{
			"b":      `"two"`,
			"a":      `1`,
			"nested": `{"z": 1, "y": [1, 2], "x": {"w": true}}`,
		},
	})
	require.NoError(t, err)

	run := func() []byte {
		st := newStore()
		e := New(st, WithLogger(quiet))
		require.NoError(t, e.RegisterSchema(Schema{Name: "d", Version: "1.0.0", Migrations: []Migration{m}}))
		h, err := st.Load(docID("d", "x"), docmodel.New().Save())
		require.NoError(t, err)
		_, applied, err := e.Migrate(context.Background(), docID("d", "x"))
		require.NoError(t, err)
		require.Len(t, applied, 1)
		var raw []byte
		require.NoError(t, h.Read(func(doc *docmodel.Doc) error {
			var err error
			raw, err = doc.ChangeBytes(applied[0].Change)
			return err
		}))
		return raw
	}
	assert.Equal(t, run(), run())
}

func TestDeclarativeRuntimeErrorAborts(t *testing.T) {
	schema, err := ParseSchema([]byte(`
name: n
version: 1.0.0
migrations:
  - from: unversioned
    to: 1.0.0
    set:
      bad: 'doc.count / doc.label'
`))
	require.NoError(t, err)
	st := newStore()
	e := New(st, WithLogger(quiet))
	require.NoError(t, e.RegisterSchema(schema))
	h := seed(t, st, docID("n", "a"), map[string]any{"count": int64(1), "label": "x"})

	before, err := h.Save()
	require.NoError(t, err)

	_, err = e.LoadWithMigration(context.Background(), docID("n", "a"))
	assert.ErrorContains(t, err, "set bad")
	assert.False(t, state.IsSchemaNotFound(err))
	after, err := h.Save()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, Unversioned, marker(t, h))
}

func TestDeclarativeFieldsShadowingBuiltins(t *testing.T) {
	schema, err := ParseSchema([]byte(`
name: n
version: 1.0.0
migrations:
  - from: unversioned
    to: 1.0.0
    when: 'doc.len > 0'
    set:
      total: 'doc.count * doc.len'
      size: 'len(doc.name)'
`))
	require.NoError(t, err)
	st := newStore()
	e := New(st, WithLogger(quiet))
	require.NoError(t, e.RegisterSchema(schema))
	h := seed(t, st, docID("n", "a"), map[string]any{
		"count": int64(3),
		"len":   int64(2),
		"name":  "abcd",
	})

	_, applied, err := e.Migrate(context.Background(), docID("n", "a"))
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.NoError(t, h.Read(func(doc *docmodel.Doc) error {
		got, err := doc.ToMap()
		require.NoError(t, err)
		assert.Equal(t, int64(6), got["total"])
		assert.Equal(t, int64(4), got["size"])
		return nil
	}))
}
