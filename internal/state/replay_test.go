package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docstate/internal/docmodel"
)

// changeFor records one put on a fresh replica and returns its change bytes.
func changeFor(t *testing.T, docID, path string, v any) []byte {
	t.Helper()
	src, _ := newTestStore(t)
	h, err := src.Create(id("replica", docID))
	require.NoError(t, err)
	res, err := h.Update(func(doc *docmodel.Doc) error { return doc.Put(path, v) })
	require.NoError(t, err)
	raw, err := h.ChangeBytes(res.Change)
	require.NoError(t, err)
	return raw
}

func TestReplayAppliesInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	q := newTestQueue(t)
	obs := NewChangeObservable()
	defer obs.Close()
	sub := obs.SubscribeDocument(id("users", "alice"))

	raw := changeFor(t, "alice", "name", "Alice")
	for _, op := range []Operation{
		NewCreateOperation(id("users", "alice")),
		NewUpdateOperation(id("users", "alice"), raw).WithKey("rename-alice"),
		NewCreateOperation(id("users", "bob")),
		NewDeleteOperation(id("users", "bob")),
	} {
		_, err := q.Enqueue(op)
		require.NoError(t, err)
	}

	results, err := Replay(context.Background(), q, s, ReplayOptions{Observable: obs})
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.OK(), "op %s: %v", r.Operation, r.Err)
	}
	assert.True(t, q.IsEmpty())

	h, err := s.Get(id("users", "alice"))
	require.NoError(t, err)
	assert.Equal(t, "Alice", readString(t, h, "name"))
	v, err := h.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	assert.False(t, s.Exists(id("users", "bob")))

	obs.FlushBatch()
	ev, ok := sub.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "rename-alice", ev.Change)
	_, ok = sub.TryRecv()
	assert.False(t, ok)
}

func TestReplayReportsFailuresAndRetries(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, id("users", "alice"), nil)
	q := newTestQueue(t)

	for _, op := range []Operation{
		NewCreateOperation(id("users", "alice")),
		NewDeleteOperation(id("users", "ghost")),
		NewCreateOperation(id("users", "bob")),
	} {
		_, err := q.Enqueue(op)
		require.NoError(t, err)
	}

	results, err := Replay(context.Background(), q, s, ReplayOptions{MaxRetries: 1})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, IsAlreadyExists(results[0].Err))
	assert.Equal(t, uint64(4), results[0].RetryID)
	assert.True(t, IsNotFound(results[1].Err))
	assert.Equal(t, uint64(5), results[1].RetryID)
	assert.True(t, results[2].OK())
	assert.Zero(t, results[2].RetryID)
	assert.True(t, s.Exists(id("users", "bob")))

	// Retried copies wait for the next pass.
	require.Equal(t, 2, q.Len())
	for _, op := range q.List() {
		assert.Equal(t, uint32(1), op.RetryCount)
	}

	results, err = Replay(context.Background(), q, s, ReplayOptions{MaxRetries: 1})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.OK())
		assert.Zero(t, r.RetryID, "retry budget exhausted")
	}
	assert.True(t, q.IsEmpty())
}

func TestReplayBadChangeBytes(t *testing.T) {
	s, _ := newTestStore(t)
	h := mustCreate(t, s, id("users", "alice"), map[string]any{"n": int64(1)})
	before := mustSave(t, h)

	q := newTestQueue(t)
	_, err := q.Enqueue(NewUpdateOperation(id("users", "alice"), []byte("garbage")))
	require.NoError(t, err)

	results, err := Replay(context.Background(), q, s, ReplayOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, IsDocumentModel(results[0].Err))
	assert.Equal(t, before, mustSave(t, h))
	assert.Equal(t, int64(1), readInt(t, h, "n"))
}

func TestReplayStopsOnCancel(t *testing.T) {
	s, _ := newTestStore(t)
	q := newTestQueue(t)
	_, err := q.Enqueue(NewCreateOperation(id("users", "alice")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := Replay(ctx, q, s, ReplayOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
	assert.Equal(t, 1, q.Len())
	assert.False(t, s.Exists(id("users", "alice")))
}

func TestReplayUpdateOnExistingHistory(t *testing.T) {
	origin, _ := newTestStore(t)
	src := mustCreate(t, origin, id("users", "alice"), map[string]any{"name": "v1"})
	base := mustSave(t, src)
	res, err := src.Update(func(doc *docmodel.Doc) error { return doc.Put("name", "v2") })
	require.NoError(t, err)
	raw, err := src.ChangeBytes(res.Change)
	require.NoError(t, err)

	s, _ := newTestStore(t)
	h, err := s.Load(id("users", "alice"), base)
	require.NoError(t, err)
	start, err := h.Version()
	require.NoError(t, err)

	obs := NewChangeObservable()
	defer obs.Close()
	sub := obs.SubscribeDocument(id("users", "alice"))
	q := newTestQueue(t)

	op := NewUpdateOperation(id("users", "alice"), raw).WithKey(res.Change)
	_, err = q.Enqueue(op)
	require.NoError(t, err)
	results, err := Replay(context.Background(), q, s, ReplayOptions{Observable: obs})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].OK(), "%v", results[0].Err)
	assert.Equal(t, "v2", readString(t, h, "name"))
	v, err := h.Version()
	require.NoError(t, err)
	assert.Equal(t, start+1, v)

	// The same change again is a no-op and emits no event.
	_, err = q.Enqueue(op)
	require.NoError(t, err)
	results, err = Replay(context.Background(), q, s, ReplayOptions{Observable: obs})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].OK(), "%v", results[0].Err)
	again, err := h.Version()
	require.NoError(t, err)
	assert.Equal(t, v, again)

	obs.FlushBatch()
	ev, ok := sub.TryRecv()
	require.True(t, ok)
	assert.Equal(t, res.Change, ev.Change)
	_, ok = sub.TryRecv()
	assert.False(t, ok, "already-present change must not notify")
}
