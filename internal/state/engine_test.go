package state

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docstate/internal/store"
	"github.com/roach88/docstate/internal/testutil"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	clock := testutil.NewDeterministicClock()
	e, err := Open(cfg,
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenRejectsNegativeLimits(t *testing.T) {
	_, err := Open(Config{MaxQueueSize: -1})
	assert.Error(t, err)
}

func TestOpenAppliesDefaults(t *testing.T) {
	e := newTestEngine(t, Config{})
	assert.Equal(t, DefaultConfig(), e.Config())
	assert.NotEmpty(t, e.ReplicaID())
	assert.False(t, e.Offline())
}

func TestEngineCreateAndDeleteEnqueue(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.CreateDocument(id("users", "alice"))
	require.NoError(t, err)
	require.NoError(t, e.DeleteDocument(id("users", "alice")))

	ops := e.Queue().List()
	require.Len(t, ops, 2)
	assert.Equal(t, OpCreate, ops[0].Kind)
	assert.Equal(t, OpDelete, ops[1].Kind)

	_, err = e.Document(id("users", "alice"))
	assert.True(t, IsNotFound(err))
}

func TestEngineCreateUndoneWhenQueueFull(t *testing.T) {
	e := newTestEngine(t, Config{MaxQueueSize: 1})
	_, err := e.CreateDocument(id("users", "alice"))
	require.NoError(t, err)

	_, err = e.CreateDocument(id("users", "bob"))
	assert.True(t, IsQueueError(err))
	assert.False(t, e.Store().Exists(id("users", "bob")))
}

func TestEngineOfflineMirrorsUpdates(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.CreateDocument(id("users", "alice"))
	require.NoError(t, err)

	_, err = e.Update(id("users", "alice"), Put{Path: "name", Value: "online"})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Queue().Len(), "online updates are not queued")
	h, err := e.Document(id("users", "alice"))
	require.NoError(t, err)
	base := mustSave(t, h)

	e.SetOffline(true)
	res, err := e.Update(id("users", "alice"), Put{Path: "name", Value: "offline"})
	require.NoError(t, err)

	ops := e.Queue().List()
	require.Len(t, ops, 2)
	assert.Equal(t, OpUpdate, ops[1].Kind)
	assert.Equal(t, res.Change, ops[1].IdempotencyKey)

	// The queued change depends on the online one and replays onto a
	// replica holding only the pre-offline history.
	replica := newTestEngine(t, Config{})
	h2, err := replica.Store().Load(id("users", "alice"), base)
	require.NoError(t, err)
	assert.Equal(t, "online", readString(t, h2, "name"))
	_, err = h2.ApplyChanges(ops[1].Change)
	require.NoError(t, err)
	assert.Equal(t, "offline", readString(t, h2, "name"))

	// The origin already holds it.
	before := mustSave(t, h)
	_, err = h.ApplyChanges(ops[1].Change)
	require.NoError(t, err)
	assert.Equal(t, before, mustSave(t, h))
}

func TestEngineUpdateReactive(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.CreateDocument(id("users", "alice"))
	require.NoError(t, err)
	sub := e.Subscribe(DocumentFilter(id("users", "alice")))

	res, err := e.UpdateReactive(id("users", "alice"), Put{Path: "profile/name", Value: "Alice"})
	require.NoError(t, err)
	e.Flush()

	ev, ok := sub.TryRecv()
	require.True(t, ok)
	assert.Equal(t, res.Change, ev.Change)
	assert.Equal(t, "profile/name", ev.Path)

	require.NoError(t, e.Unsubscribe(sub.ID()))
	assert.True(t, IsSubscriptionNotFound(e.Unsubscribe(sub.ID())))
}

func TestEngineCommitNotifiesAndMirrors(t *testing.T) {
	e := newTestEngine(t, Config{Offline: true})
	for _, name := range []string{"a", "b"} {
		_, err := e.CreateDocument(id("acct", name))
		require.NoError(t, err)
	}
	subA := e.Subscribe(DocumentFilter(id("acct", "a")))
	subB := e.Subscribe(DocumentFilter(id("acct", "b")))

	tx := e.Begin()
	require.NoError(t, tx.Update(id("acct", "a"), Put{Path: "balance", Value: int64(10)}))
	require.NoError(t, tx.Update(id("acct", "b"), Put{Path: "balance", Value: int64(20)}))
	res, err := e.Commit(tx)
	require.NoError(t, err)
	require.Len(t, res.Applied, 2)

	e.Flush()
	for i, sub := range []*Subscription{subA, subB} {
		ev, ok := sub.TryRecv()
		require.True(t, ok)
		assert.Equal(t, res.Applied[i].Change, ev.Change)
		assert.Equal(t, "balance", ev.Path)
		_, ok = sub.TryRecv()
		assert.False(t, ok)
	}

	updates := 0
	for _, op := range e.Queue().List() {
		if op.Kind == OpUpdate {
			updates++
		}
	}
	assert.Equal(t, 2, updates)
}

func TestEngineReplay(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.Queue().Enqueue(NewCreateOperation(id("users", "alice")))
	require.NoError(t, err)

	results, err := e.Replay(context.Background(), ReplayOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK())
	assert.True(t, e.Store().Exists(id("users", "alice")))
}

func TestEnginePersistRestore(t *testing.T) {
	ctx := context.Background()
	a := store.NewMemory()

	e := newTestEngine(t, Config{MinChangesThreshold: 1})
	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := e.CreateDocument(id("users", name))
		require.NoError(t, err)
		_, err = e.Update(id("users", name), Put{Path: "name", Value: name})
		require.NoError(t, err)
	}
	_, err := e.Snapshots().CreateSnapshot(id("users", "alice"))
	require.NoError(t, err)
	require.NoError(t, e.Persist(ctx, a))

	// Deletions reach the adapter on the next Persist.
	require.NoError(t, e.DeleteDocument(id("users", "carol")))
	require.NoError(t, e.Persist(ctx, a))
	_, err = a.LoadDocument(ctx, id("users", "carol"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, a.SaveDocument(ctx, store.DocumentRecord{ID: id("users", "broken"), Data: []byte("garbage"), Version: 3}))

	restored := newTestEngine(t, Config{})
	report, err := restored.Restore(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 1, report.Snapshots)
	assert.Equal(t, e.Queue().Len(), report.Queue)
	assert.NoError(t, report.QueueErr)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, id("users", "broken"), report.Skipped[0].ID)
	assert.True(t, IsDocumentModel(report.Skipped[0].Err))

	h, err := restored.Document(id("users", "bob"))
	require.NoError(t, err)
	assert.Equal(t, "bob", readString(t, h, "name"))
	v, err := h.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v, "persisted version is kept")

	assert.Equal(t, e.Queue().List(), restored.Queue().List())
	_, ok := restored.Snapshots().Storage().Latest(id("users", "alice"))
	assert.True(t, ok)
}

func TestEngineRestoreCorruptQueue(t *testing.T) {
	ctx := context.Background()
	a := store.NewMemory()
	require.NoError(t, a.SaveQueue(ctx, []byte("{not json")))

	e := newTestEngine(t, Config{})
	report, err := e.Restore(ctx, a)
	require.NoError(t, err)
	assert.True(t, IsSerialization(report.QueueErr))
	assert.Zero(t, report.Queue)
}

func TestEngineStatsAndClose(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.CreateDocument(id("users", "alice"))
	require.NoError(t, err)
	_, err = e.CreateDocument(id("orders", "1"))
	require.NoError(t, err)
	e.Subscribe(DocumentFilter(id("users", "alice")))
	tx := e.Begin()

	stats := e.Stats()
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 2, stats.Namespaces)
	assert.Equal(t, 2, stats.QueueLength)
	assert.Equal(t, 1, stats.Subscriptions)
	assert.Equal(t, 1, stats.ActiveTransactions)
	assert.Positive(t, stats.TotalSize)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, TxRolledBack, tx.State())
	assert.Zero(t, e.Stats().Subscriptions)

	_, err = e.CreateDocument(id("users", "bob"))
	assert.True(t, IsQueueError(err))
	assert.False(t, e.Store().Exists(id("users", "bob")))
}
