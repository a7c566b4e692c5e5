package state

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docstate/internal/docmodel"
)

func TestTransactionCommitAppliesInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, id("acct", "a"), map[string]any{"balance": int64(100)})
	b := mustCreate(t, s, id("acct", "b"), map[string]any{"balance": int64(50)})
	m := NewTransactionManager(s)

	tx := m.Begin()
	assert.Equal(t, TxActive, tx.State())
	require.NoError(t, tx.Update(id("acct", "a"), Increment{Path: "balance", Delta: -30}))
	require.NoError(t, tx.Update(id("acct", "b"), Increment{Path: "balance", Delta: 30}))
	require.NoError(t, tx.Update(id("acct", "a"), Put{Path: "note", Value: "sent"}))

	// Nothing applied before commit.
	assert.Equal(t, int64(100), readInt(t, a, "balance"))
	assert.Equal(t, 1, m.ActiveCount())

	res, err := m.Commit(tx)
	require.NoError(t, err)
	assert.Equal(t, TxCommitted, tx.State())
	assert.Equal(t, tx.ID(), res.TransactionID)
	require.Len(t, res.Applied, 3)
	assert.Equal(t, id("acct", "a"), res.Applied[0].DocumentID)
	assert.Equal(t, uint64(2), res.Applied[0].Version)
	assert.Equal(t, uint64(3), res.Applied[2].Version)

	assert.Equal(t, int64(70), readInt(t, a, "balance"))
	assert.Equal(t, int64(80), readInt(t, b, "balance"))
	assert.Equal(t, "sent", readString(t, a, "note"))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestTransactionConflictLeavesDocumentsUnchanged(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, id("acct", "a"), map[string]any{"balance": int64(100)})
	b := mustCreate(t, s, id("acct", "b"), map[string]any{"balance": int64(50)})
	m := NewTransactionManager(s)

	tx := m.Begin()
	require.NoError(t, tx.Update(id("acct", "a"), Increment{Path: "balance", Delta: -10}))
	require.NoError(t, tx.Update(id("acct", "b"), Increment{Path: "balance", Delta: 10}))

	// A concurrent writer bumps b after first touch.
	_, err := b.Update(func(doc *docmodel.Doc) error { return doc.Put("balance", int64(60)) })
	require.NoError(t, err)

	aBefore, bBefore := mustSave(t, a), mustSave(t, b)
	aMeta, _ := a.Metadata()
	bMeta, _ := b.Metadata()

	_, err = m.Commit(tx)
	require.Error(t, err)
	assert.True(t, IsConflict(err), "got %v", err)
	assert.Equal(t, TxRolledBack, tx.State())

	assert.Equal(t, aBefore, mustSave(t, a))
	assert.Equal(t, bBefore, mustSave(t, b))
	aAfter, _ := a.Metadata()
	bAfter, _ := b.Metadata()
	assert.Equal(t, aMeta, aAfter)
	assert.Equal(t, bMeta, bAfter)
}

func TestTransactionConflictOnDeletedDocument(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, id("acct", "a"), nil)
	m := NewTransactionManager(s)

	tx := m.Begin()
	require.NoError(t, tx.Update(id("acct", "a"), Put{Path: "x", Value: "y"}))
	require.NoError(t, s.Delete(id("acct", "a")))

	_, err := m.Commit(tx)
	assert.True(t, IsConflict(err))
}

func TestTransactionConflictOnRecreatedDocument(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, id("acct", "a"), nil)
	m := NewTransactionManager(s)

	tx := m.Begin()
	require.NoError(t, tx.Update(id("acct", "a"), Put{Path: "x", Value: "y"}))
	require.NoError(t, s.Delete(id("acct", "a")))
	fresh, err := s.Create(id("acct", "a"))
	require.NoError(t, err)
	before := mustSave(t, fresh)

	// Same id and same version as the baseline, but a different document.
	_, err = m.Commit(tx)
	require.True(t, IsConflict(err), "got %v", err)
	assert.Equal(t, TxRolledBack, tx.State())

	v, err := fresh.Version()
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.Equal(t, before, mustSave(t, fresh))
}

func TestTransactionFailureRestoresEveryDocument(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, id("acct", "a"), map[string]any{"balance": int64(100)})
	b := mustCreate(t, s, id("acct", "b"), map[string]any{"balance": int64(50)})
	m := NewTransactionManager(s)
	aBefore, bBefore := mustSave(t, a), mustSave(t, b)
	aMeta, _ := a.Metadata()

	tx := m.Begin()
	require.NoError(t, tx.Update(id("acct", "a"), Increment{Path: "balance", Delta: -10}))
	require.NoError(t, tx.Update(id("acct", "b"), Increment{Path: "balance", Delta: 10}))
	require.NoError(t, tx.Update(id("acct", "a"), Fail{Reason: "insufficient funds"}))

	_, err := m.Commit(tx)
	require.Error(t, err)
	assert.True(t, IsTransactionFailed(err))
	assert.ErrorContains(t, err, "insufficient funds")
	assert.Equal(t, TxRolledBack, tx.State())

	assert.Equal(t, aBefore, mustSave(t, a))
	assert.Equal(t, bBefore, mustSave(t, b))
	aAfter, _ := a.Metadata()
	assert.Equal(t, aMeta, aAfter)
	assert.Equal(t, int64(100), readInt(t, a, "balance"))
	assert.Equal(t, int64(50), readInt(t, b, "balance"))
}

func TestTransactionUpdateMissingDocument(t *testing.T) {
	s, _ := newTestStore(t)
	m := NewTransactionManager(s)

	tx := m.Begin()
	err := tx.Update(id("acct", "ghost"), Put{Path: "x", Value: "y"})
	assert.True(t, IsNotFound(err))
	assert.Empty(t, tx.Log())
}

func TestTransactionFinishedRejectsOperations(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, id("acct", "a"), nil)
	m := NewTransactionManager(s)

	tx := m.Begin()
	require.NoError(t, tx.Update(id("acct", "a"), Put{Path: "x", Value: "y"}))
	require.NoError(t, m.Rollback(tx))
	assert.Equal(t, TxRolledBack, tx.State())

	assert.True(t, IsTransactionFailed(tx.Update(id("acct", "a"), Put{Path: "x", Value: "z"})))
	_, err := m.Commit(tx)
	assert.True(t, IsTransactionFailed(err))
	assert.True(t, IsTransactionFailed(m.Rollback(tx)))

	committed := m.Begin()
	_, err = m.Commit(committed)
	require.NoError(t, err)
	_, err = m.Commit(committed)
	assert.True(t, IsTransactionFailed(err))
}

func TestRollbackHasNoSideEffects(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, id("acct", "a"), map[string]any{"balance": int64(1)})
	before := mustSave(t, a)
	m := NewTransactionManager(s)

	tx := m.Begin()
	require.NoError(t, tx.Update(id("acct", "a"), Put{Path: "balance", Value: int64(999)}))
	require.NoError(t, m.Rollback(tx))

	assert.Equal(t, before, mustSave(t, a))
	v, _ := a.Version()
	assert.Equal(t, uint64(1), v)
}

func TestTransactionBaselineAndLog(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, id("acct", "a"), map[string]any{"k": "v"})
	m := NewTransactionManager(s)

	tx := m.Begin()
	require.NoError(t, tx.Update(id("acct", "a"), Put{Path: "x", Value: "1"}))
	_, err := a.Update(func(doc *docmodel.Doc) error { return doc.Put("k", "w") })
	require.NoError(t, err)
	require.NoError(t, tx.Update(id("acct", "a"), Put{Path: "x", Value: "2"}))

	base, ok := tx.Baseline(id("acct", "a"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), base, "baseline is recorded at first touch only")
	assert.Len(t, tx.Log(), 2)
	assert.Equal(t, "put x=1", Describe(tx.Log()[0].Mutation))
}

func TestTransactionBuilder(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, id("acct", "a"), nil)
	mustCreate(t, s, id("acct", "b"), nil)
	m := NewTransactionManager(s)

	res, err := NewTransactionBuilder(m).
		Update(id("acct", "a"), Put{Path: "x", Value: "1"}).
		Update(id("acct", "b"), Put{Path: "y", Value: "2"}).
		Commit()
	require.NoError(t, err)
	assert.Len(t, res.Applied, 2)

	_, err = NewTransactionBuilder(m).
		Update(id("acct", "ghost"), Put{Path: "x", Value: "1"}).
		Update(id("acct", "a"), Put{Path: "x", Value: "2"}).
		Build()
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestRollbackAll(t *testing.T) {
	s, _ := newTestStore(t)
	m := NewTransactionManager(s)
	txs := []*Transaction{m.Begin(), m.Begin(), m.Begin()}
	_, err := m.Commit(txs[0])
	require.NoError(t, err)

	assert.Equal(t, 2, m.RollbackAll())
	assert.Equal(t, 0, m.ActiveCount())
	assert.Equal(t, TxRolledBack, txs[1].State())
}

// Concurrent settlements between three accounts conserve the total: every
// transaction either commits in full, conflicts, or fails, and nothing is
// half-applied.
func TestThreeAccountSettlementConservesSum(t *testing.T) {
	s, _ := newTestStore(t)
	accounts := []string{"a", "b", "c"}
	for _, name := range accounts {
		mustCreate(t, s, id("acct", name), map[string]any{"balance": int64(1000)})
	}
	m := NewTransactionManager(s)

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				from := accounts[(w+i)%3]
				to := accounts[(w+i+1)%3]
				amount := int64(1 + (w*7+i)%13)
				tx := m.Begin()
				if err := tx.Update(id("acct", from), Increment{Path: "balance", Delta: -amount}); err != nil {
					t.Errorf("stage: %v", err)
					return
				}
				if err := tx.Update(id("acct", to), Increment{Path: "balance", Delta: amount}); err != nil {
					t.Errorf("stage: %v", err)
					return
				}
				if _, err := m.Commit(tx); err != nil && !IsConflict(err) {
					t.Errorf("commit %d/%d: %v", w, i, err)
				}
			}
		}(w)
	}
	wg.Wait()

	var total int64
	for _, name := range accounts {
		h, err := s.Get(id("acct", name))
		require.NoError(t, err)
		total += readInt(t, h, "balance")
	}
	assert.Equal(t, int64(3000), total)
}

func TestTxStateString(t *testing.T) {
	for state, want := range map[TxState]string{
		TxActive: "active", TxCommitting: "committing", TxCommitted: "committed", TxRolledBack: "rolled_back",
	} {
		assert.Equal(t, want, state.String())
	}
	assert.Equal(t, fmt.Sprintf("TxState(%d)", 42), TxState(42).String())
}
