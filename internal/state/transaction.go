package state

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/docstate/internal/ident"
)

// TxState is the lifecycle state of a transaction.
type TxState int

const (
	TxActive TxState = iota + 1
	TxCommitting
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitting:
		return "committing"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("TxState(%d)", int(s))
}

// TxEntry is one staged mutation.
type TxEntry struct {
	DocumentID ident.DocumentID
	Mutation   Mutation
}

// Transaction stages mutations against several documents for one
// all-or-nothing commit. Create with TransactionManager.Begin.
type Transaction struct {
	mu        sync.Mutex
	id        string
	state     TxState
	entries   []TxEntry
	baselines map[ident.DocumentID]baseline
	mgr       *TransactionManager
}

// baseline is what first touch observed: the document record and its
// version. A delete followed by a create yields a new record, so a
// recreated id never matches.
type baseline struct {
	doc     *document
	version uint64
}

// ID returns the transaction id.
func (tx *Transaction) ID() string { return tx.id }

// State returns the current state.
func (tx *Transaction) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Update stages m against id. The first reference to id records the
// document and its current version as the baseline that Commit
// revalidates.
// The real document is not touched until Commit.
func (tx *Transaction) Update(id ident.DocumentID, m Mutation) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxActive {
		return NewTransactionFailedError(tx.id, id, fmt.Errorf("transaction is %s", tx.state))
	}
	if m == nil {
		return NewTransactionFailedError(tx.id, id, fmt.Errorf("nil mutation"))
	}
	if _, seen := tx.baselines[id]; !seen {
		h, err := tx.mgr.store.Get(id)
		if err != nil {
			return err
		}
		v, err := h.Version()
		if err != nil {
			return err
		}
		tx.baselines[id] = baseline{doc: h.doc, version: v}
	}
	tx.entries = append(tx.entries, TxEntry{DocumentID: id, Mutation: m})
	return nil
}

// Log returns the staged entries in staging order.
func (tx *Transaction) Log() []TxEntry {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]TxEntry(nil), tx.entries...)
}

// Baseline returns the version recorded at first touch of id.
func (tx *Transaction) Baseline(id ident.DocumentID) (uint64, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	b, ok := tx.baselines[id]
	return b.version, ok
}

// Documents returns the distinct touched ids, sorted.
func (tx *Transaction) Documents() []ident.DocumentID {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.documentsLocked()
}

func (tx *Transaction) documentsLocked() []ident.DocumentID {
	ids := make([]ident.DocumentID, 0, len(tx.baselines))
	for id := range tx.baselines {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// CommitResult lists the mutations a successful commit applied, in
// staging order.
type CommitResult struct {
	TransactionID string
	Applied       []UpdateResult
}

// TransactionManager creates and commits transactions against one store.
type TransactionManager struct {
	store  *DocumentStore
	mu     sync.Mutex
	active map[string]*Transaction
	logger *slog.Logger
}

// TxOption configures a TransactionManager.
type TxOption func(*TransactionManager)

// WithTxLogger sets the logger.
func WithTxLogger(l *slog.Logger) TxOption {
	return func(m *TransactionManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewTransactionManager creates a manager for store.
func NewTransactionManager(store *DocumentStore, opts ...TxOption) *TransactionManager {
	m := &TransactionManager{
		store:  store,
		active: make(map[string]*Transaction),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin returns a new Active transaction with nothing staged.
func (m *TransactionManager) Begin() *Transaction {
	tx := &Transaction{
		id:        uuid.NewString(),
		state:     TxActive,
		baselines: make(map[ident.DocumentID]baseline),
		mgr:       m,
	}
	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()
	return tx
}

// Commit validates and applies tx.
//
// Algorithm:
//  1. Lock every touched document in sorted id order (deadlock-free
//     against other commits).
//  2. If any document was deleted (or deleted and created again) or its
//     version differs from the baseline, return TransactionConflict.
//     Nothing has been applied.
//  3. Apply staged mutations in staging order, each exactly like
//     DocumentHandle.Update (one change, version+1).
//  4. If a mutation fails, restore every touched document to its
//     pre-commit bytes and metadata, then return TransactionFailed.
//
// tx is finished after Commit returns, whatever the outcome.
func (m *TransactionManager) Commit(tx *Transaction) (CommitResult, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.mgr != m {
		return CommitResult{}, NewTransactionFailedError(tx.id, ident.DocumentID{}, fmt.Errorf("transaction belongs to another manager"))
	}
	if tx.state != TxActive {
		return CommitResult{}, NewTransactionFailedError(tx.id, ident.DocumentID{}, fmt.Errorf("transaction is %s", tx.state))
	}
	tx.state = TxCommitting
	defer m.finish(tx)

	ids := tx.documentsLocked()
	docs := make(map[ident.DocumentID]*document, len(ids))
	for _, id := range ids {
		base := tx.baselines[id]
		d, ok := m.store.lookup(id)
		if !ok || d != base.doc {
			tx.state = TxRolledBack
			m.logger.Debug("transaction conflict", "tx", tx.id, "doc", id.String(), "reason", "deleted")
			return CommitResult{}, NewConflictError(tx.id, id, base.version, 0, true)
		}
		docs[id] = d
	}

	for _, id := range ids {
		docs[id].mu.Lock()
	}
	defer func() {
		for _, id := range ids {
			docs[id].mu.Unlock()
		}
	}()

	type backup struct {
		saved []byte
		meta  DocumentMetadata
		actor string
	}
	backups := make(map[ident.DocumentID]backup, len(ids))
	for _, id := range ids {
		d := docs[id]
		base := tx.baselines[id]
		if d.deleted {
			tx.state = TxRolledBack
			return CommitResult{}, NewConflictError(tx.id, id, base.version, d.meta.Version, true)
		}
		if d.meta.Version != base.version {
			tx.state = TxRolledBack
			m.logger.Debug("transaction conflict",
				"tx", tx.id,
				"doc", id.String(),
				"baseline", base.version,
				"current", d.meta.Version,
			)
			return CommitResult{}, NewConflictError(tx.id, id, base.version, d.meta.Version, false)
		}
		backups[id] = backup{saved: d.saved, meta: d.meta, actor: d.doc.ActorID()}
	}

	result := CommitResult{TransactionID: tx.id, Applied: make([]UpdateResult, 0, len(tx.entries))}
	for i, entry := range tx.entries {
		d := docs[entry.DocumentID]
		res, err := m.store.applyLocked(d, UpdateOptions{Message: "tx " + tx.id}, entry.Mutation.Apply)
		if err != nil {
			for _, id := range ids {
				b := backups[id]
				m.store.restoreLocked(docs[id], b.saved, b.meta, b.actor)
			}
			tx.state = TxRolledBack
			m.logger.Debug("transaction failed",
				"tx", tx.id,
				"step", i,
				"doc", entry.DocumentID.String(),
				"error", err,
			)
			return CommitResult{}, NewTransactionFailedError(tx.id, entry.DocumentID,
				fmt.Errorf("step %d (%s): %w", i, Describe(entry.Mutation), err))
		}
		result.Applied = append(result.Applied, res)
	}

	tx.state = TxCommitted
	m.logger.Debug("transaction committed", "tx", tx.id, "mutations", len(result.Applied))
	return result, nil
}

// Rollback discards tx. Nothing was applied, so this has no side effects
// on documents.
func (m *TransactionManager) Rollback(tx *Transaction) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxActive {
		return NewTransactionFailedError(tx.id, ident.DocumentID{}, fmt.Errorf("transaction is %s", tx.state))
	}
	tx.state = TxRolledBack
	tx.entries = nil
	m.finish(tx)
	return nil
}

// ActiveCount returns the number of transactions not yet finished.
func (m *TransactionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// RollbackAll rolls back every active transaction and returns how many
// were rolled back.
func (m *TransactionManager) RollbackAll() int {
	m.mu.Lock()
	txs := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	sort.Slice(txs, func(i, j int) bool { return txs[i].id < txs[j].id })
	n := 0
	for _, tx := range txs {
		if m.Rollback(tx) == nil {
			n++
		}
	}
	return n
}

func (m *TransactionManager) finish(tx *Transaction) {
	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
}

// TransactionBuilder stages mutations fluently and remembers the first
// error, so call chains need a single check at Build or Commit.
type TransactionBuilder struct {
	mgr *TransactionManager
	tx  *Transaction
	err error
}

// NewTransactionBuilder begins a transaction on mgr.
func NewTransactionBuilder(mgr *TransactionManager) *TransactionBuilder {
	return &TransactionBuilder{mgr: mgr, tx: mgr.Begin()}
}

// Update stages m against id unless an earlier step failed.
func (b *TransactionBuilder) Update(id ident.DocumentID, m Mutation) *TransactionBuilder {
	if b.err == nil {
		b.err = b.tx.Update(id, m)
	}
	return b
}

// Build returns the staged transaction. On error the transaction is
// rolled back.
func (b *TransactionBuilder) Build() (*Transaction, error) {
	if b.err != nil {
		_ = b.mgr.Rollback(b.tx)
		return nil, b.err
	}
	return b.tx, nil
}

// Commit builds and commits in one step.
func (b *TransactionBuilder) Commit() (CommitResult, error) {
	tx, err := b.Build()
	if err != nil {
		return CommitResult{}, err
	}
	return b.mgr.Commit(tx)
}
