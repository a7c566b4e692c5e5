package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/docstate/internal/ident"
	"github.com/roach88/docstate/internal/store"
)

// Config holds the engine's tunables. Zero fields select defaults.
type Config struct {
	MaxQueueSize        int
	MaxSnapshotsPerDoc  int
	SnapshotInterval    time.Duration
	MinChangesThreshold uint64
	BatchWindow         time.Duration
	BatchMaxEvents      int

	// Offline mirrors every update made through the engine into the
	// operation queue.
	Offline bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        DefaultMaxQueueSize,
		MaxSnapshotsPerDoc:  DefaultMaxSnapshotsPerDoc,
		SnapshotInterval:    DefaultSnapshotInterval,
		MinChangesThreshold: DefaultMinChangesThreshold,
		BatchWindow:         DefaultBatchWindow,
		BatchMaxEvents:      DefaultBatchMaxEvents,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxSnapshotsPerDoc <= 0 {
		c.MaxSnapshotsPerDoc = d.MaxSnapshotsPerDoc
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	if c.MinChangesThreshold == 0 {
		c.MinChangesThreshold = d.MinChangesThreshold
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = d.BatchWindow
	}
	if c.BatchMaxEvents <= 0 {
		c.BatchMaxEvents = d.BatchMaxEvents
	}
	return c
}

// Stats summarizes engine state.
type Stats struct {
	Documents          int `json:"documents"`
	TotalSize          int `json:"total_size"`
	Namespaces         int `json:"namespaces"`
	QueueLength        int `json:"queue_length"`
	Subscriptions      int `json:"subscriptions"`
	Snapshots          int `json:"snapshots"`
	SnapshotsSize      int `json:"snapshots_size"`
	ActiveTransactions int `json:"active_transactions"`
}

// Engine wires the store, observable, queue, transaction manager and
// snapshot manager together.
//
// Engine is safe for concurrent use. Close releases subscriptions and
// closes the queue; the store stays readable afterwards.
type Engine struct {
	cfg       Config
	replica   string
	store     *DocumentStore
	obs       *ChangeObservable
	queue     *OperationQueue
	txm       *TransactionManager
	snapshots *SnapshotManager
	now       NowFunc
	logger    *slog.Logger

	mu      sync.RWMutex
	offline bool

	closeOnce sync.Once
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	logger *slog.Logger
	now    NowFunc
}

// WithLogger sets the logger for the engine and every component.
func WithLogger(l *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the time source for every component.
func WithClock(now NowFunc) EngineOption {
	return func(o *engineOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// Open creates an engine from cfg.
func Open(cfg Config, opts ...EngineOption) (*Engine, error) {
	o := engineOptions{logger: slog.Default(), now: systemNow}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.MaxQueueSize < 0 || cfg.MaxSnapshotsPerDoc < 0 || cfg.BatchMaxEvents < 0 {
		return nil, fmt.Errorf("invalid engine config: negative limit")
	}
	cfg = cfg.withDefaults()

	st := NewDocumentStore(WithStoreClock(o.now), WithStoreLogger(o.logger))
	e := &Engine{
		cfg:     cfg,
		replica: uuid.NewString(),
		store:   st,
		obs: NewChangeObservable(
			WithBatchWindow(cfg.BatchWindow),
			WithBatchMaxEvents(cfg.BatchMaxEvents),
			WithObservableClock(o.now),
			WithObservableLogger(o.logger),
		),
		queue: NewOperationQueue(
			WithMaxQueueSize(cfg.MaxQueueSize),
			WithQueueClock(o.now),
			WithQueueLogger(o.logger),
		),
		txm: NewTransactionManager(st, WithTxLogger(o.logger)),
		snapshots: NewSnapshotManager(st, NewSnapshotStorage(cfg.MaxSnapshotsPerDoc),
			WithSnapshotInterval(cfg.SnapshotInterval),
			WithMinChangesThreshold(cfg.MinChangesThreshold),
			WithSnapshotClock(o.now),
			WithSnapshotLogger(o.logger),
		),
		now:     o.now,
		logger:  o.logger,
		offline: cfg.Offline,
	}
	e.logger.Info("engine opened", "replica", e.replica, "offline", cfg.Offline)
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// ReplicaID identifies this engine instance.
func (e *Engine) ReplicaID() string { return e.replica }

func (e *Engine) Store() *DocumentStore             { return e.store }
func (e *Engine) Observable() *ChangeObservable     { return e.obs }
func (e *Engine) Queue() *OperationQueue            { return e.queue }
func (e *Engine) Transactions() *TransactionManager { return e.txm }
func (e *Engine) Snapshots() *SnapshotManager       { return e.snapshots }
func (e *Engine) Logger() *slog.Logger              { return e.logger }

// SetOffline toggles update mirroring into the queue.
func (e *Engine) SetOffline(offline bool) {
	e.mu.Lock()
	e.offline = offline
	e.mu.Unlock()
}

// Offline reports whether updates are mirrored into the queue.
func (e *Engine) Offline() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offline
}

// CreateDocument creates id and enqueues a create operation. If the
// operation cannot be queued the document is removed again.
func (e *Engine) CreateDocument(id ident.DocumentID) (*DocumentHandle, error) {
	h, err := e.store.Create(id)
	if err != nil {
		return nil, err
	}
	if _, err := e.queue.Enqueue(NewCreateOperation(id)); err != nil {
		_ = e.store.Delete(id)
		return nil, err
	}
	return h, nil
}

// DeleteDocument deletes id, drops its snapshots and enqueues a delete
// operation. A queue error is returned after the delete has happened.
func (e *Engine) DeleteDocument(id ident.DocumentID) error {
	if err := e.store.Delete(id); err != nil {
		return err
	}
	e.snapshots.Storage().Delete(id)
	if _, err := e.queue.Enqueue(NewDeleteOperation(id)); err != nil {
		return err
	}
	return nil
}

// Document returns a handle to id.
func (e *Engine) Document(id ident.DocumentID) (*DocumentHandle, error) {
	return e.store.Get(id)
}

// Update applies m to id as one change.
func (e *Engine) Update(id ident.DocumentID, m Mutation) (UpdateResult, error) {
	h, err := e.store.Get(id)
	if err != nil {
		return UpdateResult{}, err
	}
	res, err := h.Update(m.Apply)
	if err != nil {
		return UpdateResult{}, err
	}
	return res, e.mirror(h, res)
}

// UpdateReactive applies m to id and notifies subscribers.
func (e *Engine) UpdateReactive(id ident.DocumentID, m Mutation) (UpdateResult, error) {
	h, err := e.store.Get(id)
	if err != nil {
		return UpdateResult{}, err
	}
	res, err := h.UpdateReactive(e.obs, m.Apply)
	if err != nil {
		return UpdateResult{}, err
	}
	return res, e.mirror(h, res)
}

// Begin starts a transaction.
func (e *Engine) Begin() *Transaction { return e.txm.Begin() }

// Commit commits tx. Each applied mutation produces one change event and,
// when offline, one queued update.
func (e *Engine) Commit(tx *Transaction) (CommitResult, error) {
	res, err := e.txm.Commit(tx)
	if err != nil {
		return res, err
	}
	var errs []error
	for _, applied := range res.Applied {
		e.obs.Notify(eventFor(applied, e.now()))
		h, herr := e.store.Get(applied.DocumentID)
		if herr != nil {
			// Deleted right after the commit; nothing left to mirror.
			continue
		}
		if merr := e.mirror(h, applied); merr != nil {
			errs = append(errs, merr)
		}
	}
	return res, errors.Join(errs...)
}

// Rollback discards tx.
func (e *Engine) Rollback(tx *Transaction) error { return e.txm.Rollback(tx) }

// Subscribe registers a subscription on the engine's observable.
func (e *Engine) Subscribe(filter SubscriptionFilter) *Subscription {
	return e.obs.Subscribe(filter)
}

// Unsubscribe removes a subscription.
func (e *Engine) Unsubscribe(id SubscriptionID) error {
	return e.obs.Unsubscribe(id)
}

// Flush delivers buffered change events.
func (e *Engine) Flush() { e.obs.FlushBatch() }

// Replay replays the engine's queue into its own store. Events go to the
// engine's observable unless opts names another one.
func (e *Engine) Replay(ctx context.Context, opts ReplayOptions) ([]ReplayResult, error) {
	if opts.Observable == nil {
		opts.Observable = e.obs
	}
	if opts.Logger == nil {
		opts.Logger = e.logger
	}
	return Replay(ctx, e.queue, e.store, opts)
}

// Stats returns a point-in-time summary.
func (e *Engine) Stats() Stats {
	storage := e.snapshots.Storage()
	return Stats{
		Documents:          e.store.Count(),
		TotalSize:          e.store.TotalSize(),
		Namespaces:         len(e.store.Namespaces()),
		QueueLength:        e.queue.Len(),
		Subscriptions:      e.obs.SubscriptionCount(),
		Snapshots:          storage.TotalCount(),
		SnapshotsSize:      storage.TotalSize(),
		ActiveTransactions: e.txm.ActiveCount(),
	}
}

// RunSnapshots takes background snapshots until ctx is done.
func (e *Engine) RunSnapshots(ctx context.Context) error {
	return e.snapshots.Run(ctx)
}

// Close flushes pending events, closes every subscription and the queue,
// and rolls back active transactions.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		n := e.txm.RollbackAll()
		e.obs.Close()
		e.queue.Close()
		e.logger.Info("engine closed", "replica", e.replica, "rolled_back", n)
	})
	return nil
}

// mirror queues res as an update operation when the engine is offline.
func (e *Engine) mirror(h *DocumentHandle, res UpdateResult) error {
	if !e.Offline() {
		return nil
	}
	raw, err := h.ChangeBytes(res.Change)
	if err != nil {
		return err
	}
	_, err = e.queue.Enqueue(NewUpdateOperation(res.DocumentID, raw).WithKey(res.Change))
	return err
}

// RestoreReport describes what Restore loaded.
type RestoreReport struct {
	Documents int
	Snapshots int
	Queue     int

	// Skipped lists documents whose bytes failed to load.
	Skipped []SkippedDocument

	// QueueErr is set when the persisted queue was unreadable; the
	// in-memory queue is then left as it was.
	QueueErr error
}

// SkippedDocument names a document Restore could not load.
type SkippedDocument struct {
	ID  ident.DocumentID
	Err error
}

// Persist writes every document, the queue and the snapshots to a.
// Documents present in a but no longer in the engine are deleted.
func (e *Engine) Persist(ctx context.Context, a store.Adapter) error {
	live := make(map[ident.DocumentID]struct{})
	for _, id := range e.store.ListAll() {
		h, err := e.store.Get(id)
		if err != nil {
			continue
		}
		data, meta, err := h.snapshot()
		if err != nil {
			continue
		}
		rec := store.DocumentRecord{
			ID:        id,
			Data:      data,
			Version:   meta.Version,
			UpdatedAt: meta.LastModified,
		}
		if err := a.SaveDocument(ctx, rec); err != nil {
			return fmt.Errorf("persist document %s: %w", id, err)
		}
		live[id] = struct{}{}
	}

	namespaces, err := a.ListNamespaces(ctx)
	if err != nil {
		return fmt.Errorf("persist: list namespaces: %w", err)
	}
	for _, ns := range namespaces {
		ids, err := a.ListDocuments(ctx, ns)
		if err != nil {
			return fmt.Errorf("persist: list %s: %w", ns, err)
		}
		for _, id := range ids {
			if _, ok := live[id]; ok {
				continue
			}
			if err := a.DeleteDocument(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("persist: delete %s: %w", id, err)
			}
			if err := a.DeleteSnapshots(ctx, id); err != nil {
				return fmt.Errorf("persist: delete snapshots %s: %w", id, err)
			}
		}
	}

	queue, err := e.queue.Serialize()
	if err != nil {
		return err
	}
	if err := a.SaveQueue(ctx, queue); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}

	storage := e.snapshots.Storage()
	for id := range live {
		if err := a.DeleteSnapshots(ctx, id); err != nil {
			return fmt.Errorf("persist: delete snapshots %s: %w", id, err)
		}
		for _, meta := range storage.List(id) {
			snap, ok := storage.Version(id, meta.Seq)
			if !ok {
				continue
			}
			if err := a.SaveSnapshot(ctx, snapshotRecord(snap)); err != nil {
				return fmt.Errorf("persist snapshot %s@%d: %w", id, meta.Seq, err)
			}
		}
	}
	e.logger.Debug("engine persisted", "documents", len(live), "queue", e.queue.Len())
	return nil
}

// Restore loads documents, the queue and snapshots from a into the
// engine. Corrupt documents are skipped and reported; a document that
// already exists in the engine is reported as skipped too.
func (e *Engine) Restore(ctx context.Context, a store.Adapter) (RestoreReport, error) {
	var report RestoreReport

	namespaces, err := a.ListNamespaces(ctx)
	if err != nil {
		return report, fmt.Errorf("restore: list namespaces: %w", err)
	}
	for _, ns := range namespaces {
		ids, err := a.ListDocuments(ctx, ns)
		if err != nil {
			return report, fmt.Errorf("restore: list %s: %w", ns, err)
		}
		for _, id := range ids {
			rec, err := a.LoadDocument(ctx, id)
			if err != nil {
				report.Skipped = append(report.Skipped, SkippedDocument{ID: id, Err: err})
				continue
			}
			if _, err := e.store.restore(id, rec.Data, rec.Version, rec.UpdatedAt); err != nil {
				e.logger.Warn("skipping document", "doc", id.String(), "error", err)
				report.Skipped = append(report.Skipped, SkippedDocument{ID: id, Err: err})
				continue
			}
			report.Documents++
		}
	}

	raw, err := a.LoadQueue(ctx)
	if err != nil {
		return report, fmt.Errorf("restore queue: %w", err)
	}
	if len(raw) > 0 {
		if err := e.queue.Deserialize(raw); err != nil {
			e.logger.Warn("skipping queue", "error", err)
			report.QueueErr = err
		}
	}
	report.Queue = e.queue.Len()

	snaps, err := a.LoadSnapshots(ctx)
	if err != nil {
		return report, fmt.Errorf("restore snapshots: %w", err)
	}
	storage := e.snapshots.Storage()
	for _, rec := range snaps {
		storage.Store(Snapshot{
			Metadata: SnapshotMetadata{
				DocumentID: rec.ID,
				Seq:        rec.Seq,
				DocVersion: rec.DocVersion,
				CreatedAt:  rec.CreatedAt,
				Size:       len(rec.Data),
				Changes:    rec.Changes,
				Digest:     rec.Digest,
			},
			Data: rec.Data,
		})
		report.Snapshots++
	}

	e.logger.Debug("engine restored",
		"documents", report.Documents,
		"skipped", len(report.Skipped),
		"queue", report.Queue,
		"snapshots", report.Snapshots,
	)
	return report, nil
}

func snapshotRecord(s Snapshot) store.SnapshotRecord {
	return store.SnapshotRecord{
		ID:         s.Metadata.DocumentID,
		Seq:        s.Metadata.Seq,
		DocVersion: s.Metadata.DocVersion,
		CreatedAt:  s.Metadata.CreatedAt,
		Changes:    s.Metadata.Changes,
		Digest:     s.Metadata.Digest,
		Data:       s.Data,
	}
}
