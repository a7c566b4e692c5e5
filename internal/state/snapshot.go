package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/docstate/internal/docmodel"
	"github.com/roach88/docstate/internal/ident"
)

const (
	DefaultMaxSnapshotsPerDoc  = 10
	DefaultSnapshotInterval    = time.Minute
	DefaultMinChangesThreshold = 10
)

// SnapshotMetadata describes one stored snapshot.
type SnapshotMetadata struct {
	DocumentID ident.DocumentID `json:"document"`
	// Seq numbers snapshots per document starting at 1.
	Seq        uint64    `json:"seq"`
	DocVersion uint64    `json:"doc_version"`
	CreatedAt  time.Time `json:"created_at"`
	Size       int       `json:"size"`
	Changes    int       `json:"changes"`
	Digest     string    `json:"digest"`
}

// Snapshot is a saved copy of a document at one point in time.
type Snapshot struct {
	Metadata SnapshotMetadata
	Data     []byte
}

// Document loads the snapshot into a fresh document.
func (s Snapshot) Document() (*docmodel.Doc, error) {
	doc, err := docmodel.Load(s.Data)
	if err != nil {
		return nil, NewSnapshotError(s.Metadata.DocumentID, "load snapshot", err)
	}
	return doc, nil
}

// SnapshotStorage holds a bounded, seq-ordered list of snapshots per
// document. Storing beyond the bound evicts the oldest.
type SnapshotStorage struct {
	mu    sync.RWMutex
	snaps map[ident.DocumentID][]Snapshot
	max   int
}

// NewSnapshotStorage creates storage keeping at most maxPerDoc snapshots
// per document. maxPerDoc <= 0 selects DefaultMaxSnapshotsPerDoc.
func NewSnapshotStorage(maxPerDoc int) *SnapshotStorage {
	if maxPerDoc <= 0 {
		maxPerDoc = DefaultMaxSnapshotsPerDoc
	}
	return &SnapshotStorage{
		snaps: make(map[ident.DocumentID][]Snapshot),
		max:   maxPerDoc,
	}
}

// Store adds s. A snapshot with the same seq replaces the old one.
func (st *SnapshotStorage) Store(s Snapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.storeLocked(s)
}

// Append stores s as the document's next snapshot, one past the highest
// seq held, and returns it with the assigned seq. Concurrent appends for
// one document never share a seq.
func (st *SnapshotStorage) Append(s Snapshot) Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	s.Metadata.Seq = 1
	if list := st.snaps[s.Metadata.DocumentID]; len(list) > 0 {
		s.Metadata.Seq = list[len(list)-1].Metadata.Seq + 1
	}
	st.storeLocked(s)
	return s
}

func (st *SnapshotStorage) storeLocked(s Snapshot) {
	id := s.Metadata.DocumentID
	list := st.snaps[id]
	replaced := false
	for i := range list {
		if list[i].Metadata.Seq == s.Metadata.Seq {
			list[i] = s
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Metadata.Seq < list[j].Metadata.Seq })
	if len(list) > st.max {
		list = append([]Snapshot(nil), list[len(list)-st.max:]...)
	}
	st.snaps[id] = list
}

// Latest returns the snapshot with the highest seq.
func (st *SnapshotStorage) Latest(id ident.DocumentID) (Snapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	list := st.snaps[id]
	if len(list) == 0 {
		return Snapshot{}, false
	}
	return list[len(list)-1], true
}

// Version returns the snapshot with the given seq.
func (st *SnapshotStorage) Version(id ident.DocumentID, seq uint64) (Snapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.snaps[id] {
		if s.Metadata.Seq == seq {
			return s, true
		}
	}
	return Snapshot{}, false
}

// List returns the metadata of id's snapshots, oldest first.
func (st *SnapshotStorage) List(id ident.DocumentID) []SnapshotMetadata {
	st.mu.RLock()
	defer st.mu.RUnlock()
	list := st.snaps[id]
	out := make([]SnapshotMetadata, len(list))
	for i, s := range list {
		out[i] = s.Metadata
	}
	return out
}

// All returns every snapshot ordered by document then seq.
func (st *SnapshotStorage) All() []Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids := make([]ident.DocumentID, 0, len(st.snaps))
	for id := range st.snaps {
		ids = append(ids, id)
	}
	sortIDs(ids)
	var out []Snapshot
	for _, id := range ids {
		out = append(out, st.snaps[id]...)
	}
	return out
}

// Delete drops every snapshot of id.
func (st *SnapshotStorage) Delete(id ident.DocumentID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.snaps, id)
}

// DeleteOlderThan drops id's snapshots with seq below seq and returns how
// many were dropped.
func (st *SnapshotStorage) DeleteOlderThan(id ident.DocumentID, seq uint64) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	list := st.snaps[id]
	kept := list[:0]
	for _, s := range list {
		if s.Metadata.Seq >= seq {
			kept = append(kept, s)
		}
	}
	dropped := len(list) - len(kept)
	if len(kept) == 0 {
		delete(st.snaps, id)
	} else {
		st.snaps[id] = kept
	}
	return dropped
}

// TotalCount returns the number of stored snapshots.
func (st *SnapshotStorage) TotalCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, list := range st.snaps {
		n += len(list)
	}
	return n
}

// TotalSize returns the summed size of stored snapshots in bytes.
func (st *SnapshotStorage) TotalSize() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, list := range st.snaps {
		for _, s := range list {
			n += s.Metadata.Size
		}
	}
	return n
}

// Clear drops everything.
func (st *SnapshotStorage) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.snaps = make(map[ident.DocumentID][]Snapshot)
}

// CompactionResult reports the effect of Compact.
type CompactionResult struct {
	Snapshot         SnapshotMetadata
	OriginalSize     int
	CompactedSize    int
	Reduction        int
	ReductionPercent float64
}

// SnapshotManager takes snapshots of documents in a store.
type SnapshotManager struct {
	storage    *SnapshotStorage
	store      *DocumentStore
	interval   time.Duration
	minChanges uint64
	now        NowFunc
	logger     *slog.Logger
}

// SnapshotOption configures a SnapshotManager.
type SnapshotOption func(*SnapshotManager)

// WithSnapshotInterval sets the Run period.
func WithSnapshotInterval(d time.Duration) SnapshotOption {
	return func(m *SnapshotManager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMinChangesThreshold sets how many versions a document must advance
// past its latest snapshot before ShouldSnapshot reports true.
func WithMinChangesThreshold(n uint64) SnapshotOption {
	return func(m *SnapshotManager) {
		if n > 0 {
			m.minChanges = n
		}
	}
}

// WithSnapshotClock sets the time source.
func WithSnapshotClock(now NowFunc) SnapshotOption {
	return func(m *SnapshotManager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSnapshotLogger sets the logger.
func WithSnapshotLogger(l *slog.Logger) SnapshotOption {
	return func(m *SnapshotManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewSnapshotManager creates a manager snapshotting store into storage.
func NewSnapshotManager(store *DocumentStore, storage *SnapshotStorage, opts ...SnapshotOption) *SnapshotManager {
	m := &SnapshotManager{
		storage:    storage,
		store:      store,
		interval:   DefaultSnapshotInterval,
		minChanges: DefaultMinChangesThreshold,
		now:        systemNow,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Storage returns the underlying storage.
func (m *SnapshotManager) Storage() *SnapshotStorage { return m.storage }

// CreateSnapshot saves id's current state as the next snapshot.
func (m *SnapshotManager) CreateSnapshot(id ident.DocumentID) (Snapshot, error) {
	h, err := m.store.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	data, meta, err := h.snapshot()
	if err != nil {
		return Snapshot{}, err
	}
	changes, err := h.ChangeCount()
	if err != nil {
		return Snapshot{}, err
	}

	snap := m.storage.Append(Snapshot{
		Metadata: SnapshotMetadata{
			DocumentID: id,
			DocVersion: meta.Version,
			CreatedAt:  m.now(),
			Size:       len(data),
			Changes:    changes,
			Digest:     ident.SnapshotDigest(data),
		},
		Data: data,
	})
	m.logger.Info("snapshot created", "doc", id.String(), "seq", snap.Metadata.Seq, "size", len(data))
	return snap, nil
}

// ShouldSnapshot reports whether id's version has advanced by at least
// the threshold since its latest snapshot (or since creation if none).
func (m *SnapshotManager) ShouldSnapshot(id ident.DocumentID) (bool, error) {
	h, err := m.store.Get(id)
	if err != nil {
		return false, err
	}
	v, err := h.Version()
	if err != nil {
		return false, err
	}
	var base uint64
	if latest, ok := m.storage.Latest(id); ok {
		base = latest.Metadata.DocVersion
	}
	return v >= base && v-base >= m.minChanges, nil
}

// SnapshotIfNeeded snapshots id when ShouldSnapshot holds.
func (m *SnapshotManager) SnapshotIfNeeded(id ident.DocumentID) (Snapshot, bool, error) {
	ok, err := m.ShouldSnapshot(id)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	snap, err := m.CreateSnapshot(id)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Compact snapshots id and compares the snapshot with the summed size of
// the document's change history.
func (m *SnapshotManager) Compact(id ident.DocumentID) (CompactionResult, error) {
	h, err := m.store.Get(id)
	if err != nil {
		return CompactionResult{}, err
	}
	var original int
	err = h.Read(func(doc *docmodel.Doc) error {
		var serr error
		original, serr = doc.HistorySize()
		return WrapDocumentModel(id, serr)
	})
	if err != nil {
		return CompactionResult{}, err
	}

	snap, err := m.CreateSnapshot(id)
	if err != nil {
		return CompactionResult{}, err
	}
	res := CompactionResult{
		Snapshot:      snap.Metadata,
		OriginalSize:  original,
		CompactedSize: snap.Metadata.Size,
	}
	if original > res.CompactedSize {
		res.Reduction = original - res.CompactedSize
	}
	if original > 0 {
		res.ReductionPercent = float64(res.Reduction) / float64(original) * 100
	}
	return res, nil
}

// Restore replaces id's contents with snapshot seq. The document version
// advances; history recorded after the snapshot is dropped from this
// replica.
func (m *SnapshotManager) Restore(id ident.DocumentID, seq uint64) (UpdateResult, error) {
	snap, ok := m.storage.Version(id, seq)
	if !ok {
		return UpdateResult{}, NewSnapshotError(id, "snapshot not found", nil)
	}
	if snap.Metadata.Digest != "" && ident.SnapshotDigest(snap.Data) != snap.Metadata.Digest {
		return UpdateResult{}, NewSnapshotError(id, "snapshot digest mismatch", nil)
	}
	h, err := m.store.Get(id)
	if err != nil {
		return UpdateResult{}, err
	}
	res, err := h.Replace(snap.Data)
	if err != nil {
		return UpdateResult{}, err
	}
	m.logger.Info("snapshot restored", "doc", id.String(), "seq", seq)
	return res, nil
}

// SnapshotAll runs SnapshotIfNeeded for every stored document and returns
// the snapshots taken. Failures are logged and skipped.
func (m *SnapshotManager) SnapshotAll() []Snapshot {
	var taken []Snapshot
	for _, id := range m.store.ListAll() {
		snap, ok, err := m.SnapshotIfNeeded(id)
		if err != nil {
			if !IsNotFound(err) {
				m.logger.Warn("background snapshot failed", "doc", id.String(), "error", err)
			}
			continue
		}
		if ok {
			taken = append(taken, snap)
		}
	}
	return taken
}

// Run calls SnapshotAll every interval until ctx is done.
func (m *SnapshotManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SnapshotAll()
		}
	}
}
