package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/docstate/internal/ident"
)

// Memory is an in-process Adapter. Stored byte slices are copied on the
// way in and out.
type Memory struct {
	mu        sync.RWMutex
	docs      map[ident.DocumentID]DocumentRecord
	queue     []byte
	snapshots map[ident.DocumentID]map[uint64]SnapshotRecord
	closed    bool
}

var _ Adapter = (*Memory)(nil)

// NewMemory returns an empty memory adapter.
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[ident.DocumentID]DocumentRecord),
		snapshots: make(map[ident.DocumentID]map[uint64]SnapshotRecord),
	}
}

func (m *Memory) check() error {
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

func (m *Memory) SaveDocument(_ context.Context, rec DocumentRecord) error {
	if err := rec.ID.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	rec.Data = clone(rec.Data)
	m.docs[rec.ID] = rec
	return nil
}

func (m *Memory) LoadDocument(_ context.Context, id ident.DocumentID) (DocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return DocumentRecord{}, err
	}
	rec, ok := m.docs[id]
	if !ok {
		return DocumentRecord{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	rec.Data = clone(rec.Data)
	return rec, nil
}

func (m *Memory) DeleteDocument(_ context.Context, id ident.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	delete(m.docs, id)
	return nil
}

func (m *Memory) ListDocuments(_ context.Context, ns string) ([]ident.DocumentID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var ids []ident.DocumentID
	for id := range m.docs {
		if id.Namespace == ns {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })
	return ids, nil
}

func (m *Memory) ListNamespaces(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for id := range m.docs {
		seen[id.Namespace] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SaveQueue(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.queue = clone(data)
	return nil
}

func (m *Memory) LoadQueue(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return clone(m.queue), nil
}

func (m *Memory) SaveSnapshot(_ context.Context, rec SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	bySeq, ok := m.snapshots[rec.ID]
	if !ok {
		bySeq = make(map[uint64]SnapshotRecord)
		m.snapshots[rec.ID] = bySeq
	}
	rec.Data = clone(rec.Data)
	bySeq[rec.Seq] = rec
	return nil
}

func (m *Memory) LoadSnapshots(_ context.Context) ([]SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []SnapshotRecord
	for _, bySeq := range m.snapshots {
		for _, rec := range bySeq {
			rec.Data = clone(rec.Data)
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID.Less(out[j].ID)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *Memory) DeleteSnapshots(_ context.Context, id ident.DocumentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.snapshots, id)
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return Stats{}, err
	}
	st := Stats{Documents: len(m.docs), QueueBytes: int64(len(m.queue))}
	for _, rec := range m.docs {
		st.DocumentBytes += int64(len(rec.Data))
	}
	for _, bySeq := range m.snapshots {
		for _, rec := range bySeq {
			st.Snapshots++
			st.SnapshotBytes += int64(len(rec.Data))
		}
	}
	return st, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.docs = make(map[ident.DocumentID]DocumentRecord)
	m.snapshots = make(map[ident.DocumentID]map[uint64]SnapshotRecord)
	m.queue = nil
	return nil
}

// Close marks the adapter closed; later calls fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
