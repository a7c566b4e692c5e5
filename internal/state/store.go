package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/docstate/internal/docmodel"
	"github.com/roach88/docstate/internal/ident"
)

// DocumentMetadata describes one stored document.
type DocumentMetadata struct {
	ID           ident.DocumentID `json:"id"`
	CreatedAt    time.Time        `json:"created_at"`
	LastModified time.Time        `json:"last_modified"`
	Size         int              `json:"size"`
	Version      uint64           `json:"version"`
}

// UpdateOptions controls how one mutation is committed.
type UpdateOptions struct {
	// Actor, when set, writes the change under this actor id instead of the
	// document's own. The document's actor is restored afterwards.
	Actor string

	// Message is recorded on the change.
	Message string

	// Deterministic omits the change timestamp (see docmodel.CommitOptions).
	Deterministic bool
}

// UpdateResult describes a committed mutation.
type UpdateResult struct {
	DocumentID ident.DocumentID
	Version    uint64
	Change     string   // change hash
	Paths      []string // paths written by the mutation
}

// document is the store's private record for one DocumentID.
// All fields after mu are guarded by mu.
type document struct {
	mu      sync.RWMutex
	id      ident.DocumentID
	doc     *docmodel.Doc
	meta    DocumentMetadata
	saved   []byte // Save() output as of the last committed mutation
	deleted bool
}

// DocumentStore owns the documents of one engine.
//
// Lock order: DocumentStore.mu before document.mu. Nothing acquires the
// store lock while holding a document lock.
type DocumentStore struct {
	mu     sync.RWMutex
	docs   map[ident.DocumentID]*document
	now    NowFunc
	logger *slog.Logger
}

// StoreOption configures a DocumentStore.
type StoreOption func(*DocumentStore)

// WithStoreClock sets the time source for metadata timestamps.
func WithStoreClock(now NowFunc) StoreOption {
	return func(s *DocumentStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *DocumentStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewDocumentStore creates an empty store.
func NewDocumentStore(opts ...StoreOption) *DocumentStore {
	s := &DocumentStore{
		docs:   make(map[ident.DocumentID]*document),
		now:    systemNow,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates an empty document at version 0.
func (s *DocumentStore) Create(id ident.DocumentID) (*DocumentHandle, error) {
	return s.insert(id, docmodel.New())
}

// Load adopts previously saved bytes as a new document at version 0.
// Corrupt bytes fail with a document-model error and leave the store
// untouched.
func (s *DocumentStore) Load(id ident.DocumentID, data []byte) (*DocumentHandle, error) {
	if err := id.Validate(); err != nil {
		return nil, NewInvalidDocumentIDError(err)
	}
	doc, err := docmodel.Load(data)
	if err != nil {
		return nil, WrapDocumentModel(id, err)
	}
	return s.insert(id, doc)
}

// restore adopts persisted bytes keeping the persisted version and
// modification time.
func (s *DocumentStore) restore(id ident.DocumentID, data []byte, version uint64, modified time.Time) (*DocumentHandle, error) {
	h, err := s.Load(id, data)
	if err != nil {
		return nil, err
	}
	h.doc.mu.Lock()
	h.doc.meta.Version = version
	if !modified.IsZero() {
		h.doc.meta.LastModified = modified
	}
	h.doc.mu.Unlock()
	return h, nil
}

func (s *DocumentStore) insert(id ident.DocumentID, doc *docmodel.Doc) (*DocumentHandle, error) {
	if err := id.Validate(); err != nil {
		return nil, NewInvalidDocumentIDError(err)
	}
	saved := doc.Save()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; exists {
		return nil, NewAlreadyExistsError(id)
	}
	d := &document{
		id:    id,
		doc:   doc,
		saved: saved,
		meta: DocumentMetadata{
			ID:           id,
			CreatedAt:    now,
			LastModified: now,
			Size:         len(saved),
		},
	}
	s.docs[id] = d
	s.logger.Debug("document created", "doc", id.String(), "size", len(saved))
	return &DocumentHandle{store: s, doc: d}, nil
}

// Get returns a handle to an existing document.
func (s *DocumentStore) Get(id ident.DocumentID) (*DocumentHandle, error) {
	d, ok := s.lookup(id)
	if !ok {
		return nil, NewNotFoundError(id)
	}
	return &DocumentHandle{store: s, doc: d}, nil
}

// GetDocument returns an independent copy of the document's current
// state. Edits to the copy never reach the store; merge them back through
// a handle if needed.
func (s *DocumentStore) GetDocument(id ident.DocumentID) (*docmodel.Doc, error) {
	h, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var fork *docmodel.Doc
	err = h.Read(func(doc *docmodel.Doc) error {
		var ferr error
		fork, ferr = doc.Fork()
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return fork, nil
}

// Exists reports whether id is stored.
func (s *DocumentStore) Exists(id ident.DocumentID) bool {
	_, ok := s.lookup(id)
	return ok
}

// Delete removes a document. Outstanding handles fail with not-found from
// now on, even if the id is created again.
func (s *DocumentStore) Delete(id ident.DocumentID) error {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok {
		s.mu.Unlock()
		return NewNotFoundError(id)
	}
	delete(s.docs, id)
	s.mu.Unlock()

	// Waits for an in-flight update on this document to finish.
	d.mu.Lock()
	d.deleted = true
	d.mu.Unlock()

	s.logger.Debug("document deleted", "doc", id.String())
	return nil
}

// ListNamespace returns every id in ns, sorted.
func (s *DocumentStore) ListNamespace(ns string) []ident.DocumentID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []ident.DocumentID
	for id := range s.docs {
		if id.Namespace == ns {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// ListAll returns every id, sorted.
func (s *DocumentStore) ListAll() []ident.DocumentID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]ident.DocumentID, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Namespaces returns the distinct namespaces in use, sorted.
func (s *DocumentStore) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range s.docs {
		seen[id.Namespace] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of documents.
func (s *DocumentStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// TotalSize returns the sum of saved document sizes in bytes.
func (s *DocumentStore) TotalSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, d := range s.docs {
		d.mu.RLock()
		total += d.meta.Size
		d.mu.RUnlock()
	}
	return total
}

// Clear removes every document, invalidating all handles.
func (s *DocumentStore) Clear() {
	s.mu.Lock()
	docs := s.docs
	s.docs = make(map[ident.DocumentID]*document)
	s.mu.Unlock()

	for _, d := range docs {
		d.mu.Lock()
		d.deleted = true
		d.mu.Unlock()
	}
}

func (s *DocumentStore) lookup(id ident.DocumentID) (*document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	return d, ok
}

// applyLocked runs fn against d and commits the result as one change.
// Caller MUST hold d.mu for writing and have checked d.deleted.
//
// On any failure the document is restored from d.saved, so version,
// metadata and bytes are exactly as before the call.
func (s *DocumentStore) applyLocked(d *document, opts UpdateOptions, fn func(*docmodel.Doc) error) (UpdateResult, error) {
	ownActor := d.doc.ActorID()
	d.doc.ResetTouched()

	if opts.Actor != "" {
		if err := d.doc.SetActorID(opts.Actor); err != nil {
			return UpdateResult{}, WrapDocumentModel(d.id, err)
		}
	}

	if err := fn(d.doc); err != nil {
		s.restoreLocked(d, d.saved, d.meta, ownActor)
		return UpdateResult{}, err
	}

	hash, err := d.doc.Commit(docmodel.CommitOptions{
		Message:       opts.Message,
		Deterministic: opts.Deterministic,
		AllowEmpty:    true,
	})
	if err != nil {
		s.restoreLocked(d, d.saved, d.meta, ownActor)
		return UpdateResult{}, WrapDocumentModel(d.id, err)
	}
	paths := d.doc.Touched()

	if opts.Actor != "" {
		if err := d.doc.SetActorID(ownActor); err != nil {
			s.logger.Warn("restore actor failed", "doc", d.id.String(), "error", err)
		}
	}

	saved := d.doc.Save()
	d.saved = saved
	d.meta.Version++
	d.meta.LastModified = s.now()
	d.meta.Size = len(saved)

	s.logger.Debug("document updated",
		"doc", d.id.String(),
		"version", d.meta.Version,
		"change", hash,
	)

	return UpdateResult{
		DocumentID: d.id,
		Version:    d.meta.Version,
		Change:     hash,
		Paths:      paths,
	}, nil
}

// restoreLocked replaces d's state with saved bytes and metadata.
// Caller MUST hold d.mu for writing.
func (s *DocumentStore) restoreLocked(d *document, saved []byte, meta DocumentMetadata, actor string) {
	doc, err := docmodel.Load(saved)
	if err != nil {
		// saved came from our own Save, so this means memory corruption.
		s.logger.Error("restore failed", "doc", d.id.String(), "error", err)
		return
	}
	if actor != "" {
		if err := doc.SetActorID(actor); err != nil {
			s.logger.Warn("restore actor failed", "doc", d.id.String(), "error", err)
		}
	}
	d.doc = doc
	d.saved = saved
	d.meta = meta
}

func sortIDs(ids []ident.DocumentID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// DocumentHandle is a non-owning reference to a stored document.
// Handles are cheap to copy and safe for concurrent use.
type DocumentHandle struct {
	store *DocumentStore
	doc   *document
}

// ID returns the document id.
func (h *DocumentHandle) ID() ident.DocumentID {
	return h.doc.id
}

// Metadata returns a copy of the document's metadata.
func (h *DocumentHandle) Metadata() (DocumentMetadata, error) {
	h.doc.mu.RLock()
	defer h.doc.mu.RUnlock()
	if h.doc.deleted {
		return DocumentMetadata{}, NewNotFoundError(h.doc.id)
	}
	return h.doc.meta, nil
}

// Version returns the current version.
func (h *DocumentHandle) Version() (uint64, error) {
	meta, err := h.Metadata()
	return meta.Version, err
}

// Read invokes fn with shared access. fn must not mutate the document;
// the version and timestamps are never changed by Read.
func (h *DocumentHandle) Read(fn func(*docmodel.Doc) error) error {
	h.doc.mu.RLock()
	defer h.doc.mu.RUnlock()
	if h.doc.deleted {
		return NewNotFoundError(h.doc.id)
	}
	return fn(h.doc.doc)
}

// Update invokes fn with exclusive access and commits its edits as one
// change. Concurrent updates to the same document serialize.
func (h *DocumentHandle) Update(fn func(*docmodel.Doc) error) (UpdateResult, error) {
	return h.UpdateWith(UpdateOptions{}, fn)
}

// UpdateWith is Update with explicit commit options.
func (h *DocumentHandle) UpdateWith(opts UpdateOptions, fn func(*docmodel.Doc) error) (UpdateResult, error) {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	if h.doc.deleted {
		return UpdateResult{}, NewNotFoundError(h.doc.id)
	}
	return h.store.applyLocked(h.doc, opts, fn)
}

// UpdateReactive is Update followed by one ChangeEvent handed to obs.
// The event path is the longest common prefix of the written paths.
func (h *DocumentHandle) UpdateReactive(obs *ChangeObservable, fn func(*docmodel.Doc) error) (UpdateResult, error) {
	return h.UpdateReactiveWith(obs, UpdateOptions{}, fn)
}

// UpdateReactiveWith is UpdateReactive with explicit commit options.
func (h *DocumentHandle) UpdateReactiveWith(obs *ChangeObservable, opts UpdateOptions, fn func(*docmodel.Doc) error) (UpdateResult, error) {
	res, err := h.UpdateWith(opts, fn)
	if err != nil {
		return res, err
	}
	if obs != nil {
		obs.Notify(eventFor(res, h.store.now()))
	}
	return res, nil
}

// ApplyChanges merges raw change bytes produced elsewhere (see
// ChangeBytes). The version advances by one when the document's heads
// move; re-applying known changes is a no-op.
func (h *DocumentHandle) ApplyChanges(raw []byte) (UpdateResult, error) {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	d := h.doc
	if d.deleted {
		return UpdateResult{}, NewNotFoundError(d.id)
	}

	before := d.doc.VersionMarker()
	if err := d.doc.ApplyChanges(raw); err != nil {
		h.store.restoreLocked(d, d.saved, d.meta, d.doc.ActorID())
		return UpdateResult{}, WrapDocumentModel(d.id, err)
	}
	after := d.doc.VersionMarker()
	res := UpdateResult{DocumentID: d.id, Version: d.meta.Version, Change: after}
	if after == before {
		return res, nil
	}

	saved := d.doc.Save()
	d.saved = saved
	d.meta.Version++
	d.meta.LastModified = h.store.now()
	d.meta.Size = len(saved)
	res.Version = d.meta.Version
	h.store.logger.Debug("changes applied", "doc", d.id.String(), "version", d.meta.Version)
	return res, nil
}

// ChangeBytes returns the encoded change identified by hash, suitable for
// ApplyChanges on another replica.
func (h *DocumentHandle) ChangeBytes(hash string) ([]byte, error) {
	var raw []byte
	err := h.Read(func(doc *docmodel.Doc) error {
		var cerr error
		raw, cerr = doc.ChangeBytes(hash)
		return WrapDocumentModel(h.doc.id, cerr)
	})
	return raw, err
}

// Replace swaps the document's contents for previously saved bytes,
// keeping the document's actor. Outstanding handles stay valid and the
// version advances by one.
func (h *DocumentHandle) Replace(data []byte) (UpdateResult, error) {
	doc, err := docmodel.Load(data)
	if err != nil {
		return UpdateResult{}, WrapDocumentModel(h.doc.id, err)
	}

	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	d := h.doc
	if d.deleted {
		return UpdateResult{}, NewNotFoundError(d.id)
	}
	if err := doc.SetActorID(d.doc.ActorID()); err != nil {
		return UpdateResult{}, WrapDocumentModel(d.id, err)
	}
	saved := doc.Save()
	d.doc = doc
	d.saved = saved
	d.meta.Version++
	d.meta.LastModified = h.store.now()
	d.meta.Size = len(saved)
	return UpdateResult{DocumentID: d.id, Version: d.meta.Version, Change: doc.VersionMarker()}, nil
}

// snapshot returns the saved bytes and metadata under one lock.
func (h *DocumentHandle) snapshot() ([]byte, DocumentMetadata, error) {
	h.doc.mu.RLock()
	defer h.doc.mu.RUnlock()
	if h.doc.deleted {
		return nil, DocumentMetadata{}, NewNotFoundError(h.doc.id)
	}
	return append([]byte(nil), h.doc.saved...), h.doc.meta, nil
}

// Save returns the document's saved bytes as of its last mutation.
func (h *DocumentHandle) Save() ([]byte, error) {
	h.doc.mu.RLock()
	defer h.doc.mu.RUnlock()
	if h.doc.deleted {
		return nil, NewNotFoundError(h.doc.id)
	}
	return append([]byte(nil), h.doc.saved...), nil
}

// ChangeCount returns the number of changes in the document's history.
func (h *DocumentHandle) ChangeCount() (int, error) {
	var n int
	err := h.Read(func(doc *docmodel.Doc) error {
		var cerr error
		n, cerr = doc.ChangeCount()
		return WrapDocumentModel(h.doc.id, cerr)
	})
	return n, err
}

func eventFor(res UpdateResult, at time.Time) ChangeEvent {
	return ChangeEvent{
		DocumentID: res.DocumentID,
		Timestamp:  at,
		Change:     res.Change,
		Path:       docmodel.CommonPrefix(res.Paths),
	}
}
