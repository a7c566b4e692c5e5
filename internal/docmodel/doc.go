// Package docmodel adapts automerge documents to the path-addressed
// get/put/delete/merge/save/load surface the state engine consumes.
//
// The engine never inspects merge internals. It calls Merge and re-reads
// state through Get. Paths are slash separated map keys ("users/alice/name");
// the empty path addresses the root map.
package docmodel

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/automerge/automerge-go"
)

// ErrInvalidPath is returned for paths with empty segments.
var ErrInvalidPath = errors.New("invalid document path")

// Doc is one mergeable document.
//
// Doc is not safe for concurrent mutation; the document store serializes
// access. It records every path written through Put, Delete and Increment
// so callers can describe a mutation after the fact (see Touched).
type Doc struct {
	am      *automerge.Doc
	touched []string
}

// CommitOptions controls how pending edits are recorded as a change.
type CommitOptions struct {
	// Message is stored on the change.
	Message string

	// Deterministic omits the wall-clock timestamp so that two replicas
	// writing the same edit with the same actor produce identical changes.
	Deterministic bool

	// AllowEmpty records a change even when no edits are pending.
	AllowEmpty bool

	// Time overrides the change timestamp. Ignored when Deterministic.
	Time time.Time
}

// New creates an empty document with a random actor.
func New() *Doc {
	return &Doc{am: automerge.New()}
}

// Load restores a document from bytes produced by Save.
func Load(b []byte) (*Doc, error) {
	am, err := automerge.Load(b)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return &Doc{am: am}, nil
}

// Save returns the compacted binary form of the document.
// Pending edits are included, so callers should Commit first.
func (d *Doc) Save() []byte {
	return d.am.Save()
}

// Get returns the value at path as a plain Go value (maps become
// map[string]any, lists []any, text string, counters int64).
// ok is false when nothing is stored at path.
func (d *Doc) Get(path string) (value any, ok bool, err error) {
	v, err := d.value(path)
	if err != nil {
		return nil, false, err
	}
	if v.IsVoid() {
		return nil, false, nil
	}
	return v.Interface(), true, nil
}

// GetString returns the string at path. A missing value is ("", false, nil).
func (d *Doc) GetString(path string) (string, bool, error) {
	v, err := d.value(path)
	if err != nil || v.IsVoid() {
		return "", false, err
	}
	switch v.Kind() {
	case automerge.KindStr:
		return v.Str(), true, nil
	case automerge.KindText:
		s, err := v.Text().Get()
		return s, err == nil, err
	}
	return "", false, fmt.Errorf("%s: expected string, got %s", path, v.Kind())
}

// GetInt64 returns the integer at path. Whole floats are accepted because
// JSON-shaped inputs often arrive as float64.
func (d *Doc) GetInt64(path string) (int64, bool, error) {
	v, err := d.value(path)
	if err != nil || v.IsVoid() {
		return 0, false, err
	}
	n, err := asInt64(path, v)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Keys lists the keys of the map at path, sorted.
func (d *Doc) Keys(path string) ([]string, error) {
	v, err := d.value(path)
	if err != nil {
		return nil, err
	}
	if v.IsVoid() {
		return nil, nil
	}
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("%s: expected map, got %s", path, v.Kind())
	}
	keys, err := v.Map().Keys()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// ToMap returns the whole document as nested Go values.
func (d *Doc) ToMap() (map[string]any, error) {
	root, _, err := d.Get("")
	if err != nil {
		return nil, err
	}
	m, ok := root.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return m, nil
}

// Put stores v at path, creating intermediate maps as needed.
func (d *Doc) Put(path string, v any) error {
	p, err := d.path(path)
	if err != nil {
		return err
	}
	if len(p) == 0 {
		return fmt.Errorf("%w: cannot replace the root", ErrInvalidPath)
	}
	if err := d.am.Path(p...).Set(v); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	d.touch(path)
	return nil
}

// Delete removes the value at path. Deleting a missing key is not an error.
func (d *Doc) Delete(path string) error {
	p, err := d.path(path)
	if err != nil {
		return err
	}
	if len(p) == 0 {
		return fmt.Errorf("%w: cannot delete the root", ErrInvalidPath)
	}
	if err := d.am.Path(p...).Delete(); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	d.touch(path)
	return nil
}

// Increment adds delta to the integer at path (missing counts as zero).
// CRDT counters are incremented in place so concurrent increments merge
// additively; plain integers are overwritten with the new sum.
func (d *Doc) Increment(path string, delta int64) error {
	p, err := d.path(path)
	if err != nil {
		return err
	}
	v, err := d.am.Path(p...).Get()
	if err != nil {
		return fmt.Errorf("increment %s: %w", path, err)
	}
	if v.Kind() == automerge.KindCounter {
		if err := v.Counter().Inc(delta); err != nil {
			return fmt.Errorf("increment %s: %w", path, err)
		}
		d.touch(path)
		return nil
	}
	var current int64
	if !v.IsVoid() {
		if current, err = asInt64(path, v); err != nil {
			return err
		}
	}
	return d.Put(path, current+delta)
}

// Merge applies every change in other that d does not have yet.
func (d *Doc) Merge(other *Doc) error {
	if other == nil || other == d {
		return nil
	}
	if _, err := d.am.Merge(other.am); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return nil
}

// Fork returns an independent copy with a fresh random actor.
func (d *Doc) Fork() (*Doc, error) {
	am, err := d.am.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork: %w", err)
	}
	return &Doc{am: am}, nil
}

// Commit records pending edits as one change and returns its hash.
func (d *Doc) Commit(opts CommitOptions) (string, error) {
	co := automerge.CommitOptions{AllowEmpty: opts.AllowEmpty}
	switch {
	case opts.Deterministic:
		co.Time = &time.Time{}
	case !opts.Time.IsZero():
		t := opts.Time
		co.Time = &t
	}
	h, err := d.am.Commit(opts.Message, co)
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return h.String(), nil
}

// Heads returns the current head hashes, sorted.
func (d *Doc) Heads() []string {
	heads := d.am.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}

// VersionMarker is an opaque token that changes whenever the document's
// history changes. Equal markers mean equal histories.
func (d *Doc) VersionMarker() string {
	return strings.Join(d.Heads(), ",")
}

// ChangeBytes returns the encoded change with the given hash, suitable for
// ApplyChanges on another replica.
func (d *Doc) ChangeBytes(hash string) ([]byte, error) {
	h, err := automerge.NewChangeHash(hash)
	if err != nil {
		return nil, fmt.Errorf("change hash %q: %w", hash, err)
	}
	ch, err := d.am.Change(h)
	if err != nil {
		return nil, fmt.Errorf("change %s: %w", hash, err)
	}
	return ch.Save(), nil
}

// ApplyChanges applies encoded changes on top of the document's history.
// Changes already present are ignored, so replaying the same bytes twice
// is harmless. A change whose dependencies are missing is held until they
// arrive.
func (d *Doc) ApplyChanges(raw []byte) error {
	if err := checkChangeChunk(raw); err != nil {
		return fmt.Errorf("apply changes: %w", err)
	}
	if err := d.am.LoadIncremental(raw); err != nil {
		return fmt.Errorf("apply changes: %w", err)
	}
	return nil
}

// chunkMagic opens every encoded automerge chunk. The chunk type byte
// follows a four byte checksum.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkTypeChange           = 0x01
	chunkTypeCompressedChange = 0x02
)

// ErrNotAChange is returned by ApplyChanges for bytes that do not start
// with an encoded change. Incremental loading skips unreadable input
// silently, so it is rejected up front.
var ErrNotAChange = errors.New("not an encoded change")

func checkChangeChunk(raw []byte) error {
	if len(raw) < len(chunkMagic)+5 || !bytes.Equal(raw[:len(chunkMagic)], chunkMagic) {
		return ErrNotAChange
	}
	switch raw[len(chunkMagic)+4] {
	case chunkTypeChange, chunkTypeCompressedChange:
		return nil
	}
	return ErrNotAChange
}

// ChangeCount returns the number of changes in the document's history.
func (d *Doc) ChangeCount() (int, error) {
	chs, err := d.am.Changes()
	if err != nil {
		return 0, err
	}
	return len(chs), nil
}

// HistorySize returns the total encoded size of every change in the
// document's history, the uncompacted form of the document.
func (d *Doc) HistorySize() (int, error) {
	chs, err := d.am.Changes()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, ch := range chs {
		total += len(ch.Save())
	}
	return total, nil
}

// ActorID returns the hex actor used for new edits.
func (d *Doc) ActorID() string {
	return d.am.ActorID()
}

// SetActorID changes the actor used for new edits.
func (d *Doc) SetActorID(id string) error {
	if err := d.am.SetActorID(id); err != nil {
		return fmt.Errorf("set actor %q: %w", id, err)
	}
	return nil
}

// Touched returns the paths written since the last ResetTouched, in write
// order, without duplicates.
func (d *Doc) Touched() []string {
	return append([]string(nil), d.touched...)
}

// ResetTouched clears the written-path record.
func (d *Doc) ResetTouched() {
	d.touched = d.touched[:0]
}

func (d *Doc) touch(path string) {
	path = strings.Trim(path, "/")
	for _, p := range d.touched {
		if p == path {
			return
		}
	}
	d.touched = append(d.touched, path)
}

func (d *Doc) value(path string) (*automerge.Value, error) {
	p, err := d.path(path)
	if err != nil {
		return nil, err
	}
	v, err := d.am.Path(p...).Get()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return v, nil
}

func (d *Doc) path(path string) ([]any, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(segs))
	for i, s := range segs {
		out[i] = s
	}
	return out, nil
}

func asInt64(path string, v *automerge.Value) (int64, error) {
	switch v.Kind() {
	case automerge.KindInt64:
		return v.Int64(), nil
	case automerge.KindUint64:
		return int64(v.Uint64()), nil
	case automerge.KindCounter:
		return v.Counter().Get()
	case automerge.KindFloat64:
		f := v.Float64()
		if f != float64(int64(f)) {
			return 0, fmt.Errorf("%s: %v is not a whole number", path, f)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("%s: expected integer, got %s", path, v.Kind())
}
