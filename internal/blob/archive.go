package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/docstate/internal/ident"
	"github.com/roach88/docstate/internal/state"
)

const (
	snapshotExt         = ".automerge"
	snapshotContentType = "application/octet-stream"

	metaDigest     = "digest"
	metaDocVersion = "doc-version"
	metaChanges    = "changes"
	metaCreatedAt  = "created-at"
)

// ErrDigestMismatch is returned when an archived object does not hash to
// the digest recorded with it.
var ErrDigestMismatch = errors.New("snapshot digest mismatch")

// Archive exports snapshots to a Store and reads them back.
type Archive struct {
	store  Store
	prefix string
	logger *slog.Logger
}

// NewArchive lays snapshots out under prefix on store.
func NewArchive(store Store, prefix string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{store: store, prefix: strings.Trim(prefix, "/"), logger: logger}
}

// Store returns the underlying object store.
func (a *Archive) Store() Store { return a.store }

// Key returns the object key for snapshot seq of id.
func (a *Archive) Key(id ident.DocumentID, seq uint64) string {
	return path.Join(a.docPrefix(id), strconv.FormatUint(seq, 10)+snapshotExt)
}

func (a *Archive) docPrefix(id ident.DocumentID) string {
	return path.Join(a.prefix, id.Namespace, id.ID)
}

// ExportResult counts what Export did.
type ExportResult struct {
	Written int `json:"written"`
	Skipped int `json:"skipped"`
}

// Export writes every snapshot not yet archived. An object already at a
// snapshot's key is skipped when its digest matches and is an error
// otherwise.
func (a *Archive) Export(ctx context.Context, snaps []state.Snapshot) (ExportResult, error) {
	var res ExportResult
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m := snap.Metadata
		key := a.Key(m.DocumentID, m.Seq)
		digest := m.Digest
		if digest == "" {
			digest = ident.SnapshotDigest(snap.Data)
		}
		_, err := a.store.Put(ctx, key, bytes.NewReader(snap.Data), PutOptions{
			ContentType: snapshotContentType,
			Metadata: map[string]string{
				metaDigest:     digest,
				metaDocVersion: strconv.FormatUint(m.DocVersion, 10),
				metaChanges:    strconv.Itoa(m.Changes),
				metaCreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		})
		switch {
		case err == nil:
			res.Written++
			a.logger.Debug("snapshot archived", "key", key, "size", len(snap.Data))
		case errors.Is(err, ErrExists):
			info, herr := a.store.Head(ctx, key)
			if herr != nil {
				return res, herr
			}
			if info.Metadata[metaDigest] != digest {
				return res, fmt.Errorf("%w: %s already archived with different content", ErrDigestMismatch, key)
			}
			res.Skipped++
		default:
			return res, fmt.Errorf("archive %s: %w", key, err)
		}
	}
	return res, nil
}

// List returns the archived snapshot keys of id in seq order.
func (a *Archive) List(ctx context.Context, id ident.DocumentID) ([]Info, error) {
	prefix := a.docPrefix(id) + "/"
	infos, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	type entry struct {
		seq  uint64
		info Info
	}
	var entries []entry
	for _, info := range infos {
		seq, ok := parseSeq(strings.TrimPrefix(info.Key, prefix))
		if !ok {
			continue
		}
		entries = append(entries, entry{seq, info})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Info, len(entries))
	for i, e := range entries {
		out[i] = e.info
	}
	return out, nil
}

// Import reads every archived snapshot of id, verifying digests.
func (a *Archive) Import(ctx context.Context, id ident.DocumentID) ([]state.Snapshot, error) {
	infos, err := a.List(ctx, id)
	if err != nil {
		return nil, err
	}
	prefix := a.docPrefix(id) + "/"
	out := make([]state.Snapshot, 0, len(infos))
	for _, listed := range infos {
		seq, _ := parseSeq(strings.TrimPrefix(listed.Key, prefix))
		snap, err := a.read(ctx, id, seq, listed.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (a *Archive) read(ctx context.Context, id ident.DocumentID, seq uint64, key string) (state.Snapshot, error) {
	info, body, err := a.store.Get(ctx, key)
	if err != nil {
		return state.Snapshot{}, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("read %s: %w", key, err)
	}

	digest := info.Metadata[metaDigest]
	if digest != "" && ident.SnapshotDigest(data) != digest {
		return state.Snapshot{}, fmt.Errorf("%w: %s", ErrDigestMismatch, key)
	}
	meta := state.SnapshotMetadata{
		DocumentID: id,
		Seq:        seq,
		Size:       len(data),
		Digest:     digest,
	}
	if v, err := strconv.ParseUint(info.Metadata[metaDocVersion], 10, 64); err == nil {
		meta.DocVersion = v
	}
	if n, err := strconv.Atoi(info.Metadata[metaChanges]); err == nil {
		meta.Changes = n
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Metadata[metaCreatedAt]); err == nil {
		meta.CreatedAt = t
	} else {
		meta.CreatedAt = info.LastModified
	}
	return state.Snapshot{Metadata: meta, Data: data}, nil
}

// parseSeq accepts "<seq>.automerge" with no further path segments.
func parseSeq(name string) (uint64, bool) {
	if strings.Contains(name, "/") || !strings.HasSuffix(name, snapshotExt) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(name, snapshotExt), 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}
