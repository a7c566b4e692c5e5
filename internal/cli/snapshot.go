package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/docstate/internal/blob"
	"github.com/roach88/docstate/internal/ident"
	"github.com/roach88/docstate/internal/state"
)

// SnapshotView is one snapshot's metadata as printed by the snapshot commands.
type SnapshotView struct {
	Document   string    `json:"document"`
	Seq        uint64    `json:"seq"`
	DocVersion uint64    `json:"doc_version"`
	Size       int       `json:"size"`
	Changes    int       `json:"changes"`
	Digest     string    `json:"digest"`
	CreatedAt  time.Time `json:"created_at"`
}

func snapshotView(m state.SnapshotMetadata) SnapshotView {
	return SnapshotView{
		Document:   m.DocumentID.String(),
		Seq:        m.Seq,
		DocVersion: m.DocVersion,
		Size:       m.Size,
		Changes:    m.Changes,
		Digest:     m.Digest,
		CreatedAt:  m.CreatedAt,
	}
}

func (v SnapshotView) String() string {
	return fmt.Sprintf("%s\tseq=%d\tversion=%d\tsize=%d\tchanges=%d", v.Document, v.Seq, v.DocVersion, v.Size, v.Changes)
}

func snapshotLines(views []SnapshotView, empty string) string {
	if len(views) == 0 {
		return empty
	}
	lines := make([]string, len(views))
	for i, v := range views {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, inspect, restore and archive document snapshots",
	}
	cmd.AddCommand(newSnapshotCreateCommand(opts))
	cmd.AddCommand(newSnapshotListCommand(opts))
	cmd.AddCommand(newSnapshotCompactCommand(opts))
	cmd.AddCommand(newSnapshotRestoreCommand(opts))
	cmd.AddCommand(newSnapshotExportCommand(opts))
	cmd.AddCommand(newSnapshotImportCommand(opts))
	return cmd
}

func parseIDs(args []string) ([]ident.DocumentID, error) {
	ids := make([]ident.DocumentID, 0, len(args))
	for _, a := range args {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newSnapshotCreateCommand(opts *RootOptions) *cobra.Command {
	var ifNeeded bool

	cmd := &cobra.Command{
		Use:   "create [namespace/id...]",
		Short: "Snapshot the named documents, or every document that is due",
		Long: `Snapshot each named document. Without arguments every document whose
version advanced past the configured threshold since its latest snapshot
is snapshotted. --if-needed applies the same threshold to named documents.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, true, func(s *session) error {
				mgr := s.engine.Snapshots()
				var taken []state.Snapshot
				if len(ids) == 0 {
					taken = mgr.SnapshotAll()
				}
				for _, id := range ids {
					if ifNeeded {
						snap, ok, err := mgr.SnapshotIfNeeded(id)
						if err != nil {
							return failed("snapshot failed", err)
						}
						if ok {
							taken = append(taken, snap)
						}
						continue
					}
					snap, err := mgr.CreateSnapshot(id)
					if err != nil {
						return failed("snapshot failed", err)
					}
					taken = append(taken, snap)
				}

				views := make([]SnapshotView, len(taken))
				for i, snap := range taken {
					views[i] = snapshotView(snap.Metadata)
				}
				return out.Emit(views, snapshotLines(views, "no snapshots taken"))
			})
		},
	}

	cmd.Flags().BoolVar(&ifNeeded, "if-needed", false, "skip named documents below the change threshold")
	return cmd
}

func newSnapshotListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [namespace/id]",
		Short: "List retained snapshots, oldest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, false, func(s *session) error {
				storage := s.engine.Snapshots().Storage()
				var views []SnapshotView
				if len(ids) == 1 {
					for _, m := range storage.List(ids[0]) {
						views = append(views, snapshotView(m))
					}
				} else {
					for _, snap := range storage.All() {
						views = append(views, snapshotView(snap.Metadata))
					}
				}
				if views == nil {
					views = []SnapshotView{}
				}
				return out.Emit(views, snapshotLines(views, "no snapshots"))
			})
		},
	}
}

// CompactionView reports a compaction.
type CompactionView struct {
	Snapshot         SnapshotView `json:"snapshot"`
	OriginalSize     int          `json:"original_size"`
	CompactedSize    int          `json:"compacted_size"`
	Reduction        int          `json:"reduction"`
	ReductionPercent float64      `json:"reduction_percent"`
}

func newSnapshotCompactCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact <namespace/id>",
		Short: "Snapshot a document and report the size saved over its change history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, true, func(s *session) error {
				res, err := s.engine.Snapshots().Compact(id)
				if err != nil {
					return failed("compact failed", err)
				}
				view := CompactionView{
					Snapshot:         snapshotView(res.Snapshot),
					OriginalSize:     res.OriginalSize,
					CompactedSize:    res.CompactedSize,
					Reduction:        res.Reduction,
					ReductionPercent: res.ReductionPercent,
				}
				return out.Emit(view, fmt.Sprintf("%s: %d -> %d bytes (%.1f%% smaller)",
					id, res.OriginalSize, res.CompactedSize, res.ReductionPercent))
			})
		},
	}
}

func newSnapshotRestoreCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <namespace/id> <seq>",
		Short: "Replace a document's contents with one of its snapshots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			seq, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil || seq == 0 {
				return usage("invalid snapshot seq %q", args[1])
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, true, func(s *session) error {
				res, err := s.engine.Snapshots().Restore(id, seq)
				if err != nil {
					return failed("restore failed", err)
				}
				v := updateView(res)
				return out.Emit(v, fmt.Sprintf("restored %s to snapshot %d (version %d)", id, seq, res.Version))
			})
		},
	}
}

// openArchive opens the configured snapshot archive.
func openArchive(cmd *cobra.Command, s *session) (*blob.Archive, error) {
	st, err := blob.Open(cmd.Context(), s.cfg.BlobConfig())
	if errors.Is(err, blob.ErrDisabled) {
		return nil, usage("no snapshot archive configured (set archive.driver)")
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open archive", err)
	}
	return blob.NewArchive(st, s.cfg.Archive.Prefix, s.logger), nil
}

func newSnapshotExportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export [namespace/id...]",
		Short: "Copy retained snapshots to the archive",
		Long: `Write retained snapshots of the named documents (all documents when none
are named) to the configured archive. Snapshots already archived with the
same digest are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, false, func(s *session) error {
				archive, err := openArchive(cmd, s)
				if err != nil {
					return err
				}
				storage := s.engine.Snapshots().Storage()
				var snaps []state.Snapshot
				if len(ids) == 0 {
					snaps = storage.All()
				}
				for _, id := range ids {
					for _, m := range storage.List(id) {
						if snap, ok := storage.Version(id, m.Seq); ok {
							snaps = append(snaps, snap)
						}
					}
				}
				res, err := archive.Export(cmd.Context(), snaps)
				if err != nil {
					return failed("export failed", err)
				}
				return out.Emit(res, fmt.Sprintf("exported %d snapshots (%d already archived)", res.Written, res.Skipped))
			})
		},
	}
}

// ImportView reports an import.
type ImportView struct {
	Document  string         `json:"document"`
	Imported  []SnapshotView `json:"imported"`
	Recovered bool           `json:"recovered"`
}

func newSnapshotImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <namespace/id>",
		Short: "Load a document's archived snapshots",
		Long: `Read every archived snapshot of the document, verifying digests, and
retain them locally. A document that no longer exists is recovered from
its latest archived snapshot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, true, func(s *session) error {
				archive, err := openArchive(cmd, s)
				if err != nil {
					return err
				}
				snaps, err := archive.Import(cmd.Context(), id)
				if err != nil {
					return failed("import failed", err)
				}
				if len(snaps) == 0 {
					return failed("import failed", state.NewSnapshotError(id, "no archived snapshots", nil))
				}

				view := ImportView{Document: id.String(), Imported: make([]SnapshotView, len(snaps))}
				if !s.engine.Store().Exists(id) {
					latest := snaps[len(snaps)-1]
					if _, err := s.engine.Store().Load(id, latest.Data); err != nil {
						return failed("import failed", err)
					}
					view.Recovered = true
				}
				storage := s.engine.Snapshots().Storage()
				for i, snap := range snaps {
					storage.Store(snap)
					view.Imported[i] = snapshotView(snap.Metadata)
				}

				text := fmt.Sprintf("imported %d snapshots of %s", len(snaps), id)
				if view.Recovered {
					text += " (document recovered)"
				}
				return out.Emit(view, text)
			})
		},
	}
}
