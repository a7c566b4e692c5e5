package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/docstate/internal/state"
	"github.com/roach88/docstate/internal/store"
)

// StatsView combines the engine's and the storage's view.
type StatsView struct {
	Engine  state.Stats `json:"engine"`
	Storage store.Stats `json:"storage"`
	Driver  string      `json:"driver"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show document, queue and snapshot counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, false, func(s *session) error {
				st, err := s.adapter.Stats(cmd.Context())
				if err != nil {
					return failed("storage stats failed", err)
				}
				view := StatsView{Engine: s.engine.Stats(), Storage: st, Driver: s.cfg.Storage.Driver}
				e := view.Engine
				text := fmt.Sprintf(`documents:     %d (%d bytes, %d namespaces)
queue:         %d operations
snapshots:     %d (%d bytes)
storage:       %s, %d documents, %d snapshots`,
					e.Documents, e.TotalSize, e.Namespaces,
					e.QueueLength,
					e.Snapshots, e.SnapshotsSize,
					view.Driver, st.Documents, st.Snapshots)
				return out.Emit(view, text)
			})
		},
	}
}
