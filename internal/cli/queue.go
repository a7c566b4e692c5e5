package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/docstate/internal/state"
)

// OperationView is one queued operation as printed by queue list.
type OperationView struct {
	ID         uint64    `json:"id"`
	Kind       string    `json:"kind"`
	Document   string    `json:"document"`
	Size       int       `json:"size"`
	RetryCount uint32    `json:"retry_count"`
	QueuedAt   time.Time `json:"queued_at"`
}

func operationView(op state.Operation) OperationView {
	return OperationView{
		ID:         op.ID,
		Kind:       string(op.Kind),
		Document:   op.DocumentID.String(),
		Size:       len(op.Change),
		RetryCount: op.RetryCount,
		QueuedAt:   op.Time(),
	}
}

// ReplayView summarizes queue replay.
type ReplayView struct {
	Applied   int             `json:"applied"`
	Failed    int             `json:"failed"`
	Retried   int             `json:"retried"`
	Remaining int             `json:"remaining"`
	Failures  []ReplayFailure `json:"failures,omitempty"`
}

// ReplayFailure describes one operation that did not apply.
type ReplayFailure struct {
	ID       uint64 `json:"id"`
	Kind     string `json:"kind"`
	Document string `json:"document"`
	Error    string `json:"error"`
	RetryID  uint64 `json:"retry_id,omitempty"`
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the offline operation queue",
	}
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueReplayCommand(opts))
	cmd.AddCommand(newQueueClearCommand(opts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, false, func(s *session) error {
				ops := s.engine.Queue().List()
				views := make([]OperationView, 0, len(ops))
				lines := make([]string, 0, len(ops))
				for _, op := range ops {
					v := operationView(op)
					views = append(views, v)
					lines = append(lines, fmt.Sprintf("%d\t%s\t%s\tretries=%d", v.ID, v.Kind, v.Document, v.RetryCount))
				}
				if len(lines) == 0 {
					lines = append(lines, "queue is empty")
				}
				return out.Emit(views, strings.Join(lines, "\n"))
			})
		},
	}
}

func newQueueReplayCommand(opts *RootOptions) *cobra.Command {
	var retries uint32

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Apply queued operations to the stored documents",
		Long: `Replay dequeues every operation queued when it starts and applies each in
order. Failures do not stop the replay; with --retries a failed operation
is queued again until it has been retried that many times.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, true, func(s *session) error {
				results, err := s.engine.Replay(cmd.Context(), state.ReplayOptions{MaxRetries: retries})
				if err != nil {
					return failed("replay interrupted", err)
				}

				var view ReplayView
				for _, r := range results {
					if r.OK() {
						view.Applied++
						continue
					}
					view.Failed++
					if r.RetryID != 0 {
						view.Retried++
					}
					view.Failures = append(view.Failures, ReplayFailure{
						ID:       r.Operation.ID,
						Kind:     string(r.Operation.Kind),
						Document: r.Operation.DocumentID.String(),
						Error:    r.Err.Error(),
						RetryID:  r.RetryID,
					})
					out.VerboseLog("operation %d (%s %s) failed: %v", r.Operation.ID, r.Operation.Kind, r.Operation.DocumentID, r.Err)
				}
				view.Remaining = s.engine.Queue().Len()

				return out.Emit(view, fmt.Sprintf("applied %d, failed %d, retried %d, remaining %d",
					view.Applied, view.Failed, view.Retried, view.Remaining))
			})
		},
	}

	cmd.Flags().Uint32Var(&retries, "retries", 0, "re-queue failed operations up to this many times")
	return cmd
}

func newQueueClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, true, func(s *session) error {
				n := s.engine.Queue().Len()
				s.engine.Queue().Clear()
				return out.Emit(map[string]int{"cleared": n}, fmt.Sprintf("cleared %d operations", n))
			})
		},
	}
}
