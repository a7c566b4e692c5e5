package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/roach88/docstate/internal/docmodel"
	"github.com/roach88/docstate/internal/ident"
	"github.com/roach88/docstate/internal/state"
)

// DocumentView is the output of get.
type DocumentView struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
	Path    string `json:"path,omitempty"`
	Value   any    `json:"value"`
}

// UpdateView is the output of put and of path deletion.
type UpdateView struct {
	ID      string   `json:"id"`
	Version uint64   `json:"version"`
	Change  string   `json:"change"`
	Paths   []string `json:"paths"`
}

func updateView(res state.UpdateResult) UpdateView {
	return UpdateView{ID: res.DocumentID.String(), Version: res.Version, Change: res.Change, Paths: res.Paths}
}

func (v UpdateView) String() string {
	return fmt.Sprintf("%s version %d", v.ID, v.Version)
}

// NewCreateCommand creates the create command.
func NewCreateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <namespace/id>",
		Short: "Create an empty document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, true, func(s *session) error {
				h, err := s.engine.CreateDocument(id)
				if err != nil {
					return failed("create failed", err)
				}
				meta, err := h.Metadata()
				if err != nil {
					return failed("create failed", err)
				}
				return out.Emit(meta, fmt.Sprintf("created %s", id))
			})
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "get <namespace/id>",
		Short: "Print a document or one value in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, false, func(s *session) error {
				view, err := readDocument(s.engine, id, path)
				if err != nil {
					return err
				}
				text, err := json.Marshal(view.Value)
				if err != nil {
					return failed("encode failed", err)
				}
				return out.Emit(view, string(text))
			})
		},
	}

	cmd.Flags().StringVarP(&path, "path", "p", "", "slash-separated path inside the document")
	return cmd
}

func readDocument(e *state.Engine, id ident.DocumentID, path string) (DocumentView, error) {
	h, err := e.Document(id)
	if err != nil {
		return DocumentView{}, failed("get failed", err)
	}
	view := DocumentView{ID: id.String(), Path: path}
	err = h.Read(func(doc *docmodel.Doc) error {
		if path == "" {
			m, err := doc.ToMap()
			view.Value = m
			return err
		}
		v, ok, err := doc.Get(path)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no value at %q", path)
		}
		view.Value = v
		return nil
	})
	if err != nil {
		return DocumentView{}, failed("get failed", state.WrapDocumentModel(id, err))
	}
	if view.Version, err = h.Version(); err != nil {
		return DocumentView{}, failed("get failed", err)
	}
	return view, nil
}

// NewPutCommand creates the put command.
func NewPutCommand(opts *RootOptions) *cobra.Command {
	var create bool

	cmd := &cobra.Command{
		Use:   "put <namespace/id> <path> <value>",
		Short: "Set a value in a document",
		Long: `Set the value at a slash-separated path. The value is parsed as JSON when
it is valid JSON (integers, strings, booleans, arrays, objects) and taken
as a plain string otherwise.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			value, err := parseValue(args[2])
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, true, func(s *session) error {
				if create && !s.engine.Store().Exists(id) {
					if _, err := s.engine.CreateDocument(id); err != nil {
						return failed("create failed", err)
					}
				}
				res, err := s.engine.UpdateReactive(id, state.Put{Path: args[1], Value: value})
				if err != nil {
					return failed("put failed", err)
				}
				v := updateView(res)
				return out.Emit(v, v.String())
			})
		},
	}

	cmd.Flags().BoolVar(&create, "create", false, "create the document if it does not exist")
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "delete <namespace/id>",
		Short: "Delete a document, or one path inside it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, true, func(s *session) error {
				if path != "" {
					res, err := s.engine.UpdateReactive(id, state.Delete{Path: path})
					if err != nil {
						return failed("delete failed", err)
					}
					v := updateView(res)
					return out.Emit(v, v.String())
				}
				if err := s.engine.DeleteDocument(id); err != nil {
					return failed("delete failed", err)
				}
				return out.Emit(map[string]string{"deleted": id.String()}, fmt.Sprintf("deleted %s", id))
			})
		},
	}

	cmd.Flags().StringVarP(&path, "path", "p", "", "remove only this path")
	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var match string

	cmd := &cobra.Command{
		Use:   "list [namespace]",
		Short: "List documents",
		Long: `List document ids, optionally restricted to one namespace and filtered
by a glob over "namespace/id" (** crosses "/").`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if match != "" && !doublestar.ValidatePattern(match) {
				return usage("invalid --match pattern %q", match)
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, false, func(s *session) error {
				var ids []ident.DocumentID
				if len(args) == 1 {
					ids = s.engine.Store().ListNamespace(args[0])
				} else {
					ids = s.engine.Store().ListAll()
				}

				names := make([]string, 0, len(ids))
				for _, id := range ids {
					if match != "" {
						ok, err := doublestar.Match(match, id.String())
						if err != nil {
							return usage("invalid --match pattern %q", match)
						}
						if !ok {
							continue
						}
					}
					names = append(names, id.String())
				}
				return out.Emit(names, strings.Join(names, "\n"))
			})
		},
	}

	cmd.Flags().StringVarP(&match, "match", "m", "", "glob over namespace/id")
	return cmd
}
