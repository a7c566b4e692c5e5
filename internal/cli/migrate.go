package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/docstate/internal/evolution"
	"github.com/roach88/docstate/internal/ident"
	"github.com/roach88/docstate/internal/state"
)

// MigrationView reports the migrations written to one document.
type MigrationView struct {
	Document string              `json:"document"`
	Applied  []evolution.Applied `json:"applied"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	var schemaFiles []string

	cmd := &cobra.Command{
		Use:   "migrate [namespace/id...]",
		Short: "Bring documents up to their namespace's schema version",
		Long: `Register the schema files given with --schema (plus those listed in the
config file) and migrate the named documents. Without arguments every
document in a namespace bound to a schema is migrated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts)
			return withSession(cmd.Context(), opts, true, func(s *session) error {
				evo, err := loadSchemas(s, append(append([]string(nil), s.cfg.Schemas...), schemaFiles...))
				if err != nil {
					return err
				}

				if len(ids) == 0 {
					ids = boundDocuments(s.engine.Store(), evo)
				}

				var views []MigrationView
				var lines []string
				for _, id := range ids {
					_, applied, err := evo.Migrate(cmd.Context(), id)
					if err != nil {
						return failed("migration failed", err)
					}
					if applied == nil {
						applied = []evolution.Applied{}
					}
					views = append(views, MigrationView{Document: id.String(), Applied: applied})
					for _, a := range applied {
						lines = append(lines, fmt.Sprintf("%s: %s -> %s (version %d)", id, a.From, a.To, a.Version))
					}
				}
				if views == nil {
					views = []MigrationView{}
				}
				if len(lines) == 0 {
					lines = append(lines, "all documents up to date")
				}
				return out.Emit(views, strings.Join(lines, "\n"))
			})
		},
	}

	cmd.Flags().StringArrayVarP(&schemaFiles, "schema", "s", nil, "schema file to register (repeatable)")
	return cmd
}

func loadSchemas(s *session, files []string) (*evolution.Engine, error) {
	if len(files) == 0 {
		return nil, usage("no schemas given (use --schema or the schemas config key)")
	}
	evo := evolution.New(s.engine.Store(), evolution.WithObservable(s.engine.Observable()), evolution.WithLogger(s.logger))
	for _, path := range files {
		schema, err := evolution.LoadSchemaFile(path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
		}
		if err := evo.RegisterSchema(schema); err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to register schema %s", path), err)
		}
	}
	return evo, nil
}

// boundDocuments lists the documents whose namespace has a schema.
func boundDocuments(store *state.DocumentStore, evo *evolution.Engine) []ident.DocumentID {
	var ids []ident.DocumentID
	for _, ns := range store.Namespaces() {
		if _, err := evo.SchemaFor(ns); err != nil {
			continue
		}
		ids = append(ids, store.ListNamespace(ns)...)
	}
	return ids
}
