package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/docstate/internal/config"
	"github.com/roach88/docstate/internal/ident"
	"github.com/roach88/docstate/internal/state"
	"github.com/roach88/docstate/internal/store"
)

// session is one command's view of the database: the configuration, the
// opened adapter and an engine restored from it.
type session struct {
	cfg     *config.Config
	adapter store.Adapter
	engine  *state.Engine
	report  state.RestoreReport
	logger  *slog.Logger
}

// openSession loads configuration, applies the --db and --driver flags,
// opens storage and restores the engine from it.
func openSession(ctx context.Context, opts *RootOptions) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Driver != "" {
		cfg.Storage.Driver = opts.Driver
	}
	if opts.Database != "" {
		cfg.Storage.DSN = opts.Database
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	logger := opts.Logger()
	adapter, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}

	engine, err := state.Open(cfg.StateConfig(), state.WithLogger(logger))
	if err != nil {
		adapter.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open engine", err)
	}

	report, err := engine.Restore(ctx, adapter)
	if err != nil {
		engine.Close()
		adapter.Close()
		return nil, WrapExitError(ExitCommandError, "failed to restore state", err)
	}
	for _, s := range report.Skipped {
		logger.Warn("document not loaded", "doc", s.ID.String(), "error", s.Err)
	}

	return &session{cfg: cfg, adapter: adapter, engine: engine, report: report, logger: logger}, nil
}

// save writes the engine back to storage. It refuses when documents
// failed to load, since persisting would delete them.
func (s *session) save(ctx context.Context) error {
	if n := len(s.report.Skipped); n > 0 {
		return failed("refusing to save", fmt.Errorf("%d stored documents failed to load", n))
	}
	if err := s.engine.Persist(ctx, s.adapter); err != nil {
		return failed("failed to save state", err)
	}
	return nil
}

func (s *session) close() {
	if err := s.engine.Close(); err != nil {
		s.logger.Debug("engine close", "error", err)
	}
	if err := s.adapter.Close(); err != nil {
		s.logger.Debug("storage close", "error", err)
	}
}

// withSession runs fn in an opened session and, when write is set and fn
// succeeds, saves the result.
func withSession(ctx context.Context, opts *RootOptions, write bool, fn func(*session) error) error {
	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.close()

	if err := fn(s); err != nil {
		return err
	}
	if write {
		return s.save(ctx)
	}
	return nil
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func parseID(raw string) (ident.DocumentID, error) {
	id, err := ident.ParseDocumentID(raw)
	if err != nil {
		return ident.DocumentID{}, usage("invalid document id %q: %v", raw, err)
	}
	return id, nil
}

// parseValue decodes raw as JSON, keeping integers as int64. Anything
// that is not valid JSON is taken as a plain string.
func parseValue(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw, nil
	}
	if v == nil {
		return nil, usage("null values are not supported")
	}
	return integers(v)
}

func integers(v any) (any, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return nil, usage("only integer numbers are supported, got %s", n)
		}
		return i, nil
	case []any:
		for i, e := range n {
			c, err := integers(e)
			if err != nil {
				return nil, err
			}
			n[i] = c
		}
	case map[string]any:
		for k, e := range n {
			c, err := integers(e)
			if err != nil {
				return nil, err
			}
			n[k] = c
		}
	case nil:
		return nil, usage("null values are not supported")
	}
	return v, nil
}
