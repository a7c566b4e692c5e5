package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/docstate/internal/docmodel"
	"github.com/roach88/docstate/internal/ident"
	"github.com/roach88/docstate/internal/state"
)

// errAlreadyMigrated aborts an update whose migration was applied by a
// concurrent load between the check and the write.
var errAlreadyMigrated = errors.New("already migrated")

// Applied records one migration written by Migrate.
type Applied struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Change  string `json:"change"`
	Version uint64 `json:"version"`
}

// Engine holds registered schemas and migrates documents of a store.
//
// Engine is safe for concurrent use.
type Engine struct {
	store  *state.DocumentStore
	obs    *state.ChangeObservable
	logger *slog.Logger

	mu       sync.RWMutex
	schemas  map[string]Schema
	bindings map[string]string // namespace -> schema name
}

// Option configures an Engine.
type Option func(*Engine)

// WithObservable makes every applied migration emit a change event.
func WithObservable(obs *state.ChangeObservable) Option {
	return func(e *Engine) { e.obs = obs }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine migrating documents of store.
func New(store *state.DocumentStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		logger:   slog.Default(),
		schemas:  make(map[string]Schema),
		bindings: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterSchema validates s, computes its hash and binds its namespaces.
// A registration replaces any earlier schema with the same name,
// including that schema's namespace bindings.
func (e *Engine) RegisterSchema(s Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	hash, err := s.ComputeHash()
	if err != nil {
		return fmt.Errorf("schema %s: %w", s.Name, err)
	}
	s.Hash = hash
	s.Migrations = append([]Migration(nil), s.Migrations...)

	e.mu.Lock()
	defer e.mu.Unlock()
	for ns, name := range e.bindings {
		if name == s.Name {
			delete(e.bindings, ns)
		}
	}
	e.schemas[s.Name] = s
	for _, ns := range s.namespaces() {
		e.bindings[ns] = s.Name
	}
	e.logger.Info("schema registered", "schema", s.Name, "version", s.Version, "hash", hash, "migrations", len(s.Migrations))
	return nil
}

// Schema returns the schema registered under name.
func (e *Engine) Schema(name string) (Schema, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.schemas[name]
	return s, ok
}

// Schemas returns every registered schema sorted by name.
func (e *Engine) Schemas() []Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Schema, 0, len(e.schemas))
	for _, s := range e.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SchemaFor returns the schema bound to namespace.
func (e *Engine) SchemaFor(namespace string) (Schema, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	name, ok := e.bindings[namespace]
	if !ok {
		return Schema{}, state.NewSchemaNotFoundError(namespace)
	}
	return e.schemas[name], nil
}

// LoadWithMigration returns a handle to id after bringing it up to its
// namespace's schema version. A document already at the target version
// is returned without any write.
func (e *Engine) LoadWithMigration(ctx context.Context, id ident.DocumentID) (*state.DocumentHandle, error) {
	h, _, err := e.Migrate(ctx, id)
	return h, err
}

// Migrate is LoadWithMigration that also reports the migrations it wrote.
//
// Each migration commits through the store's atomic update path, so a
// failing migration leaves the document at the last one that succeeded.
func (e *Engine) Migrate(ctx context.Context, id ident.DocumentID) (*state.DocumentHandle, []Applied, error) {
	schema, err := e.SchemaFor(id.Namespace)
	if err != nil {
		return nil, nil, err
	}
	h, err := e.store.Get(id)
	if err != nil {
		return nil, nil, err
	}

	var applied []Applied
	for _, m := range schema.Migrations {
		if err := ctx.Err(); err != nil {
			return nil, applied, err
		}
		current, runnable, err := inspect(h, m)
		if err != nil {
			return nil, applied, err
		}
		if current == schema.Version {
			break
		}
		if !runnable {
			continue
		}
		step, err := e.apply(h, schema, m)
		if errors.Is(err, errAlreadyMigrated) {
			continue
		}
		if err != nil {
			return nil, applied, fmt.Errorf("migrate %s %s -> %s: %w", id, m.From(), m.To(), err)
		}
		applied = append(applied, step)
	}

	current, _, err := inspect(h, nil)
	if err != nil {
		return nil, applied, err
	}
	if current != schema.Version {
		return nil, applied, fmt.Errorf("%w: %s is at %s, schema %s targets %s",
			ErrNoMigrationPath, id, current, schema.Name, schema.Version)
	}
	return h, applied, nil
}

// MigrateNamespace migrates every document in namespace and returns the
// number of migrations written. It stops at the first failure.
func (e *Engine) MigrateNamespace(ctx context.Context, namespace string) (int, error) {
	if _, err := e.SchemaFor(namespace); err != nil {
		return 0, err
	}
	total := 0
	for _, id := range e.store.ListNamespace(namespace) {
		_, applied, err := e.Migrate(ctx, id)
		total += len(applied)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) apply(h *state.DocumentHandle, schema Schema, m Migration) (Applied, error) {
	actor, err := ActorFor(schema.Name, m)
	if err != nil {
		return Applied{}, err
	}
	final := m.To() == schema.Version
	opts := state.UpdateOptions{
		Actor:         actor,
		Message:       commitMessage(schema.Name, m),
		Deterministic: true,
	}
	res, err := h.UpdateReactiveWith(e.obs, opts, func(doc *docmodel.Doc) error {
		if !m.CanMigrate(doc) {
			return errAlreadyMigrated
		}
		if err := m.Migrate(doc); err != nil {
			return err
		}
		if err := SetVersion(doc, m.To()); err != nil {
			return err
		}
		if final && schema.Constraint != nil {
			return schema.Constraint.Validate(doc)
		}
		return nil
	})
	if err != nil {
		return Applied{}, err
	}
	e.logger.Info("migration applied",
		"doc", h.ID().String(),
		"schema", schema.Name,
		"from", m.From(),
		"to", m.To(),
		"version", res.Version,
	)
	return Applied{From: m.From(), To: m.To(), Change: res.Change, Version: res.Version}, nil
}

// inspect reads h's marker and, for a non-nil m, whether m can run.
func inspect(h *state.DocumentHandle, m Migration) (string, bool, error) {
	var (
		current  string
		runnable bool
	)
	err := h.Read(func(doc *docmodel.Doc) error {
		var verr error
		current, verr = Version(doc)
		if verr != nil {
			return state.WrapDocumentModel(h.ID(), verr)
		}
		if m != nil {
			runnable = m.CanMigrate(doc)
		}
		return nil
	})
	return current, runnable, err
}
