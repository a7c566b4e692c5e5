package evolution

import (
	"errors"
	"fmt"

	"github.com/roach88/docstate/internal/docmodel"
	"github.com/roach88/docstate/internal/ident"
)

const (
	// MarkerPath is where a document records its schema version.
	MarkerPath = "__schema_version/version"

	// markerRoot is the map holding MarkerPath.
	markerRoot = "__schema_version"

	// Unversioned is the version of a document without a marker.
	Unversioned = "unversioned"
)

// ErrNoMigrationPath is returned when no registered migration can bring
// a document from its current version to the schema's target.
var ErrNoMigrationPath = errors.New("no migration path")

// Migration upgrades a document from one schema version to the next.
// Implementations are stateless and may be shared across documents.
type Migration interface {
	From() string
	To() string

	// CanMigrate reports whether Migrate should run on doc. It must not
	// modify doc and must return false once the migration's effect is
	// present.
	CanMigrate(doc *docmodel.Doc) bool

	// Migrate edits doc. The caller commits the edits and sets the marker.
	Migrate(doc *docmodel.Doc) error
}

// Step is a Migration built from functions.
//
// The zero Check runs Step whenever the document's marker equals From.
// A non-nil Check is consulted in addition to the marker test.
type Step struct {
	FromVersion string
	ToVersion   string
	Check       func(doc *docmodel.Doc) bool
	Apply       func(doc *docmodel.Doc) error
}

func (s Step) From() string { return s.FromVersion }
func (s Step) To() string   { return s.ToVersion }

func (s Step) CanMigrate(doc *docmodel.Doc) bool {
	v, err := Version(doc)
	if err != nil || v != s.FromVersion {
		return false
	}
	return s.Check == nil || s.Check(doc)
}

func (s Step) Migrate(doc *docmodel.Doc) error {
	if s.Apply == nil {
		return nil
	}
	return s.Apply(doc)
}

// Schema describes the target version of a family of documents and the
// chain of migrations leading to it.
type Schema struct {
	Name    string
	Version string

	// Namespaces bound to this schema. Empty binds the namespace equal to
	// Name.
	Namespaces []string

	// Migrations in application order. Each step's From must equal the
	// previous step's To and the last To must equal Version.
	Migrations []Migration

	// Constraint, when set, must hold for every document the chain
	// finishes migrating.
	Constraint *Constraint

	// Hash is filled in by Engine.RegisterSchema.
	Hash string
}

// Validate checks the schema's chain.
func (s Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if s.Version == "" {
		return fmt.Errorf("schema %s: version is required", s.Name)
	}
	if s.Version == Unversioned {
		return fmt.Errorf("schema %s: target version cannot be %q", s.Name, Unversioned)
	}
	for i, m := range s.Migrations {
		if m == nil {
			return fmt.Errorf("schema %s: migration %d is nil", s.Name, i)
		}
		if m.From() == "" || m.To() == "" {
			return fmt.Errorf("schema %s: migration %d: from and to are required", s.Name, i)
		}
		if m.From() == m.To() {
			return fmt.Errorf("schema %s: migration %d: from equals to (%s)", s.Name, i, m.To())
		}
		if i > 0 && m.From() != s.Migrations[i-1].To() {
			return fmt.Errorf("schema %s: migration %d starts at %s, previous ends at %s",
				s.Name, i, m.From(), s.Migrations[i-1].To())
		}
	}
	if n := len(s.Migrations); n > 0 && s.Migrations[n-1].To() != s.Version {
		return fmt.Errorf("schema %s: chain ends at %s, target is %s", s.Name, s.Migrations[n-1].To(), s.Version)
	}
	return nil
}

// ComputeHash returns the content hash of the schema's name, target
// version and chain edges.
func (s Schema) ComputeHash() (string, error) {
	edges := make([][2]string, len(s.Migrations))
	for i, m := range s.Migrations {
		edges[i] = [2]string{m.From(), m.To()}
	}
	return ident.SchemaHash(s.Name, s.Version, edges)
}

func (s Schema) namespaces() []string {
	if len(s.Namespaces) == 0 {
		return []string{s.Name}
	}
	return s.Namespaces
}

// Version reads doc's schema marker. A missing marker is Unversioned.
func Version(doc *docmodel.Doc) (string, error) {
	v, ok, err := doc.GetString(MarkerPath)
	if err != nil {
		return "", fmt.Errorf("read schema marker: %w", err)
	}
	if !ok {
		return Unversioned, nil
	}
	return v, nil
}

// SetVersion writes doc's schema marker.
func SetVersion(doc *docmodel.Doc, version string) error {
	return doc.Put(MarkerPath, version)
}

// ActorFor returns the actor every replica uses to apply m under schema.
func ActorFor(schema string, m Migration) (string, error) {
	return ident.MigrationActorID(schema, m.From(), m.To())
}

// commitMessage is the fixed change message for a migration.
func commitMessage(schema string, m Migration) string {
	return fmt.Sprintf("migrate %s %s -> %s", schema, m.From(), m.To())
}
