package evolution

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/roach88/docstate/internal/docmodel"
)

// SchemaFile is the YAML form of a schema.
//
//	name: users
//	version: 2.0.0
//	namespaces: [users]
//	migrations:
//	  - from: unversioned
//	    to: 1.0.0
//	    set:
//	      profile/photo: '""'
//	  - from: 1.0.0
//	    to: 2.0.0
//	    when: 'doc.legacy_name != nil'
//	    set:
//	      display_name: 'upper(doc.legacy_name)'
//	    delete: [legacy_name]
//	constraint: |
//	  display_name?: string
type SchemaFile struct {
	Name       string          `yaml:"name"`
	Version    string          `yaml:"version"`
	Namespaces []string        `yaml:"namespaces,omitempty"`
	Migrations []MigrationSpec `yaml:"migrations"`
	Constraint string          `yaml:"constraint,omitempty"`
}

// MigrationSpec is one declared migration.
//
// When and the values of Set are expr expressions evaluated against the
// document as it was before the migration. The document is the variable
// doc and its fields use member access (doc.profile.name), so a field may
// share a name with a builtin such as count or len. Any other variable is
// a compile error.
type MigrationSpec struct {
	From   string            `yaml:"from"`
	To     string            `yaml:"to"`
	When   string            `yaml:"when,omitempty"`
	Set    map[string]string `yaml:"set,omitempty"`
	Delete []string          `yaml:"delete,omitempty"`
}

// LoadSchemaFile reads a YAML schema file.
func LoadSchemaFile(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to read schema file: %w", err)
	}
	s, err := ParseSchema(data)
	if err != nil {
		return Schema{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseSchema parses a YAML schema. Unknown fields are rejected.
func ParseSchema(data []byte) (Schema, error) {
	var file SchemaFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return Schema{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return file.Build()
}

// Build compiles the file into a Schema.
func (f SchemaFile) Build() (Schema, error) {
	s := Schema{
		Name:       f.Name,
		Version:    f.Version,
		Namespaces: f.Namespaces,
	}
	for i, spec := range f.Migrations {
		m, err := CompileMigration(spec)
		if err != nil {
			return Schema{}, fmt.Errorf("migration %d: %w", i, err)
		}
		s.Migrations = append(s.Migrations, m)
	}
	if f.Constraint != "" {
		c, err := CompileConstraint(f.Constraint)
		if err != nil {
			return Schema{}, err
		}
		s.Constraint = c
	}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// Declarative is a Migration compiled from a MigrationSpec.
type Declarative struct {
	from, to string
	when     *vm.Program
	sets     []assignment
	deletes  []string
}

type assignment struct {
	path string
	prog *vm.Program
}

// docVar is the single variable an expression sees.
const docVar = "doc"

// exprOptions forbid the clock so that evaluation is a function of the
// document alone.
func exprOptions(extra ...expr.Option) []expr.Option {
	return append([]expr.Option{
		expr.Env(map[string]any{docVar: map[string]any{}}),
		expr.DisableBuiltin("now"),
	}, extra...)
}

// CompileMigration compiles spec's expressions.
func CompileMigration(spec MigrationSpec) (*Declarative, error) {
	d := &Declarative{from: spec.From, to: spec.To, deletes: append([]string(nil), spec.Delete...)}
	if spec.When != "" {
		prog, err := expr.Compile(spec.When, exprOptions(expr.AsBool())...)
		if err != nil {
			return nil, fmt.Errorf("when %q: %w", spec.When, err)
		}
		d.when = prog
	}

	// Writes happen in path order so every replica emits the same ops.
	paths := make([]string, 0, len(spec.Set))
	for p := range spec.Set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if _, err := docmodel.SplitPath(p); err != nil || p == "" {
			return nil, fmt.Errorf("set: invalid path %q", p)
		}
		prog, err := expr.Compile(spec.Set[p], exprOptions()...)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
		d.sets = append(d.sets, assignment{path: p, prog: prog})
	}
	for _, p := range d.deletes {
		if _, err := docmodel.SplitPath(p); err != nil || p == "" {
			return nil, fmt.Errorf("delete: invalid path %q", p)
		}
	}
	return d, nil
}

func (d *Declarative) From() string { return d.from }
func (d *Declarative) To() string   { return d.to }

// CanMigrate holds when doc's marker equals From and the when predicate,
// if any, is true.
func (d *Declarative) CanMigrate(doc *docmodel.Doc) bool {
	v, err := Version(doc)
	if err != nil || v != d.from {
		return false
	}
	if d.when == nil {
		return true
	}
	env, err := environment(doc)
	if err != nil {
		return false
	}
	out, err := expr.Run(d.when, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// Migrate evaluates every Set expression, writes the results and then
// applies the deletes.
func (d *Declarative) Migrate(doc *docmodel.Doc) error {
	env, err := environment(doc)
	if err != nil {
		return err
	}
	values := make([]any, len(d.sets))
	for i, a := range d.sets {
		out, err := expr.Run(a.prog, env)
		if err != nil {
			return fmt.Errorf("set %s: %w", a.path, err)
		}
		values[i] = normalize(out)
	}
	for i, a := range d.sets {
		if err := putSorted(doc, a.path, values[i]); err != nil {
			return err
		}
	}
	for _, p := range d.deletes {
		if err := doc.Delete(p); err != nil {
			return err
		}
	}
	return nil
}

// putSorted writes v at path. Maps are written key by key in sorted
// order, so the resulting ops do not depend on map iteration.
func putSorted(doc *docmodel.Doc, path string, v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return doc.Put(path, v)
	}
	if err := doc.Put(path, map[string]any{}); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := putSorted(doc, path+"/"+k, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func environment(doc *docmodel.Doc) (map[string]any, error) {
	data, err := doc.ToMap()
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return map[string]any{docVar: data}, nil
}

// normalize widens expr's integer results to int64, the document model's
// integer type.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = normalize(e)
		}
		return out
	}
	return v
}
