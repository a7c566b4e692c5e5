package state

import (
	"errors"
	"fmt"

	"github.com/roach88/docstate/internal/docmodel"
)

// Mutation is one bounded edit to one document.
//
// Transactions stage Mutations instead of arbitrary closures so that a
// staged transaction can be logged, described and replayed. Put, Delete
// and Increment cover the common cases; MutationFunc adapts an in-process
// function when nothing else fits.
type Mutation interface {
	Apply(doc *docmodel.Doc) error
}

// MutationFunc adapts a function to Mutation.
type MutationFunc func(doc *docmodel.Doc) error

// Apply calls f.
func (f MutationFunc) Apply(doc *docmodel.Doc) error { return f(doc) }

func (f MutationFunc) String() string { return "func" }

// Put stores Value at Path.
type Put struct {
	Path  string `json:"path" yaml:"path"`
	Value any    `json:"value" yaml:"value"`
}

func (m Put) Apply(doc *docmodel.Doc) error { return doc.Put(m.Path, m.Value) }

func (m Put) String() string { return fmt.Sprintf("put %s=%v", m.Path, m.Value) }

// Delete removes Path.
type Delete struct {
	Path string `json:"path" yaml:"path"`
}

func (m Delete) Apply(doc *docmodel.Doc) error { return doc.Delete(m.Path) }

func (m Delete) String() string { return "delete " + m.Path }

// Increment adds Delta to the integer at Path.
type Increment struct {
	Path  string `json:"path" yaml:"path"`
	Delta int64  `json:"delta" yaml:"delta"`
}

func (m Increment) Apply(doc *docmodel.Doc) error { return doc.Increment(m.Path, m.Delta) }

func (m Increment) String() string { return fmt.Sprintf("increment %s by %d", m.Path, m.Delta) }

// Sequence applies its mutations in order as one mutation.
type Sequence []Mutation

func (s Sequence) Apply(doc *docmodel.Doc) error {
	for i, m := range s {
		if err := m.Apply(doc); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// Fail is a mutation that always fails. Useful to abort a transaction
// from declarative inputs.
type Fail struct {
	Reason string `json:"reason" yaml:"reason"`
}

func (m Fail) Apply(*docmodel.Doc) error { return errors.New(m.Reason) }

// Describe renders a mutation for logs.
func Describe(m Mutation) string {
	if s, ok := m.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", m)
}
