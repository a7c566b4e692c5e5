package ident

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidDocumentID is returned when a document id cannot be parsed or
// has an empty component.
var ErrInvalidDocumentID = errors.New("invalid document id")

// DocumentID identifies a document by namespace and id.
// Two DocumentIDs are equal iff both fields are equal, so the struct is
// usable directly as a map key.
type DocumentID struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	ID        string `json:"id" yaml:"id"`
}

// NewDocumentID builds a DocumentID with both parts NFC normalized.
// It does not validate; use Validate or ParseDocumentID for untrusted input.
func NewDocumentID(namespace, id string) DocumentID {
	return DocumentID{
		Namespace: norm.NFC.String(namespace),
		ID:        norm.NFC.String(id),
	}
}

// ParseDocumentID parses the "namespace/id" form. The namespace ends at the
// first slash; the id may itself contain slashes.
func ParseDocumentID(s string) (DocumentID, error) {
	ns, id, ok := strings.Cut(s, "/")
	if !ok {
		return DocumentID{}, fmt.Errorf("%w: %q: expected namespace/id", ErrInvalidDocumentID, s)
	}
	d := NewDocumentID(ns, id)
	if err := d.Validate(); err != nil {
		return DocumentID{}, err
	}
	return d, nil
}

// MustParseDocumentID is like ParseDocumentID but panics on error.
// Use only in tests or for compile-time constants.
func MustParseDocumentID(s string) DocumentID {
	d, err := ParseDocumentID(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Validate reports whether both parts are non-empty and the namespace
// contains no separator.
func (d DocumentID) Validate() error {
	switch {
	case d.Namespace == "":
		return fmt.Errorf("%w: empty namespace", ErrInvalidDocumentID)
	case d.ID == "":
		return fmt.Errorf("%w: empty id in namespace %q", ErrInvalidDocumentID, d.Namespace)
	case strings.Contains(d.Namespace, "/"):
		return fmt.Errorf("%w: namespace %q contains '/'", ErrInvalidDocumentID, d.Namespace)
	}
	return nil
}

// String returns the "namespace/id" form accepted by ParseDocumentID.
func (d DocumentID) String() string {
	return d.Namespace + "/" + d.ID
}

// Less orders ids by namespace then id. Used wherever a deterministic
// iteration order is needed (lock ordering, listings).
func (d DocumentID) Less(o DocumentID) bool {
	if d.Namespace != o.Namespace {
		return d.Namespace < o.Namespace
	}
	return d.ID < o.ID
}
