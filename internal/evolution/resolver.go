package evolution

import (
	"fmt"

	"github.com/roach88/docstate/internal/docmodel"
)

// ConflictResolver merges replicas that were migrated independently.
//
// Merging is safe because migrations write with deterministic actors:
// the same migration applied on two forks yields the same change, so the
// merge sees it once.
type ConflictResolver struct{}

// Resolve returns a new document holding the merge of b into a. Neither
// input is modified.
func (ConflictResolver) Resolve(a, b *docmodel.Doc) (*docmodel.Doc, error) {
	merged, err := a.Fork()
	if err != nil {
		return nil, fmt.Errorf("resolve: fork: %w", err)
	}
	if a == b {
		return merged, nil
	}
	if err := merged.Merge(b); err != nil {
		return nil, fmt.Errorf("resolve: merge: %w", err)
	}
	return merged, nil
}

// VerifyVersion returns the schema version shared by a and b, or an error
// if their markers differ.
func (ConflictResolver) VerifyVersion(a, b *docmodel.Doc) (string, error) {
	va, err := Version(a)
	if err != nil {
		return "", err
	}
	vb, err := Version(b)
	if err != nil {
		return "", err
	}
	if va != vb {
		return "", fmt.Errorf("schema version mismatch: %s vs %s", va, vb)
	}
	return va, nil
}
