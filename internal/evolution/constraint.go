package evolution

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/docstate/internal/docmodel"
)

// Constraint is a CUE schema that migrated documents must satisfy.
//
// The document is unified with the constraint as a plain value tree; the
// schema marker is removed first so constraints need not mention it.
// Unless the source closes its structs, fields the constraint does not
// name are allowed.
type Constraint struct {
	src string

	mu  sync.Mutex // cue contexts are not safe for concurrent use
	ctx *cue.Context
	val cue.Value
}

// CompileConstraint parses CUE source.
func CompileConstraint(src string) (*Constraint, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("constraint.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile constraint: %w", formatCUEError(err))
	}
	return &Constraint{src: src, ctx: ctx, val: v}, nil
}

// Source returns the CUE source the constraint was compiled from.
func (c *Constraint) Source() string { return c.src }

// Validate checks doc against the constraint.
func (c *Constraint) Validate(doc *docmodel.Doc) error {
	data, err := doc.ToMap()
	if err != nil {
		return fmt.Errorf("constraint: read document: %w", err)
	}
	return c.ValidateMap(data)
}

// ValidateMap checks a plain value tree against the constraint.
func (c *Constraint) ValidateMap(data map[string]any) error {
	clean := make(map[string]any, len(data))
	for k, v := range data {
		if k == markerRoot {
			continue
		}
		clean[k] = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.ctx.Encode(clean)
	if err := v.Err(); err != nil {
		return fmt.Errorf("constraint: encode document: %w", err)
	}
	u := c.val.Unify(v)
	if err := u.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("constraint violated: %w", formatCUEError(err))
	}
	return nil
}

// ConstraintError is a CUE failure with its source position, if known.
type ConstraintError struct {
	Message string
	Pos     token.Pos
}

func (e *ConstraintError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// formatCUEError reduces a CUE error list to its first error, keeping the
// position when CUE reports one.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	ce := &ConstraintError{Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
