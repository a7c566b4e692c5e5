package state

import (
	"fmt"
	"time"

	"github.com/roach88/docstate/internal/ident"
)

// OpKind is the kind of a queued operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Operation is one pending mutation in the OperationQueue.
//
// Change holds the raw automerge change bytes for OpUpdate and is empty
// otherwise. Timestamp is unix milliseconds.
type Operation struct {
	ID             uint64           `json:"id"`
	Kind           OpKind           `json:"kind"`
	DocumentID     ident.DocumentID `json:"document"`
	Change         []byte           `json:"change,omitempty"`
	Timestamp      int64            `json:"timestamp"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	RetryCount     uint32           `json:"retry_count"`
}

// NewCreateOperation returns a create operation for id.
func NewCreateOperation(id ident.DocumentID) Operation {
	return Operation{Kind: OpCreate, DocumentID: id}
}

// NewUpdateOperation returns an update operation carrying change bytes.
func NewUpdateOperation(id ident.DocumentID, change []byte) Operation {
	return Operation{Kind: OpUpdate, DocumentID: id, Change: append([]byte(nil), change...)}
}

// NewDeleteOperation returns a delete operation for id.
func NewDeleteOperation(id ident.DocumentID) Operation {
	return Operation{Kind: OpDelete, DocumentID: id}
}

// WithKey returns a copy of op carrying an idempotency key.
func (op Operation) WithKey(key string) Operation {
	op.IdempotencyKey = key
	return op
}

// Time returns Timestamp as a time.Time.
func (op Operation) Time() time.Time {
	return time.UnixMilli(op.Timestamp).UTC()
}

func (op Operation) String() string {
	s := fmt.Sprintf("#%d %s %s", op.ID, op.Kind, op.DocumentID)
	if op.IdempotencyKey != "" {
		s += " key=" + op.IdempotencyKey
	}
	if op.RetryCount > 0 {
		s += fmt.Sprintf(" retry=%d", op.RetryCount)
	}
	return s
}

func (op Operation) validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if err := op.DocumentID.Validate(); err != nil {
		return err
	}
	if op.Kind == OpUpdate && len(op.Change) == 0 {
		return fmt.Errorf("update operation without change bytes")
	}
	return nil
}
