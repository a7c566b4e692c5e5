package state

import (
	"errors"
	"fmt"

	"github.com/roach88/docstate/internal/ident"
)

// Error is the error type returned by every state component.
//
// Error carries a Code for programmatic handling and, where relevant, the
// affected document and an underlying cause reachable via errors.Unwrap.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// DocumentID identifies the affected document, if any.
	DocumentID ident.DocumentID

	// Details contains additional context (baseline/current versions etc).
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes state errors.
type ErrorCode string

const (
	ErrCodeDocumentNotFound      ErrorCode = "DOCUMENT_NOT_FOUND"
	ErrCodeDocumentAlreadyExists ErrorCode = "DOCUMENT_ALREADY_EXISTS"
	ErrCodeInvalidDocumentID     ErrorCode = "INVALID_DOCUMENT_ID"
	ErrCodeTransactionFailed     ErrorCode = "TRANSACTION_FAILED"
	ErrCodeTransactionConflict   ErrorCode = "TRANSACTION_CONFLICT"
	ErrCodeSerialization         ErrorCode = "SERIALIZATION"
	ErrCodeInvalidPath           ErrorCode = "INVALID_PATH"
	ErrCodeSubscriptionNotFound  ErrorCode = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeOperationQueue        ErrorCode = "OPERATION_QUEUE"
	ErrCodeSnapshot              ErrorCode = "SNAPSHOT"
	ErrCodeSchemaNotFound        ErrorCode = "SCHEMA_NOT_FOUND"

	// ErrCodeDocumentModel wraps errors raised by the document model
	// itself (corrupt bytes, type mismatches inside a document).
	ErrCodeDocumentModel ErrorCode = "DOCUMENT_MODEL"
)

// ErrSubscriptionClosed is returned by Subscription.Recv once the
// subscription is closed and its mailbox drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.DocumentID != (ident.DocumentID{}) {
		msg += fmt.Sprintf(" (doc=%s)", e.DocumentID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HasCode reports whether err (or anything it wraps) is an *Error with code.
func HasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func IsNotFound(err error) bool             { return HasCode(err, ErrCodeDocumentNotFound) }
func IsAlreadyExists(err error) bool        { return HasCode(err, ErrCodeDocumentAlreadyExists) }
func IsInvalidDocumentID(err error) bool    { return HasCode(err, ErrCodeInvalidDocumentID) }
func IsTransactionFailed(err error) bool    { return HasCode(err, ErrCodeTransactionFailed) }
func IsConflict(err error) bool             { return HasCode(err, ErrCodeTransactionConflict) }
func IsSerialization(err error) bool        { return HasCode(err, ErrCodeSerialization) }
func IsInvalidPath(err error) bool          { return HasCode(err, ErrCodeInvalidPath) }
func IsSubscriptionNotFound(err error) bool { return HasCode(err, ErrCodeSubscriptionNotFound) }
func IsQueueError(err error) bool           { return HasCode(err, ErrCodeOperationQueue) }
func IsSnapshotError(err error) bool        { return HasCode(err, ErrCodeSnapshot) }
func IsSchemaNotFound(err error) bool       { return HasCode(err, ErrCodeSchemaNotFound) }
func IsDocumentModel(err error) bool        { return HasCode(err, ErrCodeDocumentModel) }

// NewNotFoundError creates an Error for a missing document.
func NewNotFoundError(id ident.DocumentID) *Error {
	return &Error{Code: ErrCodeDocumentNotFound, Message: "document not found", DocumentID: id}
}

// NewAlreadyExistsError creates an Error for a create against a taken id.
func NewAlreadyExistsError(id ident.DocumentID) *Error {
	return &Error{Code: ErrCodeDocumentAlreadyExists, Message: "document already exists", DocumentID: id}
}

// NewInvalidDocumentIDError wraps an id validation failure.
func NewInvalidDocumentIDError(err error) *Error {
	return &Error{Code: ErrCodeInvalidDocumentID, Message: "invalid document id", Err: err}
}

// NewTransactionFailedError reports a staged mutation that failed during
// commit, or misuse of a finished transaction.
func NewTransactionFailedError(txID string, id ident.DocumentID, err error) *Error {
	return &Error{
		Code:       ErrCodeTransactionFailed,
		Message:    "transaction failed",
		DocumentID: id,
		Details:    map[string]string{"transaction": txID},
		Err:        err,
	}
}

// NewConflictError reports a failed baseline revalidation.
func NewConflictError(txID string, id ident.DocumentID, baseline, current uint64, deleted bool) *Error {
	msg := fmt.Sprintf("document changed since first touch (baseline %d, current %d)", baseline, current)
	if deleted {
		msg = "document deleted since first touch"
	}
	return &Error{
		Code:       ErrCodeTransactionConflict,
		Message:    msg,
		DocumentID: id,
		Details: map[string]string{
			"transaction": txID,
			"baseline":    fmt.Sprintf("%d", baseline),
			"current":     fmt.Sprintf("%d", current),
		},
	}
}

// NewSerializationError wraps an encode/decode failure.
func NewSerializationError(message string, err error) *Error {
	return &Error{Code: ErrCodeSerialization, Message: message, Err: err}
}

// NewInvalidPathError reports a malformed subscription pattern or path.
func NewInvalidPathError(pattern string, err error) *Error {
	return &Error{Code: ErrCodeInvalidPath, Message: fmt.Sprintf("invalid path %q", pattern), Err: err}
}

// NewSubscriptionNotFoundError reports an unknown subscription id.
func NewSubscriptionNotFoundError(id SubscriptionID) *Error {
	return &Error{Code: ErrCodeSubscriptionNotFound, Message: fmt.Sprintf("subscription %d not found", id)}
}

// NewQueueError reports an operation queue failure.
func NewQueueError(message string) *Error {
	return &Error{Code: ErrCodeOperationQueue, Message: message}
}

// NewSnapshotError reports a snapshot failure.
func NewSnapshotError(id ident.DocumentID, message string, err error) *Error {
	return &Error{Code: ErrCodeSnapshot, Message: message, DocumentID: id, Err: err}
}

// NewSchemaNotFoundError reports a missing schema registration.
func NewSchemaNotFoundError(name string) *Error {
	return &Error{Code: ErrCodeSchemaNotFound, Message: fmt.Sprintf("schema %q not registered", name)}
}

// WrapDocumentModel passes a document model error through with context.
// Returns nil for a nil err. Errors that already carry a code are
// returned unchanged.
func WrapDocumentModel(id ident.DocumentID, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Code: ErrCodeDocumentModel, Message: "document model error", DocumentID: id, Err: err}
}
