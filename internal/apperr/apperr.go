// Package apperr defines the error kinds returned by the session core.
// Every kind maps onto the error_kind field of a tool response.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindSessionNotFound   Kind = "SessionNotFound"
	KindSessionExpired    Kind = "SessionExpired"
	KindNothingToUndo     Kind = "NothingToUndo"
	KindNothingToRedo     Kind = "NothingToRedo"
	KindOperationNotFound Kind = "OperationNotFound"
	KindHistoryTruncated  Kind = "HistoryTruncated"
	KindInvalidConfig     Kind = "InvalidConfig"
	KindAutoSaveFailure   Kind = "AutoSaveFailure"
	KindStorageIO         Kind = "StorageIOError"
	KindInvalidOperation  Kind = "InvalidOperation"
	KindInternal          Kind = "Internal"
)

// Error is a failure tagged with a Kind.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so sentinels work with errors.Is regardless of details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithDetails returns a copy carrying extra detail text.
func (e *Error) WithDetails(format string, args ...any) *Error {
	return &Error{
		Kind:    e.Kind,
		Message: e.Message,
		Details: fmt.Sprintf(format, args...),
		Cause:   e.Cause,
	}
}

// WithCause returns a copy wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	return &Error{
		Kind:    e.Kind,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// KindOf extracts the Kind of err. Untagged errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrSessionNotFound   = New(KindSessionNotFound, "session not found")
	ErrSessionExpired    = New(KindSessionExpired, "session expired")
	ErrNothingToUndo     = New(KindNothingToUndo, "nothing to undo")
	ErrNothingToRedo     = New(KindNothingToRedo, "nothing to redo")
	ErrOperationNotFound = New(KindOperationNotFound, "operation not found in history")
	ErrHistoryTruncated  = New(KindHistoryTruncated, "snapshot for this point was pruned from history")
	ErrInvalidConfig     = New(KindInvalidConfig, "invalid configuration")
	ErrAutoSaveFailure   = New(KindAutoSaveFailure, "auto-save failed")
	ErrStorageIO         = New(KindStorageIO, "storage I/O error")
	ErrInvalidOperation  = New(KindInvalidOperation, "invalid operation")
)
