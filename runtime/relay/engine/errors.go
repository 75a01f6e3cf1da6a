package engine

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies engine and activity failures. Kinds survive history
// serialization so a replayed workflow observes the same error class it
// observed on first execution.
type Kind string

const (
	// KindTransient covers network failures and 5xx/429 responses from the run
	// service or the delivery platform. Transient errors are retried by the
	// engine until the activity retry policy is exhausted.
	KindTransient Kind = "transient"
	// KindNotFound reports an unknown run id or record.
	KindNotFound Kind = "not_found"
	// KindBadRequest reports a request rejected by a remote service.
	KindBadRequest Kind = "bad_request"
	// KindTimeout reports a poll that exceeded its total wait bound.
	KindTimeout Kind = "timeout"
	// KindCancelled reports an explicitly cancelled instance.
	KindCancelled Kind = "cancelled"
	// KindPersistenceConflict reports a concurrent write on an instance record.
	KindPersistenceConflict Kind = "persistence_conflict"
	// KindInDoubt reports a non-idempotent call that was scheduled but never
	// resolved before the process stopped. Reissuing it could duplicate a side
	// effect so the instance fails instead.
	KindInDoubt Kind = "in_doubt"
	// KindNondeterminism reports a workflow whose replay diverged from history.
	KindNondeterminism Kind = "nondeterminism"
	// KindInternal covers every other failure.
	KindInternal Kind = "internal"
)

var (
	// ErrTransient matches errors of kind KindTransient.
	ErrTransient = &Error{Kind: KindTransient}
	// ErrNotFound matches errors of kind KindNotFound.
	ErrNotFound = &Error{Kind: KindNotFound}
	// ErrBadRequest matches errors of kind KindBadRequest.
	ErrBadRequest = &Error{Kind: KindBadRequest}
	// ErrTimeout matches errors of kind KindTimeout.
	ErrTimeout = &Error{Kind: KindTimeout}
	// ErrCancelled matches errors of kind KindCancelled.
	ErrCancelled = &Error{Kind: KindCancelled}
	// ErrPersistenceConflict matches errors of kind KindPersistenceConflict.
	ErrPersistenceConflict = &Error{Kind: KindPersistenceConflict}
	// ErrInDoubt matches errors of kind KindInDoubt.
	ErrInDoubt = &Error{Kind: KindInDoubt}
	// ErrNondeterminism matches errors of kind KindNondeterminism.
	ErrNondeterminism = &Error{Kind: KindNondeterminism}
)

// Error is the structured failure type shared by the engine, activities and
// workflows. Use errors.Is with the Err* sentinels to test the kind:
//
//	if errors.Is(err, engine.ErrNotFound) { ... }
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Op names the operation that failed (e.g. "runservice.GetRun").
	Op string
	// Message is the human-readable description.
	Message string
	// Err is the underlying cause, if any. It is not persisted in history.
	Err error
}

// Errorf builds an Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around err. It returns nil when err
// is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a kind sentinel matching e. Only sentinels
// (errors with no op and no message) match by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op != "" || t.Message != "" {
		return t == e
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err. Context cancellation maps to KindCancelled
// and deadline expiry to KindTransient so timed-out attempts are retried.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindInternal
}
