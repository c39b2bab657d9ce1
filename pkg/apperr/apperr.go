// Package apperr defines the error taxonomy shared by the scoring core and the
// use-case layer.
//
// Every error produced by the repository wraps one of the sentinel values
// below so callers can branch with [errors.Is] without inspecting internals:
//
//   - [ErrValidation] for malformed or out-of-range input, raised at
//     construction time. Never accompanied by a partially valid object.
//   - [ErrInvalidTransition] for operations requested against an entity in a
//     state that forbids them.
//   - [ErrNotFound] for references to entities that do not exist.
//   - [ErrComputation] for degenerate scoring input.
//   - [ErrConflict] for lost-update protection (stale version, out-of-order
//     append).
//
// The typed errors ([ValidationError], [TransitionError], [NotFoundError])
// carry the diagnostic detail and unwrap to their sentinel.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition marks an operation that is illegal in the entity's
	// current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotFound marks a reference to an entity that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrComputation marks scoring input that could not be resolved.
	ErrComputation = errors.New("computation failed")

	// ErrConflict marks a concurrent modification detected by a store.
	ErrConflict = errors.New("conflicting concurrent update")
)

// ValidationError describes every invariant violation found while building
// Entity. Err is usually an [errors.Join] of individual problems.
type ValidationError struct {
	Entity string
	Err    error
}

// Error implements error.
func (e *ValidationError) Error() string {
	msg := strings.ReplaceAll(e.Err.Error(), "\n", "; ")
	return fmt.Sprintf("%s: invalid: %s", e.Entity, msg)
}

// Unwrap exposes both the sentinel and the underlying problems.
func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Err} }

// Validation returns a [*ValidationError] for entity when errs contains at
// least one non-nil error, and nil otherwise.
func Validation(entity string, errs ...error) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	return &ValidationError{Entity: entity, Err: joined}
}

// Invalid is a shorthand for a single-problem [ValidationError].
func Invalid(entity, format string, args ...any) error {
	return &ValidationError{Entity: entity, Err: fmt.Errorf(format, args...)}
}

// TransitionError reports a state-machine violation: Op was attempted while
// the entity was in state From. Allowed lists the states Op is legal from.
type TransitionError struct {
	Entity  string
	Op      string
	From    string
	Allowed []string
}

// Error implements error.
func (e *TransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("%s: cannot %s from state %q", e.Entity, e.Op, e.From)
	}
	return fmt.Sprintf("%s: cannot %s from state %q (allowed from: %s)",
		e.Entity, e.Op, e.From, strings.Join(e.Allowed, ", "))
}

// Unwrap returns [ErrInvalidTransition].
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Transition builds a [*TransitionError].
func Transition(entity, op, from string, allowed ...string) error {
	return &TransitionError{Entity: entity, Op: op, From: from, Allowed: allowed}
}

// NotFoundError reports that the entity of Kind with ID does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

// Error implements error.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Unwrap returns [ErrNotFound].
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a [*NotFoundError].
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Conflict wraps [ErrConflict] with a description of what raced.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Category values returned by [Category].
const (
	CategoryValidation  = "validation"
	CategoryState       = "state"
	CategoryNotFound    = "not_found"
	CategoryConflict    = "conflict"
	CategoryComputation = "computation"
	CategoryInternal    = "internal"
)

// Category maps err onto a coarse, user-facing error category. Unknown errors
// are reported as [CategoryInternal].
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, ErrInvalidTransition):
		return CategoryState
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrConflict):
		return CategoryConflict
	case errors.Is(err, ErrComputation):
		return CategoryComputation
	default:
		return CategoryInternal
	}
}
