// Package coacherr classifies the failures the coaching core can surface so callers
// can decide between degrading, retrying and aborting.
package coacherr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the category of a coaching-core failure.
type Kind int8

const (
	// KindProviderUnavailable means credentials or configuration for a provider are missing.
	// Components degrade instead of crashing.
	KindProviderUnavailable Kind = iota + 1
	// KindProviderTimeout means a provider call exceeded its deadline. Retryable.
	KindProviderTimeout
	// KindProviderError is any other provider failure. Retryable.
	KindProviderError
	// KindMalformedOutput means a provider answered with something that failed strict decoding.
	KindMalformedOutput
	// KindInvariantViolation means the operation would break a state-machine invariant.
	// Never absorbed.
	KindInvariantViolation
	// KindNotFound means the addressed session or chunk does not exist.
	KindNotFound
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindProviderTimeout:
		return "provider_timeout"
	case KindProviderError:
		return "provider_error"
	case KindMalformedOutput:
		return "malformed_provider_output"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is.
var (
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrProviderTimeout     = &Error{Kind: KindProviderTimeout}
	ErrProviderError       = &Error{Kind: KindProviderError}
	ErrMalformedOutput     = &Error{Kind: KindMalformedOutput}
	ErrInvariantViolation  = &Error{Kind: KindInvariantViolation}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invariant builds an InvariantViolation with a formatted reason.
func Invariant(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvariantViolation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Provider classifies a raw provider error. Deadline and cancellation errors become
// timeouts; already classified errors pass through untouched.
func Provider(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindProviderTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindProviderError, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in the chain, or 0.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderTimeout, KindProviderError:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
