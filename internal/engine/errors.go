package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure. Semantic kinds describe the input or
// the model outcome and are never retried; KindEngineError covers engine
// and transport faults, which the pipeline may retry.
type Kind string

const (
	KindNoPerson     Kind = "no_person"
	KindInvalidImage Kind = "invalid_image"
	KindEngineError  Kind = "engine_error"
)

// Error is a classified engine failure.
type Error struct {
	// Kind is the failure classification.
	Kind Kind
	// Engine names the engine that failed (detector, remover, synthesizer).
	Engine string
	// Message is the engine-reported or transport error description.
	Message string
	// Err is the underlying error, when any.
	Err error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Engine, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Engine, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the pipeline may retry the failed call.
// Only engine/transport faults are retryable; semantic outcomes are not.
func (e *Error) Retryable() bool {
	return e.Kind == KindEngineError
}

// newError builds a classified engine failure.
func newError(engineName string, kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Engine: engineName, Message: message, Err: err}
}

// KindOf extracts the failure kind from an error chain. Unclassified
// errors map to KindEngineError.
func KindOf(err error) Kind {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Kind
	}
	return KindEngineError
}

// IsRetryable reports whether an error from an engine call may be retried.
func IsRetryable(err error) bool {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Retryable()
	}
	return true
}
