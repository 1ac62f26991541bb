// Package pipeline implements the video-message generation pipeline: the
// orchestrator walks each task through its stages, borrowing GPU slots,
// calling the external engines, storing artifacts, and publishing
// progress. Failures roll back every artifact the task registered.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/avatarr/internal/engine"
	"github.com/jmylchreest/avatarr/internal/registry"
)

// ErrorKind classifies a task failure.
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "invalid_input"
	KindNoPerson     ErrorKind = "no_person"
	KindEngineError  ErrorKind = "engine_error"
	KindTimeout      ErrorKind = "timeout"
	KindCanceled     ErrorKind = "canceled"
	KindOverloaded   ErrorKind = "overloaded"
	KindStorageError ErrorKind = "storage_error"
	KindInternal     ErrorKind = "internal"
)

// Error is a classified pipeline failure carrying the stage it surfaced in.
type Error struct {
	Kind    ErrorKind
	Stage   registry.Stage
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a classified failure.
func newError(kind ErrorKind, stage registry.Stage, message string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Err: err}
}

// classify maps an arbitrary error surfaced in a stage to a pipeline
// Error. Context cancellation means the task was canceled; a deadline
// means the stage timed out; engine errors keep their semantic kind.
func classify(err error, stage registry.Stage) *Error {
	var pipeErr *Error
	if errors.As(err, &pipeErr) {
		if pipeErr.Stage == "" {
			pipeErr.Stage = stage
		}
		return pipeErr
	}

	if errors.Is(err, context.Canceled) {
		return newError(KindCanceled, stage, "task canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, stage, "stage deadline exceeded", err)
	}

	var engErr *engine.Error
	if errors.As(err, &engErr) {
		kind := KindEngineError
		switch engErr.Kind {
		case engine.KindNoPerson:
			kind = KindNoPerson
		case engine.KindInvalidImage:
			kind = KindInvalidInput
		}
		return newError(kind, stage, engErr.Error(), err)
	}

	return newError(KindInternal, stage, err.Error(), err)
}

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) ErrorKind {
	var pipeErr *Error
	if errors.As(err, &pipeErr) {
		return pipeErr.Kind
	}
	return KindInternal
}
