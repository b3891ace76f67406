// Package errors is the error vocabulary for vigil.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping, hints and details from one import, and defines the
// sentinels the stores, the rule engine and the admission loop share.
//
//	if err := store.UpdateJob(ctx, job); err != nil {
//	    return errors.Wrapf(err, "redefer job %s", job.ID)
//	}
//
//	if errors.Is(err, errors.ErrNotFound) {
//	    // 404
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithMessage   = crdb.WithMessage
	WithMessagef  = crdb.WithMessagef
	Mark          = crdb.Mark
	CombineErrors = crdb.CombineErrors
)

// Details and hints
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinels. Wrap them to add context; test with Is.
var (
	// ErrNotFound indicates the requested rule, job or execution does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (bad rule, bad report, bad job)
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a compare-and-swap on a job row lost the race
	ErrConflict = New("conflict")

	// ErrInvalidTransition indicates a job state change the lifecycle does not allow
	ErrInvalidTransition = New("invalid state transition")

	// ErrUnknownOperator indicates a rule condition uses an operator vigil does not implement
	ErrUnknownOperator = New("unknown condition operator")

	// ErrUnknownAction indicates a rule action type with no registered handler
	ErrUnknownAction = New("unknown action type")

	// ErrTimeout indicates a bounded operation (probe sample, capture query) ran out of time
	ErrTimeout = New("operation timed out")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequest reports whether err is or wraps ErrInvalidRequest.
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
