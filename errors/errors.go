// Package errors provides error handling for Nebular.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Marking errors with a sentinel identity (errors.Mark)
//
// Usage:
//
//	// Wrap with context
//	if err := store.UpsertJob(ctx, job); err != nil {
//	    return errors.Mark(errors.Wrap(err, "upsert job"), errors.ErrStoreUnavailable)
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrAlreadyInProgress) {
//	    // report a conflict, not a failure
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	GetAllHints  = crdb.GetAllHints
	FlattenHints = crdb.FlattenHints
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf   = crdb.AssertionFailedf
	IsAssertionFailure = crdb.IsAssertionFailure
)

// Sentinels shared across the pull scheduler.
// Use these with errors.Is(); wrap or Mark them to add context.
var (
	// ErrAlreadyInProgress indicates a pull was requested while another holds the guard.
	// Callers surface it as a conflict and never retry it internally.
	ErrAlreadyInProgress = New("pull already in progress")

	// ErrStoreUnavailable indicates the job/source store failed. Fatal to a pull invocation.
	ErrStoreUnavailable = New("store unavailable")

	// ErrTransientFetch classifies a fetch failure that may succeed on retry
	ErrTransientFetch = New("transient fetch error")

	// ErrPermanentFetch classifies a fetch failure that will not succeed on retry
	ErrPermanentFetch = New("permanent fetch error")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsAlreadyInProgress checks if an error is or wraps ErrAlreadyInProgress
func IsAlreadyInProgress(err error) bool {
	return err != nil && Is(err, ErrAlreadyInProgress)
}

// IsStoreUnavailable checks if an error is or is marked as ErrStoreUnavailable
func IsStoreUnavailable(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// MarkStoreUnavailable wraps err with context and marks it fatal to the current pull.
// Returns nil for a nil err.
func MarkStoreUnavailable(err error, context string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, context), ErrStoreUnavailable)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
