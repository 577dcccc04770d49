// SPDX-License-Identifier: GPL-2.0-or-later

// Package herrors defines the error-kind hierarchy used across the
// clustering pipeline: InvalidInput, MissingData, PreconditionViolation,
// NumericOutOfRange and StructuralInvariant, each carrying the offending
// identifiers so a single stderr line is enough to locate the fault.
package herrors

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
)

// Kind classifies a clustering error for the purposes of the program's
// exit behaviour; all kinds except NumericOutOfRange are fatal.
type Kind int

const (
	InvalidInput Kind = iota
	MissingData
	PreconditionViolation
	NumericOutOfRange
	StructuralInvariant
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid input"
	case MissingData:
		return "missing data"
	case PreconditionViolation:
		return "precondition violation"
	case NumericOutOfRange:
		return "numeric out of range"
	case StructuralInvariant:
		return "structural invariant"
	default:
		return "unknown error"
	}
}

// Error is a typed clustering error. It wraps an optional cause and
// records the kind so callers (and main()) can decide how to react.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// InvalidInputf builds an InvalidInput error: bad ROI syntax, unknown grid
// or linkage name, out-of-range threshold/outlier bound, etc.
func InvalidInputf(format string, args ...any) *Error {
	return newf(InvalidInput, format, args...)
}

// MissingDataf builds a MissingData error: a tract file, index, or block
// that should exist on disk does not.
func MissingDataf(format string, args ...any) *Error {
	return newf(MissingData, format, args...)
}

// PreconditionViolationf builds a PreconditionViolation error: a
// programming error such as calling tractDistance on tracts whose flags
// forbid it, or a length mismatch.
func PreconditionViolationf(format string, args ...any) *Error {
	return newf(PreconditionViolation, format, args...)
}

// StructuralInvariantf builds a StructuralInvariant error: the final tree
// failed its structural check.
func StructuralInvariantf(format string, args ...any) *Error {
	return newf(StructuralInvariant, format, args...)
}

// Wrap attaches a Kind to an existing error, preserving it as Cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Warnf logs a recovered NumericOutOfRange excursion. Per spec §4.1, mild
// rounding excursions are clamped silently; only excursions past the
// 1e-4 margin are logged, and even then processing continues.
func Warnf(ctx context.Context, format string, args ...any) {
	dlog.Warnf(ctx, format, args...)
}
