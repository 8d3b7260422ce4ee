// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package ossclient

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the normalized
// error kinds from the bridge's error-handling design.
type Kind int

const (
	// KindFatal is an unrecoverable error that does not
	// fit any of the more specific kinds below.
	KindFatal Kind = iota
	// KindTransient is a retryable error (5xx, timeout,
	// connection reset, etc).
	KindTransient
	// KindNotFound means the object or prefix does not exist.
	// This is a valid, expected result for Head/List, and is
	// used as the terminator of the path.N probe sequence.
	KindNotFound
	// KindProtocolViolation covers append-to-non-appendable
	// objects, position mismatches, and pre-existing export
	// targets.
	KindProtocolViolation
	// KindOversizeRow means a single row exceeded a configured
	// buffer bound (pipe_block_bytes) and can never be written,
	// regardless of retry.
	KindOversizeRow
	// KindChildProcessFailure means the compressor subprocess
	// exited non-zero. A compressor binary that cannot be found is
	// reported as a KindProtocolViolation instead.
	KindChildProcessFailure
	// KindInternalInvariant means a bug: state the bridge's own
	// contracts should make impossible was observed anyway.
	KindInternalInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not found"
	case KindProtocolViolation:
		return "protocol violation"
	case KindOversizeRow:
		return "oversize row"
	case KindChildProcessFailure:
		return "child process failure"
	case KindInternalInvariant:
		return "internal invariant violation"
	default:
		return "fatal"
	}
}

// Error is the error type returned by every Client operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ossclient: %s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// NewError builds an Error of the given kind. It is exported so
// packages outside ossclient (the writer pipeline, in particular) can
// report OversizeRow and ChildProcessFailure conditions through the
// same normalized error taxonomy the Client itself uses.
func NewError(op string, kind Kind, err error) *Error {
	return newErr(op, kind, err)
}

// ErrNotFound is the sentinel compared against with errors.Is
// to detect a KindNotFound Error.
var ErrNotFound = errors.New("object not found")

// IsNotFound reports whether err is (or wraps) a KindNotFound Error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsTransient reports whether err is (or wraps) a KindTransient Error.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransient
}

// IsProtocolViolation reports whether err is (or wraps) a
// KindProtocolViolation Error.
func IsProtocolViolation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindProtocolViolation
}

// IsOversizeRow reports whether err is (or wraps) a KindOversizeRow Error.
func IsOversizeRow(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindOversizeRow
}

// IsChildProcessFailure reports whether err is (or wraps) a
// KindChildProcessFailure Error.
func IsChildProcessFailure(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindChildProcessFailure
}

// IsInternalInvariant reports whether err is (or wraps) a
// KindInternalInvariant Error.
func IsInternalInvariant(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindInternalInvariant
}
