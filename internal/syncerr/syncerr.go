// Copyright 2024 The Seafowl Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package syncerr defines the stable error discriminants surfaced by the
// sync engine, per spec.md §7. Callers use errors.As to recover a *Error
// and switch on its Kind.
package syncerr

import "github.com/pkg/errors"

// Kind is a stable discriminant for an engine error.
type Kind int

// The error kinds defined by spec.md §7.
const (
	// KindMalformedBatch: role/alignment violations, PK nullability
	// violations. Non-retriable; caller must fix the payload.
	KindMalformedBatch Kind = iota
	// KindUnknownStore: the storage location could not be resolved via
	// the catalog contract.
	KindUnknownStore
	// KindSchemaConflict: an incompatible column type change.
	KindSchemaConflict
	// KindFormatMismatch: the declared format differs from the
	// destination table's existing format.
	KindFormatMismatch
	// KindOverloaded: admission rejection. Retriable after backoff;
	// conveyed as accepted=false, never as a transport error.
	KindOverloaded
	// KindCommitConflict: another writer advanced the table; retried
	// internally up to a cap before being surfaced.
	KindCommitConflict
	// KindIO: object-store or catalog unavailability.
	KindIO
	// KindFatal: invariant violation. The engine stops accepting new
	// messages and terminates after draining.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindMalformedBatch:
		return "MalformedBatch"
	case KindUnknownStore:
		return "UnknownStore"
	case KindSchemaConflict:
		return "SchemaConflict"
	case KindFormatMismatch:
		return "FormatMismatch"
	case KindOverloaded:
		return "Overloaded"
	case KindCommitConflict:
		return "CommitConflict"
	case KindIO:
		return "Io"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Retriable reports whether the kind represents a transient condition
// the caller (or the engine's own retry loop) may retry.
func (k Kind) Retriable() bool {
	switch k {
	case KindOverloaded, KindCommitConflict, KindIO:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carrying a Kind plus the underlying
// cause.
type Error struct {
	kind  Kind
	cause error
}

// New builds an *Error of the given kind, wrapping msg with a stack
// trace the way the teacher wraps ad hoc errors.New calls.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, cause: errors.New(msg)}
}

// Newf builds an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap annotates err with a Kind and msg; errors.Wrap records a stack
// trace at the call site.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrap(err, msg)}
}

// Error implements the error interface.
func (e *Error) Error() string { return e.kind.String() + ": " + e.cause.Error() }

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's discriminant.
func (e *Error) Kind() Kind { return e.kind }

// As extracts a *Error from err, if present.
func As(err error) (*Error, bool) {
	var se *Error
	ok := errors.As(err, &se)
	return se, ok
}
