// @copyright 2014-Present Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy: Precondition / Conflict / Transient / Fatal.
// Each wraps a pkg/errors stack-carrying cause so the Fatal class can
// populate an operation's errorMessage with stack context.

// PreconditionError signals a client-visible precondition failure:
// index missing, existing operation conflict, invalid state transition.
// No record mutation should follow one of these.
type PreconditionError struct {
	cause error
}

func NewPreconditionError(format string, args ...interface{}) *PreconditionError {
	return &PreconditionError{cause: errors.Errorf(format, args...)}
}

func (e *PreconditionError) Error() string { return e.cause.Error() }
func (e *PreconditionError) Unwrap() error { return e.cause }

// ConflictError signals a store-version (CAS) conflict or a lease
// already held by another worker. The caller retries on the next tick.
type ConflictError struct {
	cause error
}

func NewConflictError(format string, args ...interface{}) *ConflictError {
	return &ConflictError{cause: errors.Errorf(format, args...)}
}

func (e *ConflictError) Error() string { return e.cause.Error() }
func (e *ConflictError) Unwrap() error { return e.cause }

// TransientError signals a non-acknowledged cluster response or a
// failed node-version check: the step fails but the record is not
// marked failed, so the worker retries it on the next poll tick.
type TransientError struct {
	cause error
}

func NewTransientError(format string, args ...interface{}) *TransientError {
	return &TransientError{cause: errors.Errorf(format, args...)}
}

func NewTransientErrorFrom(err error) *TransientError {
	return &TransientError{cause: errors.WithStack(err)}
}

func (e *TransientError) Error() string { return e.cause.Error() }
func (e *TransientError) Unwrap() error { return e.cause }

// FatalError is anything that escapes a step body uncaught. It is
// trapped by the service, written into errorMessage with its stack,
// and triggers status=failed plus cleanup.
type FatalError struct {
	cause error
}

func NewFatalErrorFrom(err error) *FatalError {
	return &FatalError{cause: errors.WithStack(err)}
}

func (e *FatalError) Error() string { return e.cause.Error() }
func (e *FatalError) Unwrap() error { return e.cause }

// StackTrace renders the captured stack, used to populate an
// operation's errorMessage with full context.
func (e *FatalError) StackTrace() string {
	return fmt.Sprintf("%+v", e.cause)
}

func IsPrecondition(err error) bool {
	_, ok := err.(*PreconditionError)
	return ok
}

func IsConflict(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}

func IsTransient(err error) bool {
	_, ok := err.(*TransientError)
	return ok
}
