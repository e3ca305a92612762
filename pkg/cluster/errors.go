/*
Copyright The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cluster

import "fmt"

// ErrorKind enumerates the taxonomy the control plane reports to callers.
// Every fallible operation returns a typed *Error instead of a duck-typed
// success-or-dict value, so api handlers can map Kind directly to a status
// code without string sniffing.
type ErrorKind string

const (
	KindValidation         ErrorKind = "ValidationError"
	KindCapacityExceeded   ErrorKind = "CapacityExceeded"
	KindNotFound           ErrorKind = "NotFound"
	KindRuntimeError       ErrorKind = "RuntimeError"
	KindConflict           ErrorKind = "Conflict"
	KindNoCapacity         ErrorKind = "NoCapacity"
	KindPortExhaustion     ErrorKind = "PortExhaustion"
	KindInvariantViolation ErrorKind = "InvariantViolation"
)

// Error is the sum type every ClusterStore/Scheduler operation returns on
// failure. It wraps an optional underlying cause (e.g. a runtime.APIError)
// without leaking its type to callers that only care about Kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &Error{Kind: KindNotFound}) style matching on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func ValidationError(format string, args ...any) *Error {
	return newErr(KindValidation, format, args...)
}

func CapacityExceededError(format string, args ...any) *Error {
	return newErr(KindCapacityExceeded, format, args...)
}

func NotFoundError(format string, args ...any) *Error {
	return newErr(KindNotFound, format, args...)
}

func RuntimeError(cause error, format string, args ...any) *Error {
	return wrapErr(KindRuntimeError, cause, format, args...)
}

func ConflictError(format string, args ...any) *Error {
	return newErr(KindConflict, format, args...)
}

func NoCapacityError(format string, args ...any) *Error {
	return newErr(KindNoCapacity, format, args...)
}

func PortExhaustionError(format string, args ...any) *Error {
	return newErr(KindPortExhaustion, format, args...)
}

func InvariantViolationError(format string, args ...any) *Error {
	return newErr(KindInvariantViolation, format, args...)
}
