// Package domainerrors provides code-tagged errors for the domain layer.
//
// Services attach a Code so transports and callers can branch on the class
// of failure without string matching. Infrastructure layers should return
// pkg/platform/sentinel errors instead and let services translate.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	// CodeValidation marks rejected input: empty rationale, unknown option
	// id, malformed rule, unknown pack.
	CodeValidation Code = "validation"
	// CodeNotFound marks a missing entity.
	CodeNotFound Code = "not_found"
	// CodeConflict marks a uniqueness or state conflict that survived the
	// fetch-existing retry.
	CodeConflict Code = "conflict"
	// CodeInvariantViolation marks an illegal state transition or a broken
	// aggregate invariant.
	CodeInvariantViolation Code = "invariant_violation"
	// CodeNotImplemented marks a closed-set variant that has no handler yet.
	CodeNotImplemented Code = "not_implemented"
	// CodeTimeout marks a cancelled or deadline-exceeded operation.
	CodeTimeout Code = "timeout"
	// CodeInternal marks unexpected infrastructure failure.
	CodeInternal Code = "internal"
)

// Error is a domain error with a classification code.
type Error struct {
	code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Code returns the classification code.
func (e *Error) Code() Code { return e.code }

// New creates a domain error with a code and message.
func New(code Code, msg string) error {
	return &Error{code: code, msg: msg}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message. Returns nil
// when err is nil so call sites can wrap unconditionally.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, msg: msg, err: err}
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.code == code
	}
	return false
}

// CodeOf returns the code of the outermost domain error in the chain, or
// CodeInternal when the error carries no code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return CodeInternal
}
