// Package fault carries the engine's error taxonomy. Callers branch on the
// machine-readable code, never on message text.
package fault

import (
	"errors"
	"fmt"
)

// Code classifies an engine failure.
type Code string

const (
	// CodeUnknown is returned by CodeOf for errors outside the taxonomy.
	CodeUnknown Code = "UNKNOWN"
	// CodeNotFound signals a referenced deal, milestone, or dispute is absent.
	CodeNotFound Code = "NOT_FOUND"
	// CodeBlockedParticipant signals a compliance rejection.
	CodeBlockedParticipant Code = "BLOCKED_PARTICIPANT"
	// CodeVerification signals a business-rule failure: checksum mismatch,
	// failed automated test, unrecognized policy, or a locked/terminal milestone.
	CodeVerification Code = "VERIFICATION_FAILED"
	// CodeAuthorization signals the actor is not permitted to perform the action.
	CodeAuthorization Code = "NOT_AUTHORIZED"
	// CodeMissingControllerKey signals a direct release was attempted without a
	// configured controller signing key. Operator intervention required.
	CodeMissingControllerKey Code = "MISSING_CONTROLLER_KEY"
)

// Error is a classified engine error.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports code equality so errors.Is works against a bare code error.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Code == e.Code
	}
	return false
}

// New builds a classified error.
func New(code Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(code Code, msg string, err error) error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the taxonomy code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
