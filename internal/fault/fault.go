// Package fault defines the error taxonomy shared by every deployment phase
// and maps it onto process exit codes.
package fault

import (
	"errors"
	"fmt"
)

// Code classifies a failure for policy decisions (retry, rollback, halt).
type Code string

const (
	// CodePrecondition: missing directories, credentials or configuration.
	// Raised before any state is mutated.
	CodePrecondition Code = "PRECONDITION"

	// CodeTransient: a single probe or command failed; counted, not fatal.
	CodeTransient Code = "TRANSIENT"

	// CodeThreshold: an aggregate error count or regression exceeded its limit.
	CodeThreshold Code = "THRESHOLD_BREACH"

	// CodeFatal: filesystem state may be partially mutated. Never retried.
	CodeFatal Code = "DEPLOY_FATAL"

	// CodeCanaryActive: a canary session already owns the site.
	CodeCanaryActive Code = "CANARY_ALREADY_ACTIVE"

	// CodeLocked: another deployment operation holds the site lock.
	CodeLocked Code = "LOCKED"

	// CodeNoSession: promote/rollback requested without an active canary session.
	CodeNoSession Code = "NO_CANARY_SESSION"
)

// Exit codes returned by the CLI.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitPrecondition = 2
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code so errors.Is(err, fault.Fatal) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Cause == nil && t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	Precondition = &Error{Code: CodePrecondition}
	Transient    = &Error{Code: CodeTransient}
	Threshold    = &Error{Code: CodeThreshold}
	Fatal        = &Error{Code: CodeFatal}
	CanaryActive = &Error{Code: CodeCanaryActive}
	Locked       = &Error{Code: CodeLocked}
	NoSession    = &Error{Code: CodeNoSession}
)

// New creates a coded error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around cause. A nil cause yields nil.
func Wrap(code Code, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the code of the outermost *Error in the chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsFatal reports whether err carries DEPLOY_FATAL anywhere in its chain.
func IsFatal(err error) bool {
	return errors.Is(err, Fatal)
}

// ExitCode maps an error onto the CLI exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch CodeOf(err) {
	case CodePrecondition, CodeCanaryActive, CodeLocked, CodeNoSession:
		return ExitPrecondition
	default:
		return ExitFailure
	}
}
