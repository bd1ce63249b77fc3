// File: api/schemas/errors.go
package schemas

import (
	"context"
	"errors"
)

// Sentinel errors shared by every component. Wrap with fmt.Errorf("...: %w")
// and classify with errors.Is.
var (
	// ErrConfiguration covers cyclic dependencies, dangling references and
	// invalid patterns. Fatal, never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrRateLimited is reported by a collaborator or by a closed backoff gate.
	ErrRateLimited = errors.New("rate limited")
	// ErrTimeout is a collaborator or attempt level timeout.
	ErrTimeout = errors.New("timeout")
	// ErrStaleTarget means the resolved element no longer exists on the page.
	ErrStaleTarget = errors.New("stale target")
	// ErrTransient is any other recoverable collaborator failure.
	ErrTransient = errors.New("transient failure")
	// ErrMalformedResponse means no usable data could be extracted.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrValidation is an explicit rejection of an action's input.
	ErrValidation = errors.New("validation error")
	// ErrSessionLost aborts the entire execution.
	ErrSessionLost = errors.New("surface session lost")
	// ErrNotFound is a target that could not be resolved.
	ErrNotFound = errors.New("element not found")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStaleTarget) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ErrorCode is the machine-readable classification recorded on results.
type ErrorCode string

const (
	CodeNone          ErrorCode = ""
	CodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"
	CodeTimeout       ErrorCode = "TIMEOUT_ERROR"
	CodeStaleTarget   ErrorCode = "STALE_TARGET"
	CodeTransient     ErrorCode = "TRANSIENT_ERROR"
	CodeMalformed     ErrorCode = "MALFORMED_RESPONSE"
	CodeValidation    ErrorCode = "VALIDATION_ERROR"
	CodeSessionLost   ErrorCode = "SESSION_LOST"
	CodeNotFound      ErrorCode = "ELEMENT_NOT_FOUND"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeSkipped       ErrorCode = "SKIPPED_DEPENDENCY_FAILED"
	CodeUnknown       ErrorCode = "UNKNOWN_ERROR"
)

// CodeOf maps an error onto its ErrorCode.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrSessionLost):
		return CodeSessionLost
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrStaleTarget):
		return CodeStaleTarget
	case errors.Is(err, ErrTransient):
		return CodeTransient
	case errors.Is(err, ErrMalformedResponse):
		return CodeMalformed
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	default:
		return CodeUnknown
	}
}
