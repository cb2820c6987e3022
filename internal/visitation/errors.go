package visitation

import (
	"errors"
	"fmt"
)

// Error is a visitation failure that must not be retried.
//
// Errors of this type surface through the workflow engine's failure path:
//   - Validation: bad worker count, bad job parameters
//   - Unknown visitation: the state names a type that is not registered
//   - Invalid state: a hook produced a status transition that is not allowed
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Visitation is the class name of the affected visitation, if known.
	Visitation string

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes visitation errors.
type ErrorCode string

const (
	ErrCodeValidation        ErrorCode = "VALIDATION"
	ErrCodeUnknownVisitation ErrorCode = "UNKNOWN_VISITATION"
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Visitation != "" {
		return fmt.Sprintf("%s: %s (visitation=%s)", e.Code, e.Message, e.Visitation)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates an Error for invalid job parameters.
func NewValidationError(visitation, format string, args ...any) *Error {
	return &Error{
		Code:       ErrCodeValidation,
		Message:    fmt.Sprintf(format, args...),
		Visitation: visitation,
	}
}

// NewUnknownVisitationError creates an Error for an unregistered class name.
func NewUnknownVisitationError(name string) *Error {
	return &Error{
		Code:       ErrCodeUnknownVisitation,
		Message:    fmt.Sprintf("no visitation registered as %q", name),
		Visitation: name,
	}
}

// NewInvalidStateError creates an Error for an illegal status transition.
func NewInvalidStateError(visitation string, from, to WalkerStatus) *Error {
	return &Error{
		Code:       ErrCodeInvalidState,
		Message:    fmt.Sprintf("illegal status transition %s -> %s", from, to),
		Visitation: visitation,
		Details: map[string]string{
			"from": string(from),
			"to":   string(to),
		},
	}
}

// IsValidation returns true if err is, or wraps, a validation Error.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsUnknownVisitation returns true if err is, or wraps, an unknown visitation Error.
func IsUnknownVisitation(err error) bool {
	return hasCode(err, ErrCodeUnknownVisitation)
}

// IsInvalidState returns true if err is, or wraps, an invalid state Error.
func IsInvalidState(err error) bool {
	return hasCode(err, ErrCodeInvalidState)
}

func hasCode(err error, code ErrorCode) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}
