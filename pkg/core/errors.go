package core

import (
	"errors"
	"fmt"
)

// Error is the bridge error taxonomy. Every failure that crosses a component
// boundary is reported as an *Error so callers can branch on Type.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code: %s)", msg, e.Code)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrProtocolViolation ErrorType = "protocol_violation"
	ErrConnection        ErrorType = "connection_error"
	ErrPreparation       ErrorType = "preparation_error"
	ErrToolDispatch      ErrorType = "tool_dispatch_error"
	ErrDegradedContext   ErrorType = "degraded_context"
)

// NewProtocolViolation reports a malformed or ambiguous wire message.
func NewProtocolViolation(code, message string) *Error {
	return &Error{
		Type:    ErrProtocolViolation,
		Code:    code,
		Message: message,
	}
}

// NewConnectionError reports a transport drop, dial failure or timeout.
func NewConnectionError(message string, cause error) *Error {
	return &Error{
		Type:    ErrConnection,
		Message: message,
		Cause:   cause,
	}
}

// NewPreparationError reports a failed preparation step. source names the
// failing input (for example the profile whose template did not render).
func NewPreparationError(source, message string, cause error) *Error {
	return &Error{
		Type:    ErrPreparation,
		Message: message,
		Param:   source,
		Cause:   cause,
	}
}

// NewToolDispatchError reports a single failed tool call.
func NewToolDispatchError(code, message string) *Error {
	return &Error{
		Type:    ErrToolDispatch,
		Code:    code,
		Message: message,
	}
}

// NewDegradedContext reports an optional context input that could not be fetched.
func NewDegradedContext(message string, cause error) *Error {
	return &Error{
		Type:    ErrDegradedContext,
		Message: message,
		Cause:   cause,
	}
}

// IsFatal returns true if the error terminates a live session.
func (e *Error) IsFatal() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case ErrProtocolViolation, ErrConnection:
		return true
	default:
		return false
	}
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr, true
	}
	return nil, false
}

// IsType reports whether err carries an *Error of the given type.
func IsType(err error, t ErrorType) bool {
	coreErr, ok := AsError(err)
	return ok && coreErr.Type == t
}

// IsFatal reports whether err is a session-fatal *Error.
func IsFatal(err error) bool {
	coreErr, ok := AsError(err)
	return ok && coreErr.IsFatal()
}
