package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrRateLimited              ErrorKind = "RateLimited"
	ErrCooldown                 ErrorKind = "Cooldown"
	ErrPolicyViolation          ErrorKind = "PolicyViolation"
	ErrUnknownStrategy          ErrorKind = "UnknownStrategy"
	ErrSwitchVerificationFailed ErrorKind = "SwitchVerificationFailed"
	ErrPreviewExpired           ErrorKind = "PreviewExpired"
	ErrConfirmationMismatch     ErrorKind = "ConfirmationMismatch"
	ErrModeGateDenied           ErrorKind = "ModeGateDenied"
	ErrExecutionTimeout         ErrorKind = "ExecutionTimeout"
	ErrExecutionFailed          ErrorKind = "ExecutionFailed"
	ErrAuditWriteFailed         ErrorKind = "AuditWriteFailed"
	ErrInvalidCommand           ErrorKind = "InvalidCommand"
)

// Error is the typed failure surfaced to every caller of the control plane.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// ReasonOf returns the human-readable reason attached to err.
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
