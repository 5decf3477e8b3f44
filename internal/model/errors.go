package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the abstract error taxonomy. The engine matches on Kind
// rather than inspecting error strings or types from individual provider
// SDKs.
type ErrorKind string

const (
	KindValidationFailed ErrorKind = "ValidationFailed"
	KindAuthFailed                 ErrorKind = "AuthFailed"
	KindRateLimited                ErrorKind = "RateLimited"
	KindNotFound                   ErrorKind = "NotFound"
	KindConflict                   ErrorKind = "Conflict"
	KindNetworkFailed              ErrorKind = "NetworkFailed"
	KindTimeout                    ErrorKind = "Timeout"
	KindStorageFailed              ErrorKind = "StorageFailed"
	KindCancelled                  ErrorKind = "Cancelled"
	// KindSkippedDueToEarlierFailure marks batch entries abandoned after
	// an AuthFailed/RateLimited error earlier in the same batch.
	KindSkippedDueToEarlierFailure ErrorKind = "SkippedDueToEarlierFailure"
	// KindMisconfiguredZone signals Init() was called with credentials
	// that don't match the configured zone.
	KindMisconfiguredZone ErrorKind = "MisconfiguredZone"
)

// Error wraps an underlying error with a taxonomy kind.
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

// NewError builds a taxonomy error with a human-readable reason.
func NewError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the taxonomy kind from err, or "" if err doesn't carry
// one.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
