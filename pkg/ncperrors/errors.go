// Package ncperrors defines the stable error taxonomy surfaced across the
// Orchestrator's public contract.
package ncperrors

import (
	"errors"
	"fmt"
)

// Kind tags an Error with the stable, user-visible category from spec §7.
type Kind string

const (
	// KindProfileNotFound indicates the requested profile does not exist.
	KindProfileNotFound Kind = "ProfileNotFound"
	// KindDuplicate indicates a resource with the same identity already exists.
	KindDuplicate Kind = "Duplicate"
	// KindNotFound indicates a resource could not be located.
	KindNotFound Kind = "NotFound"
	// KindValidationFailed indicates caller input did not match an expected schema.
	KindValidationFailed Kind = "ValidationFailed"
	// KindUnhealthy indicates the target downstream is unhealthy.
	KindUnhealthy Kind = "Unhealthy"
	// KindTimeout indicates a call exceeded its deadline.
	KindTimeout Kind = "Timeout"
	// KindInvocationFailed indicates a transport-layer failure invoking a tool.
	KindInvocationFailed Kind = "InvocationFailed"
	// KindProtocolError indicates a downstream violated the MCP protocol.
	KindProtocolError Kind = "ProtocolError"
	// KindCacheCorrupt indicates an on-disk cache file failed to parse.
	KindCacheCorrupt Kind = "CacheCorrupt"
	// KindInternal indicates a bug-class error caught at a component boundary.
	KindInternal Kind = "Internal"
)

// Error is the wrapped, kind-tagged error returned across the Orchestrator's
// public contract. It satisfies errors.Is/errors.As via Unwrap and via
// kind-equality through Is.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, ncperrors.New(ncperrors.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error with the given kind and message, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, otherwise
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is (or wraps) an *Error with the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
