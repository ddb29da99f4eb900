// Package apierr defines the error taxonomy shared across the sync core:
// every operation that can fail in a client-visible way returns (or wraps)
// an *Error from this package so handlers can map it to an HTTP status or a
// sync Error frame without re-deriving the mapping ad hoc.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed taxonomy of error kinds a client-facing failure
// can be tagged with.
type Kind string

const (
	KindMissingAuth        Kind = "missing_auth"
	KindUnauthSession      Kind = "unauth_session"
	KindNotFound           Kind = "not_found"
	KindMissingPermissions Kind = "missing_permissions"
	KindBadRequest         Kind = "bad_request"
	KindConflict           Kind = "conflict"
	KindTooBig             Kind = "too_big"
	KindNotModified        Kind = "not_modified"
	KindUnimplemented      Kind = "unimplemented"
	KindInternal           Kind = "internal"
)

// HTTPStatus returns the status code a Kind maps to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindMissingAuth, KindUnauthSession:
		return 401
	case KindNotFound:
		return 404
	case KindMissingPermissions:
		return 403
	case KindBadRequest:
		return 400
	case KindConflict:
		return 409
	case KindTooBig:
		return 413
	case KindNotModified:
		return 304
	case KindUnimplemented:
		return 501
	default:
		return 500
	}
}

// Error is the taxonomy-tagged error type every domain package returns.
// RequiredPermissions/RequiredPermissionsServer are populated only for
// KindMissingPermissions, mirroring the distinct "required_permissions" vs
// "required_permissions_server" fields clients use to tell room-scope and
// server-scope permission failures apart.
type Error struct {
	Kind                      Kind
	Message                   string
	RequiredPermissions       []string
	RequiredPermissionsServer []string
	cause                     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error, preserving it for
// errors.Unwrap/errors.Is/errors.As chains.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}

// Wrapf is Wrap with a formatted message, the original error still reachable
// via errors.Unwrap.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// NotFound is the common-case constructor: most cache misses and
// invisible-to-caller resources become NotFound.
func NotFound(what string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found", what))
}

// Internal wraps an unexpected storage/transport failure as Internal,
// matching the propagation policy that such errors are logged then opaque to
// the client.
func Internal(cause error) *Error {
	return Wrap(KindInternal, cause)
}

// MissingPermissions builds the room/channel/thread-scope permission error,
// carrying the exact permissions the caller was missing.
func MissingPermissions(required ...string) *Error {
	return &Error{
		Kind:                KindMissingPermissions,
		Message:             "missing required permissions",
		RequiredPermissions: required,
	}
}

// MissingPermissionsServer builds the server-scope variant, tagged distinctly
// so clients can tell apart "you lack a room permission" from "you lack a
// server permission".
func MissingPermissionsServer(required ...string) *Error {
	return &Error{
		Kind:                      KindMissingPermissions,
		Message:                   "missing required server permissions",
		RequiredPermissionsServer: required,
	}
}

// Is makes errors.Is match any *Error target carrying the same Kind,
// regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to KindInternal for anything untagged — matching the propagation policy
// that unexpected failures become Internal after logging.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
