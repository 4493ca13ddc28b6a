// Package fault classifies failures of the session layer into a small set of
// kinds so callers can decide between refreshing, retrying and giving up
// without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a failure class. A Kind is itself an error, so
// errors.Is(err, fault.TokenExpired) reports whether err carries that kind.
type Kind string

const (
	StorageError    Kind = "STORAGE_ERROR"
	TokenExpired    Kind = "TOKEN_EXPIRED"
	InvalidToken    Kind = "INVALID_TOKEN"
	NetworkError    Kind = "NETWORK_ERROR"
	Timeout         Kind = "TIMEOUT"
	Unauthorized    Kind = "UNAUTHORIZED"
	Forbidden       Kind = "FORBIDDEN"
	ServerError     Kind = "SERVER_ERROR"
	ValidationError Kind = "VALIDATION_ERROR"
)

func (k Kind) Error() string { return string(k) }

// Error is a classified failure. Op names the operation that failed
// ("api.me", "store.set"), Status carries the HTTP status when there was one.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target as well as another *Error of the same kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}

// IsAuth reports whether err signals a rejected credential that a token
// refresh could cure.
func IsAuth(err error) bool {
	switch KindOf(err) {
	case TokenExpired, InvalidToken, Unauthorized:
		return true
	}
	return false
}
