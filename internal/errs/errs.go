// Package errs defines the error taxonomy of §7: a small set of typed
// errors, each with a fixed HTTP status, that every component surfaces
// instead of ad-hoc error strings.
package errs

import (
	"net/http"

	"github.com/pkg/errors"
)

// Code identifies one of the taxonomy's error kinds.
type Code int

const (
	// LogicError means a precondition was violated by this process itself
	// (wrong state, outstanding fd, double body read). Always a bug.
	LogicError Code = iota
	FileSizeExceeded
	FileIDMismatch
	FileNotAccessible
	InvalidValue
	AuthRequired
	AuthFailed
	AuthExpired
	PermissionDenied
	InternalError
)

func (c Code) String() string {
	switch c {
	case LogicError:
		return "logic_error"
	case FileSizeExceeded:
		return "file_size_exceeded"
	case FileIDMismatch:
		return "file_id_mismatch"
	case FileNotAccessible:
		return "file_not_accessible"
	case InvalidValue:
		return "invalid_value"
	case AuthRequired:
		return "auth_required"
	case AuthFailed:
		return "auth_failed"
	case AuthExpired:
		return "auth_expired"
	case PermissionDenied:
		return "permission_denied"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps a Code to the status mapping table in §6/§7.
func (c Code) HTTPStatus() int {
	switch c {
	case LogicError, InternalError:
		return http.StatusInternalServerError
	case FileSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case FileIDMismatch:
		return http.StatusConflict
	case FileNotAccessible:
		return http.StatusInternalServerError
	case InvalidValue:
		return http.StatusUnprocessableEntity
	case AuthRequired, AuthFailed, AuthExpired:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error is a taxonomy error carrying a Code plus a wrapped cause.
type Error struct {
	code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// GetCode returns the taxonomy code of err, or InternalError if err does not
// carry one.
func GetCode(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.code
	}
	return InternalError
}

// HTTPStatus resolves the HTTP status for err per §7.
func HTTPStatus(err error) int {
	return GetCode(err).HTTPStatus()
}

// New creates a taxonomy error with no wrapped cause.
func New(code Code, msg string) error {
	return &Error{code: code, msg: msg}
}

// Wrap creates a taxonomy error wrapping cause. cause may be nil.
func Wrap(code Code, msg string, cause error) error {
	return &Error{code: code, msg: msg, err: cause}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	return GetCode(err) == code
}

// Convenience constructors, one per taxonomy member.

func LogicErrorf(msg string) error                  { return New(LogicError, msg) }
func FileSizeExceededf(msg string) error            { return New(FileSizeExceeded, msg) }
func FileIDMismatchf(msg string) error              { return New(FileIDMismatch, msg) }
func FileNotAccessiblef(msg string, err error) error { return Wrap(FileNotAccessible, msg, err) }
func InvalidValuef(msg string) error                { return New(InvalidValue, msg) }
func AuthRequiredf(msg string) error                { return New(AuthRequired, msg) }
func AuthFailedf(msg string) error                  { return New(AuthFailed, msg) }
func AuthExpiredf(msg string) error                 { return New(AuthExpired, msg) }
func PermissionDeniedf(msg string) error            { return New(PermissionDenied, msg) }
func Internalf(msg string, err error) error         { return Wrap(InternalError, msg, err) }
