// Package vaulterr defines the vault's stable error taxonomy: a typed error
// carrying a machine-readable code, an HTTP status, a human message, and a
// metadata bag. Modeled on dex's storage.ErrNotFound/ErrAlreadyExists
// sentinel pattern plus server/errors.go's safe-message constants, extended
// to the full taxonomy the vault needs.
package vaulterr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeUnauthorized          Code = "unauthorized"
	CodeTokenNotActive        Code = "token_not_active"
	CodeTokenExpired          Code = "token_expired"
	CodeMissingBearerToken    Code = "missing_bearer_token"
	CodeInvalidBearerToken    Code = "invalid_bearer_token"
	CodeTokenNotFound         Code = "token_not_found"
	CodeNoRefreshToken        Code = "no_refresh_token"
	CodeInvalidRequest        Code = "invalid_request"
	CodeInvalidTokenID        Code = "invalid_token_id"
	CodeInvalidTokenType      Code = "invalid_token_type"
	CodeForbidden             Code = "forbidden"
	CodeEncryptionFailed      Code = "encryption_failed"
	CodeDecryptionFailed      Code = "decryption_failed"
	CodeStorageError          Code = "storage_error"
	CodeCleanupError          Code = "cleanup_error"
	CodeInternalError         Code = "internal_error"
	CodeTokenIntrospectFailed Code = "token_introspection_failed"
	CodeKeycloakError         Code = "keycloak_error"
	CodeConnectionError       Code = "connection_error"
)

// httpStatus maps every code to its HTTP status class, per the taxonomy.
var httpStatus = map[Code]int{
	CodeUnauthorized:          http.StatusUnauthorized,
	CodeTokenNotActive:        http.StatusUnauthorized,
	CodeTokenExpired:          http.StatusUnauthorized,
	CodeMissingBearerToken:    http.StatusUnauthorized,
	CodeInvalidBearerToken:    http.StatusUnauthorized,
	CodeTokenNotFound:         http.StatusNotFound,
	CodeNoRefreshToken:        http.StatusNotFound,
	CodeInvalidRequest:        http.StatusBadRequest,
	CodeInvalidTokenID:        http.StatusBadRequest,
	CodeInvalidTokenType:      http.StatusBadRequest,
	CodeForbidden:             http.StatusForbidden,
	CodeEncryptionFailed:      http.StatusInternalServerError,
	CodeDecryptionFailed:      http.StatusInternalServerError,
	CodeStorageError:          http.StatusInternalServerError,
	CodeCleanupError:          http.StatusInternalServerError,
	CodeInternalError:         http.StatusInternalServerError,
	CodeTokenIntrospectFailed: http.StatusInternalServerError,
	CodeKeycloakError:         http.StatusInternalServerError,
	CodeConnectionError:       http.StatusServiceUnavailable,
}

// Error is the vault's error type: a stable code, a human-readable message,
// an HTTP status derived from the code, and an arbitrary metadata bag
// (operation name, entry id, user id, underlying-error reference, etc).
type Error struct {
	Code    Code
	Message string
	Status  int
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// New constructs an Error for code with message, deriving its HTTP status
// from the taxonomy. Unknown codes keep their code and get status 500.
func New(code Code, message string) *Error {
	status, ok := httpStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Message: message, Status: status}
}

// Wrap constructs an Error carrying cause as its underlying reference.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithDetails attaches a metadata bag and returns the same Error for
// chaining.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Is allows errors.Is(err, vaulterr.New(code, "")) to match purely on code,
// so callers can test "is this a token_not_found" without caring about the
// message or details.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// StatusOf returns the HTTP status for any error: the Error's own status if
// it is (or wraps) a *Error, or 500 otherwise.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the stable code for any error, defaulting to
// internal_error when err is not a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}
