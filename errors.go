package pulsar

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

// Error represents a structured API error with an HTTP status code and optional token.
// The Token field can be used by clients for programmatic error handling,
// while Message provides a human-readable description.
type Error struct {
	Message string // error message
	Code    int    // HTTP status code for error
	Token   string // optional error token for programmatic handling
	Info    any    // optional extra information for the error
	parent  error  // for unwrap
}

// Common error values that can be returned from hooks and API handlers.
var (
	// ErrNotFound indicates the requested resource was not found (404).
	ErrNotFound = &Error{Message: "Resource does not exist.", Token: "error_not_found", Code: http.StatusNotFound, parent: fs.ErrNotExist}

	// ErrUnauthenticated indicates the request carried no valid credential (401).
	ErrUnauthenticated = &Error{Message: "Invalid authorization.", Token: "error_unauthenticated", Code: http.StatusUnauthorized}

	// ErrAccessDenied indicates a valid credential with insufficient permissions (403).
	ErrAccessDenied = &Error{Message: "You do not have permission to access this resource.", Token: "error_access_denied", Code: http.StatusForbidden}

	// ErrAccountDisabled indicates the authenticated account is disabled (403).
	ErrAccountDisabled = &Error{Message: "Your account has been disabled.", Token: "error_account_disabled", Code: http.StatusForbidden}

	// ErrAccountLocked indicates the authenticated account is locked (403).
	ErrAccountLocked = &Error{Message: "Your account has been locked.", Token: "error_account_locked", Code: http.StatusForbidden}

	// ErrInternal indicates an internal server error occurred (500).
	ErrInternal = &Error{Message: "Something went wrong with your request.", Token: "error_internal", Code: http.StatusInternalServerError}

	// ErrInsecureRequest indicates the request lacks required security tokens (400).
	ErrInsecureRequest = &Error{Message: "Request must use POST and have the appropriate tokens", Token: "error_insecure_request", Code: http.StatusBadRequest}

	// ErrLengthRequired indicates Content-Length header is required (411).
	ErrLengthRequired = &Error{Message: "Content-Length header is required for this request", Token: "error_length_required", Code: http.StatusLengthRequired}

	// ErrRequestEntityTooLarge indicates the request body exceeds size limits (413).
	ErrRequestEntityTooLarge = &Error{Message: "Request body is too large", Token: "error_request_entity_too_large", Code: http.StatusRequestEntityTooLarge}
)

// NewError creates a new Error with the specified HTTP status code, token, and formatted message.
// The msg parameter supports fmt.Errorf style formatting with args.
func NewError(code int, token, msg string, args ...any) *Error {
	err := fmt.Errorf(msg, args...)
	return &Error{
		Message: err.Error(),
		Code:    code,
		Token:   token,
		parent:  errors.Unwrap(err),
	}
}

// ErrBadRequest creates an error with HTTP status 400 Bad Request.
func ErrBadRequest(token, msg string, args ...any) *Error {
	return NewError(http.StatusBadRequest, token, msg, args...)
}

// ErrForbidden creates an error with HTTP status 403 Forbidden.
func ErrForbidden(token, msg string, args ...any) *Error {
	return NewError(http.StatusForbidden, token, msg, args...)
}

// ErrTooManyRequests creates an error with HTTP status 429 Too Many Requests.
func ErrTooManyRequests(token, msg string, args ...any) *Error {
	return NewError(http.StatusTooManyRequests, token, msg, args...)
}

// ErrMethodNotAllowed creates an error with HTTP status 405 Method Not Allowed.
func ErrMethodNotAllowed(token, msg string, args ...any) *Error {
	return NewError(http.StatusMethodNotAllowed, token, msg, args...)
}

// ErrInternalServerError creates an error with HTTP status 500 Internal Server Error.
func ErrInternalServerError(token, msg string, args ...any) *Error {
	return NewError(http.StatusInternalServerError, token, msg, args...)
}

// Masquerade hides a forbidden resource by reporting it as missing. Controllers
// gating hidden endpoints return Masquerade(ErrAccessDenied) so probing clients
// cannot distinguish a protected resource from an absent one.
func Masquerade(err *Error) *Error {
	return &Error{
		Message: ErrNotFound.Message,
		Code:    ErrNotFound.Code,
		Token:   ErrNotFound.Token,
		parent:  err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Code
}

// Unwrap returns the underlying error, if any, for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.parent
}
