package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.0 and OpenID Connect error codes.
// The root package re-exports these; keep the two in sync.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeServerError             = "server_error"
)

// Error is a protocol error returned by every orchestrator.
//
// When RedirectURI is set the error must be delivered to the client by
// redirecting there, in the fragment when Fragment is true; otherwise it is
// rendered as a JSON body with Status.
type Error struct {
	Code        string
	Description string
	Status      int

	RedirectURI string
	Fragment    bool
	State       string

	// cause is kept for logs and errors.Is; it is never rendered
	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// withRedirect returns a copy of e addressed to the client's redirect URI
func (e *Error) withRedirect(redirectURI string, fragment bool, state string) *Error {
	c := *e
	c.RedirectURI = redirectURI
	c.Fragment = fragment
	c.State = state
	return &c
}

func newError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// ErrInvalidRequest indicates a missing or malformed parameter
func ErrInvalidRequest(desc string) *Error {
	return newError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
}

// ErrInvalidClient indicates an unknown client or failed client authentication
func ErrInvalidClient(desc string) *Error {
	return newError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
}

// ErrInvalidGrant indicates an invalid, expired, replayed or mismatched grant.
// The description is always generic so lookups cannot be told apart.
func ErrInvalidGrant() *Error {
	return newError(ErrorCodeInvalidGrant, "invalid grant", http.StatusBadRequest)
}

// ErrUnauthorizedClient indicates the client may not use the grant type
func ErrUnauthorizedClient(desc string) *Error {
	return newError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
}

// ErrUnsupportedGrantType indicates the grant type is unknown or disabled
func ErrUnsupportedGrantType(desc string) *Error {
	return newError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

// ErrUnsupportedResponseType indicates the response_type is unknown or disabled
func ErrUnsupportedResponseType(desc string) *Error {
	return newError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
}

// ErrInvalidScope indicates the requested scope exceeds what is allowed
func ErrInvalidScope(desc string) *Error {
	return newError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
}

// ErrInvalidToken indicates a bearer token that is unknown, expired or revoked
func ErrInvalidToken(desc string) *Error {
	return newError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
}

// ErrInsufficientScope indicates a bearer token without the required scope
func ErrInsufficientScope(desc string) *Error {
	return newError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
}

// ErrAccessDenied indicates the resource owner or the server denied the request
func ErrAccessDenied(desc string) *Error {
	return newError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
}

// ErrLoginRequired indicates nobody is signed in at the authorization endpoint
func ErrLoginRequired() *Error {
	return newError(ErrorCodeLoginRequired, "end-user is not signed in", http.StatusUnauthorized)
}

// ErrServer wraps an infrastructure failure. Only server_error is rendered;
// err stays available to logs through Unwrap.
func ErrServer(err error) *Error {
	e := newError(ErrorCodeServerError, "the server encountered an unexpected condition", http.StatusInternalServerError)
	e.cause = err
	return e
}

// AsError converts any error to a protocol error. Errors that are not
// already an *Error become server_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrServer(err)
}

// IsServerError reports whether err renders as server_error
func IsServerError(err error) bool {
	return AsError(err).Code == ErrorCodeServerError
}
