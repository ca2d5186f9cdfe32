package oauth

import (
	"fmt"
	"net/http"

	"github.com/giantswarm/oidc-provider/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeLoginRequired           = server.ErrorCodeLoginRequired
	ErrorCodeServerError             = server.ErrorCodeServerError

	// ErrorCodeRateLimitExceeded is only produced by the HTTP layer
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Response returns the JSON body for the error
func (e *OAuthError) Response() ErrorResponse {
	return ErrorResponse{Error: e.Code, ErrorDescription: e.Description}
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// FromError converts an error returned by the protocol server. Anything that
// is not a protocol error renders as server_error; its cause is never part
// of the result.
func FromError(err error) *OAuthError {
	if err == nil {
		return nil
	}
	e := server.AsError(err)
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	return NewOAuthError(e.Code, e.Description, status)
}

var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrRateLimitExceeded indicates the caller sent too many requests
	ErrRateLimitExceeded = func() *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	}

	// ErrMethodNotAllowed indicates the endpoint does not accept the HTTP method
	ErrMethodNotAllowed = func(method string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, fmt.Sprintf("method %s not allowed", method), http.StatusMethodNotAllowed)
	}
)
