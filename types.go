package oauth

import "github.com/giantswarm/oidc-provider/server"

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse = server.TokenResponse

// IntrospectionResponse represents an RFC 7662 introspection response
type IntrospectionResponse = server.IntrospectionResponse

// ProviderMetadata represents OpenID Connect Discovery 1.0 provider metadata
type ProviderMetadata = server.ProviderMetadata
