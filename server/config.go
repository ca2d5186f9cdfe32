package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oidc-provider/security"
)

// Endpoint names a protocol endpoint for per-endpoint configuration
type Endpoint string

const (
	EndpointAuthorize  Endpoint = "authorize"
	EndpointToken      Endpoint = "token"
	EndpointIntrospect Endpoint = "introspect"
	EndpointRevoke     Endpoint = "revoke"
	EndpointUserInfo   Endpoint = "userinfo"
	EndpointLogout     Endpoint = "logout"
)

// ErrorRendering selects how an endpoint delivers protocol errors
type ErrorRendering string

const (
	// RenderJSON writes the error as a JSON body
	RenderJSON ErrorRendering = "json"

	// RenderRedirect sends the error to the client's redirect URI once that
	// URI has been validated. Errors before that point are still JSON.
	RenderRedirect ErrorRendering = "redirect"
)

// Default endpoint paths, relative to the issuer
const (
	DefaultAuthorizationPath = "/connect/authorize"
	DefaultTokenPath         = "/connect/token"
	DefaultIntrospectionPath = "/connect/introspect"
	DefaultRevocationPath    = "/connect/revocation"
	DefaultUserInfoPath      = "/connect/userinfo"
	DefaultEndSessionPath    = "/connect/logout"
	DefaultJWKSPath          = "/.well-known/jwks.json"
	DefaultDiscoveryPath     = "/.well-known/openid-configuration"
)

// Config holds the protocol engine configuration. Build it with NewConfig;
// the Server keeps its own copy and never modifies it.
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// Endpoint URLs published in discovery. Empty values are derived from
	// Issuer and the Default*Path constants.
	AuthorizationEndpoint string
	TokenEndpoint         string
	IntrospectionEndpoint string
	RevocationEndpoint    string
	UserInfoEndpoint      string
	EndSessionEndpoint    string
	JWKSURI               string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 5 minutes

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL time.Duration // default: 1 hour

	// IDTokenTTL is how long identity tokens are valid
	IDTokenTTL time.Duration // default: 20 minutes

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL time.Duration // default: 14 days

	// SlidingRefreshExpiration gives a rotated refresh token a full
	// RefreshTokenTTL. When false it inherits the expiry of the token it
	// replaces.
	SlidingRefreshExpiration bool

	// EnabledGrants lists the grant types the server accepts at all.
	// Default: every GrantType.
	EnabledGrants []GrantType

	// AllowRefreshTokenRotation issues a new refresh token on every refresh
	// and redeems the presented one
	// Default: true (secure by default)
	AllowRefreshTokenRotation bool

	// RequirePKCEForPublicClients makes code_challenge mandatory for public
	// clients using the authorization code flow
	// Default: true
	RequirePKCEForPublicClients bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method is insecure and deprecated in OAuth 2.1
	// Default: false
	AllowPKCEPlain bool

	// RevokeOnLogout revokes every token of the subject at logout
	RevokeOnLogout bool

	// SupportedScopes limits the scopes any client may request.
	// If empty, client registrations alone decide.
	SupportedScopes []string

	// ClockSkewGracePeriod is the grace period for expiration checks
	// Default: 5 seconds
	ClockSkewGracePeriod time.Duration

	// ErrorRendering overrides how an endpoint renders errors.
	// Default: redirect for authorize and logout, json elsewhere.
	ErrorRendering map[Endpoint]ErrorRendering

	// AllowInsecureHTTP allows a plain http issuer outside localhost
	// WARNING: exposes every token to the network
	AllowInsecureHTTP bool
}

// NewConfig returns c with secure defaults applied, after validating it.
// Slices and maps are copied so later changes to c have no effect.
func NewConfig(c Config, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c = c.clone()

	if err := validateIssuer(&c, logger); err != nil {
		return Config{}, err
	}
	for _, g := range c.EnabledGrants {
		if _, ok := ParseGrantType(string(g)); !ok {
			return Config{}, fmt.Errorf("unknown grant type %q in EnabledGrants", g)
		}
	}
	for endpoint, r := range c.ErrorRendering {
		if r != RenderJSON && r != RenderRedirect {
			return Config{}, fmt.Errorf("invalid error rendering %q for endpoint %s", r, endpoint)
		}
	}

	applySecureDefaults(&c, logger)
	return c, nil
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) {
	applyTimeDefaults(config)
	applyEndpointDefaults(config)
	applySecurityDefaults(config, logger)
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = 5 * time.Minute
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.IDTokenTTL <= 0 {
		config.IDTokenTTL = 20 * time.Minute
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 14 * 24 * time.Hour
	}
	if config.ClockSkewGracePeriod <= 0 {
		config.ClockSkewGracePeriod = security.DefaultClockSkewGracePeriod
	}
}

func applyEndpointDefaults(config *Config) {
	base := strings.TrimSuffix(config.Issuer, "/")
	set := func(dst *string, path string) {
		if *dst == "" {
			*dst = base + path
		}
	}
	set(&config.AuthorizationEndpoint, DefaultAuthorizationPath)
	set(&config.TokenEndpoint, DefaultTokenPath)
	set(&config.IntrospectionEndpoint, DefaultIntrospectionPath)
	set(&config.RevocationEndpoint, DefaultRevocationPath)
	set(&config.UserInfoEndpoint, DefaultUserInfoPath)
	set(&config.EndSessionEndpoint, DefaultEndSessionPath)
	set(&config.JWKSURI, DefaultJWKSPath)

	if len(config.EnabledGrants) == 0 {
		config.EnabledGrants = slices.Clone(AllGrantTypes)
	}
	for _, e := range []Endpoint{EndpointAuthorize, EndpointLogout} {
		if _, ok := config.ErrorRendering[e]; !ok {
			config.ErrorRendering[e] = RenderRedirect
		}
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration
// Uses a heuristic to detect if config is new (all security bools false) vs explicitly configured
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.AllowRefreshTokenRotation &&
		!config.RequirePKCEForPublicClients &&
		!config.AllowPKCEPlain

	if isDefaultConfig {
		config.AllowRefreshTokenRotation = true
		config.RequirePKCEForPublicClients = true
		return
	}

	// User has explicitly configured security - log warnings for insecure settings
	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCEForPublicClients {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is optional for public clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCEForPublicClients=true",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-1")
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if !config.AllowRefreshTokenRotation {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "A leaked refresh token stays usable until it expires",
			"recommendation", "Set AllowRefreshTokenRotation=true")
	}
	if slices.Contains(config.EnabledGrants, GrantPassword) {
		logger.Warn("⚠️  SECURITY NOTICE: Resource owner password grant is enabled",
			"risk", "Clients handle end-user credentials directly",
			"recommendation", "Prefer the authorization code flow with PKCE")
	}
}

// GrantEnabled reports whether the grant type is accepted by the server
func (c *Config) GrantEnabled(g GrantType) bool {
	return slices.Contains(c.EnabledGrants, g)
}

// RendersRedirect reports whether endpoint delivers errors to the redirect URI
func (c *Config) RendersRedirect(endpoint Endpoint) bool {
	return c.ErrorRendering[endpoint] == RenderRedirect
}

// clone returns a copy that shares nothing with c
func (c Config) clone() Config {
	c.EnabledGrants = slices.Clone(c.EnabledGrants)
	c.SupportedScopes = slices.Clone(c.SupportedScopes)
	rendering := make(map[Endpoint]ErrorRendering, len(c.ErrorRendering))
	for k, v := range c.ErrorRendering {
		rendering[k] = v
	}
	c.ErrorRendering = rendering
	return c
}

// validateIssuer ensures the issuer is an absolute https URL. Plain http is
// accepted on localhost with a warning, and elsewhere only with
// AllowInsecureHTTP.
func validateIssuer(config *Config, logger *slog.Logger) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if issuerURL.Host == "" {
		return fmt.Errorf("invalid issuer URL: %s has no host", config.Issuer)
	}
	if issuerURL.RawQuery != "" || issuerURL.Fragment != "" {
		return fmt.Errorf("invalid issuer URL: query and fragment are not allowed")
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if isLocalhostHostname(hostname) {
		if !config.AllowInsecureHTTP {
			logger.Warn("⚠️  DEVELOPMENT WARNING: Running OIDC provider over HTTP on localhost",
				"issuer", config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config")
		}
		return nil
	}

	if !config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme,
			hostname,
		)
	}

	logger.Error("🚨 CRITICAL SECURITY WARNING: Running OIDC provider over HTTP",
		"issuer", config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"action_required", "Switch to HTTPS immediately")
	return nil
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// This includes IPv4 loopback (entire 127.0.0.0/8 range per RFC 1122),
// IPv6 loopback (::1), localhost hostname, and 0.0.0.0 (bind-all in dev).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}
	clean := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
