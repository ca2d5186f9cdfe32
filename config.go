package oauth

import (
	"log/slog"
	"time"
)

// Defaults for the HTTP layer
const (
	DefaultMaxRequestBodySize int64 = 64 << 10
	DefaultRateLimitRate            = 10
	DefaultRateLimitBurst           = 20
	defaultCORSMaxAge               = 3600
	defaultDiscoveryMaxAge          = 5 * time.Minute
)

// Config holds the HTTP handler configuration. Protocol behaviour is
// configured on the server.Config given to server.New.
type Config struct {
	// Rate limiting configuration
	RateLimit RateLimitConfig

	// CORS settings for browser-based clients
	CORS CORSConfig

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the server
	// Default: 1
	TrustedProxyCount int

	// MaxRequestBodySize caps form bodies
	// Default: 64 KiB
	MaxRequestBodySize int64

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP on the token, introspection
	// and revocation endpoints. Zero uses the default, negative disables.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	// AllowedOrigins lists exact origins allowed to call the endpoints.
	// "*" allows every origin. Empty disables CORS.
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds
	// Default: 3600
	MaxAge int
}

// applyDefaults fills unset values and returns a copy of c
func (c Config) applyDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TrustedProxyCount <= 0 {
		c.TrustedProxyCount = 1
	}
	if c.MaxRequestBodySize <= 0 {
		c.MaxRequestBodySize = DefaultMaxRequestBodySize
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = DefaultRateLimitRate
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.CORS.MaxAge <= 0 {
		c.CORS.MaxAge = defaultCORSMaxAge
	}
	c.CORS.AllowedOrigins = append([]string(nil), c.CORS.AllowedOrigins...)
	return c
}
