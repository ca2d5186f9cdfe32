package main

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/giantswarm/oidc-provider/security"
)

// Token store backends
const (
	storeMemory = "memory"
	storeValkey = "valkey"
	storeBolt   = "bolt"
)

var storeBackends = []string{storeMemory, storeValkey, storeBolt}

// Config holds all environment-based configuration for oidc-server.
type Config struct {
	// Environment controls log format and how strict validation is
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Issuer is the public base URL of the provider (required)
	Issuer     string `env:"ISSUER"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// MetricsAddr serves /metrics on a separate listener. Empty disables it.
	MetricsAddr    string `env:"METRICS_ADDR" envDefault:":9090"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	LogClientIPs   bool   `env:"LOG_CLIENT_IPS" envDefault:"false"`
	AuditEnabled   bool   `env:"AUDIT_ENABLED" envDefault:"true"`

	// OTLPEndpoint exports spans over OTLP/HTTP, e.g. http://collector:4318.
	// Empty disables span export.
	OTLPEndpoint string `env:"OTEL_ENDPOINT"`

	// Token registry backend: memory, valkey or bolt
	Store           string        `env:"STORE" envDefault:"memory"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`
	Retention       time.Duration `env:"TOKEN_RETENTION" envDefault:"24h"`
	BoltPath        string        `env:"BOLT_PATH" envDefault:"data/tokens.db"`
	ValkeyAddr      string        `env:"VALKEY_ADDR"`
	ValkeyPassword  string        `env:"VALKEY_PASSWORD"`
	ValkeyDB        int           `env:"VALKEY_DB" envDefault:"0"`
	ValkeyPrefix    string        `env:"VALKEY_KEY_PREFIX"`
	ValkeyTLS       bool          `env:"VALKEY_TLS" envDefault:"false"`

	// SQLitePath moves the application registry into SQLite. When empty,
	// clients live in the token store backend.
	SQLitePath string `env:"SQLITE_PATH"`

	// BootstrapFile seeds clients and users at startup
	BootstrapFile string `env:"BOOTSTRAP_FILE"`

	// SessionHeader names the header an authenticating proxy sets to the
	// signed-in username, e.g. X-Forwarded-User. Empty disables sessions.
	// Requires TRUST_PROXY.
	SessionHeader string `env:"SESSION_HEADER"`

	// Signing keys. Without a key file an in-memory key is generated.
	SigningKeyFile    string   `env:"SIGNING_KEY_FILE"`
	FallbackKeyFiles  []string `env:"FALLBACK_KEY_FILES" envSeparator:","`
	SigningAlgorithm  string   `env:"SIGNING_ALGORITHM" envDefault:"ES256"`
	EncryptionKey     string   `env:"ENCRYPTION_KEY"`
	encryptionKeyData []byte

	// Protocol settings handed to server.Config
	AuthorizationCodeTTL time.Duration `env:"AUTHORIZATION_CODE_TTL" envDefault:"5m"`
	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	IDTokenTTL           time.Duration `env:"ID_TOKEN_TTL" envDefault:"20m"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"336h"`
	SlidingRefresh       bool          `env:"SLIDING_REFRESH_EXPIRATION" envDefault:"false"`
	RevokeOnLogout       bool          `env:"REVOKE_ON_LOGOUT" envDefault:"true"`
	SupportedScopes      []string      `env:"SUPPORTED_SCOPES" envSeparator:","`
	AllowInsecureHTTP    bool          `env:"ALLOW_INSECURE_HTTP" envDefault:"false"`

	// HTTP layer
	RateLimitRate        int      `env:"RATE_LIMIT_RATE" envDefault:"10"`
	RateLimitBurst       int      `env:"RATE_LIMIT_BURST" envDefault:"20"`
	SecurityEventRate    int      `env:"SECURITY_EVENT_RATE" envDefault:"1"`
	TrustProxy           bool     `env:"TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount    int      `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`
	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	MaxRequestBodySize   int64    `env:"MAX_REQUEST_BODY_SIZE" envDefault:"65536"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. Signing and encryption keys may live there.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) production() bool {
	return c.Environment == "production"
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("ISSUER is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ISSUER must be an absolute URL, got %q", c.Issuer)
	}

	if !slices.Contains(storeBackends, c.Store) {
		return fmt.Errorf("STORE must be one of %v, got %q", storeBackends, c.Store)
	}
	if c.Store == storeValkey && c.ValkeyAddr == "" {
		return fmt.Errorf("VALKEY_ADDR is required when STORE=valkey")
	}
	if c.Store == storeBolt && c.BoltPath == "" {
		return fmt.Errorf("BOLT_PATH is required when STORE=bolt")
	}

	if c.EncryptionKey != "" {
		key, err := security.KeyFromBase64(c.EncryptionKey)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		c.encryptionKeyData = key
	}

	// Without a proxy in front, any caller can set the header
	if c.SessionHeader != "" && !c.TrustProxy {
		return fmt.Errorf("SESSION_HEADER requires TRUST_PROXY")
	}

	if len(c.FallbackKeyFiles) > 0 && c.SigningKeyFile == "" {
		return fmt.Errorf("FALLBACK_KEY_FILES requires SIGNING_KEY_FILE")
	}

	if c.production() {
		// A generated key changes on every restart and invalidates issued ID tokens
		if c.SigningKeyFile == "" {
			return fmt.Errorf("SIGNING_KEY_FILE is required in production")
		}
		if c.AllowInsecureHTTP {
			return fmt.Errorf("ALLOW_INSECURE_HTTP must not be set in production")
		}
	}

	if c.RateLimitBurst < 0 || c.TrustedProxyCount < 0 || c.MaxRequestBodySize < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST, TRUSTED_PROXY_COUNT and MAX_REQUEST_BODY_SIZE must not be negative")
	}

	return nil
}
