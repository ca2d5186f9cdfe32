package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oidc:"

	// DefaultRetention is how long a token key outlives the token's expiry
	DefaultRetention = 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers
	MaxIDLength = 512

	// MaxRecordSize is the maximum size of a serialized token record (64KB)
	MaxRecordSize = 64 * 1024
)

var errInputTooLarge = fmt.Errorf("%w: input exceeds maximum allowed size", storage.ErrInvalidRecord)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oidc:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Retention is how long token records are kept past expiry (default 24h)
	Retention time.Duration
}

// Store is a Valkey-backed implementation of storage.ApplicationStore,
// storage.ClientRegistrar and storage.TokenStore.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time

	// guarded by mu
	mu        sync.RWMutex
	encryptor *security.Encryptor
	tracer    instrumentation.StorageTracer
}

var (
	_ storage.ApplicationStore = (*Store)(nil)
	_ storage.ClientRegistrar  = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor seals token claims before they are written to Valkey.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Token claim encryption at rest enabled for Valkey storage")
	}
}

// SetInstrumentation enables spans and metrics around every operation.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = instrumentation.NewStorageTracer("valkey", inst)
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor
}

func (s *Store) start(ctx context.Context, op string) (context.Context, func(error)) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()
	return tracer.Start(ctx, op)
}

// ============================================================
// Keys
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) tokenKey(id string) string {
	return s.prefix + "token:" + id
}

func (s *Store) clientIndexKey(clientID string) string {
	return s.prefix + "idx:client:" + clientID
}

func (s *Store) subjectIndexKey(subject string) string {
	return s.prefix + "idx:subject:" + subject
}

func (s *Store) parentIndexKey(parentID string) string {
	return s.prefix + "idx:parent:" + parentID
}

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func validateStringLength(value string, maxLen int, field string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s", errInputTooLarge, field)
	}
	return nil
}
