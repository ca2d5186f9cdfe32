package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// DefaultRetention is how long expired tokens are kept for reuse detection
	DefaultRetention = 24 * time.Hour
)

type tokenEntry struct {
	token  *storage.Token // Claims always nil
	claims string         // sealed
}

// Store is an in-memory implementation of storage.ApplicationStore and
// storage.TokenStore.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	tokens  map[string]*tokenEntry

	encryptor *security.Encryptor
	tracer    instrumentation.StorageTracer

	tokensCount  atomic.Int64
	clientsCount atomic.Int64

	now             func() time.Time
	retention       time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.ApplicationStore = (*Store)(nil)
	_ storage.ClientRegistrar  = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
)

// New creates a new in-memory store with a one minute cleanup interval
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		tokens:          make(map[string]*tokenEntry),
		now:             time.Now,
		retention:       DefaultRetention,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor seals token claims at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Token claim encryption at rest enabled for storage")
	}
}

// SetRetention sets how long expired tokens are kept before cleanup
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = d
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.tracer = instrumentation.NewStorageTracer("memory", inst)
	s.tokensCount.Store(int64(len(s.tokens)))
	s.clientsCount.Store(int64(len(s.clients)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCount.Load() },
			func() int64 { return s.clientsCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ApplicationStore Implementation
// ============================================================

// SaveClient registers or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.tracer.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil {
		return fmt.Errorf("%w: client is nil", storage.ErrInvalidRecord)
	}
	if err = client.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ID]; !existed {
		s.clientsCount.Add(1)
	}
	s.clients[client.ID] = client.Clone()
	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// FindClientByID retrieves a client by ID
func (s *Store) FindClientByID(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.tracer.Start(ctx, "find_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	return client.Clone(), nil
}

// ValidateSecret checks a presented client secret with bcrypt
func (s *Store) ValidateSecret(_ context.Context, client *storage.Client, presented string) bool {
	return storage.CompareSecret(client, presented)
}

// ============================================================
// TokenStore Implementation
// ============================================================

// Create stores a new token
func (s *Store) Create(ctx context.Context, token *storage.Token) (_ string, err error) {
	_, done := s.tracer.Start(ctx, "create")
	defer func() { done(err) }()

	if err = token.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.ID]; exists {
		return "", fmt.Errorf("%w: token id already in use", storage.ErrConflict)
	}

	sealed, err := storage.SealClaims(token.Claims, s.encryptor)
	if err != nil {
		return "", err
	}
	stored := token.Clone()
	stored.Claims = nil
	if stored.Status == "" {
		stored.Status = storage.StatusValid
	}
	s.tokens[token.ID] = &tokenEntry{token: stored, claims: sealed}
	s.tokensCount.Add(1)

	s.logger.Debug("Created token",
		"kind", token.Kind,
		"token_prefix", util.SafeTruncate(token.ID, tokenIDLogLength))
	return token.ID, nil
}

// FindTokenByID retrieves a token by ID
func (s *Store) FindTokenByID(ctx context.Context, id string) (_ *storage.Token, err error) {
	_, done := s.tracer.Start(ctx, "find_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.materialize(entry)
}

// must hold mu
func (s *Store) materialize(entry *tokenEntry) (*storage.Token, error) {
	out := entry.token.Clone()
	claims, err := storage.OpenClaims(entry.claims, s.encryptor)
	if err != nil {
		return nil, err
	}
	out.Claims = claims
	return out, nil
}

// MarkRedeemed atomically transitions a valid, unexpired token to redeemed
func (s *Store) MarkRedeemed(ctx context.Context, id string, grace time.Duration) (_ *storage.Token, err error) {
	_, done := s.tracer.Start(ctx, "mark_redeemed")
	defer func() { done(err) }()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	entry, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	if !entry.token.IsActive(s.now(), grace) {
		current, mErr := s.materialize(entry)
		if mErr != nil {
			return nil, mErr
		}
		return current, fmt.Errorf("%w: token is %s", storage.ErrConflict, entry.token.Status)
	}

	entry.token.Status = storage.StatusRedeemed
	s.logger.Debug("Marked token as redeemed",
		"kind", entry.token.Kind,
		"token_prefix", util.SafeTruncate(id, tokenIDLogLength))

	return s.materialize(entry)
}

// Revoke marks a token as revoked
func (s *Store) Revoke(ctx context.Context, id string) (err error) {
	_, done := s.tracer.Start(ctx, "revoke")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[id]
	if !ok {
		return storage.ErrNotFound
	}
	entry.token.Status = storage.StatusRevoked
	return nil
}

// RevokeAllForClient revokes every token owned by a client
func (s *Store) RevokeAllForClient(ctx context.Context, clientID string) (_ int, err error) {
	_, done := s.tracer.Start(ctx, "revoke_all_for_client")
	defer func() { done(err) }()

	return s.revokeWhere(func(t *storage.Token) bool { return t.ClientID == clientID }), nil
}

// RevokeAllForSubject revokes every token issued to a subject
func (s *Store) RevokeAllForSubject(ctx context.Context, subject string) (_ int, err error) {
	_, done := s.tracer.Start(ctx, "revoke_all_for_subject")
	defer func() { done(err) }()

	if subject == "" {
		return 0, nil
	}
	return s.revokeWhere(func(t *storage.Token) bool { return t.Subject == subject }), nil
}

// RevokeByParent revokes tokens minted from parentID
func (s *Store) RevokeByParent(ctx context.Context, parentID string) (_ int, err error) {
	_, done := s.tracer.Start(ctx, "revoke_by_parent")
	defer func() { done(err) }()

	if parentID == "" {
		return 0, nil
	}
	return s.revokeWhere(func(t *storage.Token) bool { return t.ParentID == parentID }), nil
}

func (s *Store) revokeWhere(match func(*storage.Token) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, entry := range s.tokens {
		if entry.token.Status != storage.StatusRevoked && match(entry.token) {
			entry.token.Status = storage.StatusRevoked
			revoked++
		}
	}
	return revoked
}

// IncrementReuse bumps the reuse counter of a token
func (s *Store) IncrementReuse(ctx context.Context, id string) (_ int, err error) {
	_, done := s.tracer.Start(ctx, "increment_reuse")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	entry.token.ReuseCount++
	return entry.token.ReuseCount, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention)
	cleaned := 0
	for id, entry := range s.tokens {
		if entry.token.ExpiresAt.Before(cutoff) {
			delete(s.tokens, id)
			cleaned++
		}
	}
	if cleaned > 0 {
		s.tokensCount.Add(int64(-cleaned))
		s.logger.Debug("Cleaned up expired tokens", "count", cleaned)
	}
	return cleaned
}
