package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

const (
	dirPerm     = fs.FileMode(0o700)
	filePerm    = fs.FileMode(0o600)
	openTimeout = 5 * time.Second

	// DefaultRetention is how long expired tokens are kept for reuse detection
	DefaultRetention = 24 * time.Hour

	tokenIDLogLength = 8
)

var (
	clientsBucket     = []byte("clients")
	tokensBucket      = []byte("tokens")
	byClientBucket    = []byte("idx_client")
	bySubjectBucket   = []byte("idx_subject")
	byParentBucket    = []byte("idx_parent")
	allBuckets        = [][]byte{clientsBucket, tokensBucket, byClientBucket, bySubjectBucket, byParentBucket}
	indexKeySeparator = []byte{0}
)

// Store is a bbolt-backed implementation of storage.ApplicationStore,
// storage.ClientRegistrar and storage.TokenStore.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	encryptor *security.Encryptor
	tracer    instrumentation.StorageTracer
	retention time.Duration

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var (
	_ storage.ApplicationStore = (*Store)(nil)
	_ storage.ClientRegistrar  = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
)

// Open opens the database at path, creating it and its buckets if needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt db: %w", err)
	}

	logger.Info("Opened bolt storage", "path", path)

	return &Store{
		db:          db,
		logger:      logger,
		now:         time.Now,
		retention:   DefaultRetention,
		stopCleanup: make(chan struct{}),
	}, nil
}

// Close stops the cleanup loop and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return s.db.Close()
}

// SetEncryptor seals token claims before they are written to disk.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Token claim encryption at rest enabled for bolt storage")
	}
}

// SetRetention sets how long expired tokens are kept before cleanup
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = d
}

// SetInstrumentation enables spans and metrics around every operation and
// reports record counts.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.tracer = instrumentation.NewStorageTracer("bolt", inst)
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.count(tokensBucket) },
		func() int64 { return s.count(clientsBucket) },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// StartCleanup deletes tokens past their retention every interval until
// Close is called.
func (s *Store) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCleanup:
				return
			case <-ticker.C:
				if _, err := s.Cleanup(context.Background()); err != nil {
					s.logger.Warn("Token cleanup failed", "error", err)
				}
			}
		}
	}()
}

func (s *Store) settings() (*security.Encryptor, instrumentation.StorageTracer, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor, s.tracer, s.retention
}

func (s *Store) count(bucket []byte) int64 {
	var n int
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucket).Stats().KeyN
		return nil
	})
	return int64(n)
}

func indexKey(owner, tokenID string) []byte {
	k := make([]byte, 0, len(owner)+1+len(tokenID))
	k = append(k, owner...)
	k = append(k, indexKeySeparator...)
	return append(k, tokenID...)
}

// indexedIDs returns the token IDs indexed under owner.
func indexedIDs(b *bolt.Bucket, owner string) []string {
	prefix := indexKey(owner, "")
	var ids []string
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids
}

// ============================================================
// ApplicationStore Implementation
// ============================================================

// SaveClient registers or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, tracer, _ := s.settings()
	_, done := tracer.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil {
		return fmt.Errorf("%w: client is nil", storage.ErrInvalidRecord)
	}
	if err = client.Validate(); err != nil {
		return err
	}
	data, err := storage.EncodeClient(client)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).Put([]byte(client.ID), data)
	})
}

// FindClientByID retrieves a client by ID
func (s *Store) FindClientByID(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, tracer, _ := s.settings()
	_, done := tracer.Start(ctx, "find_client")
	defer func() { done(err) }()

	var client *storage.Client
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if v == nil {
			return fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		}
		var decodeErr error
		client, decodeErr = storage.DecodeClient(v)
		return decodeErr
	})
	return client, err
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
	enc, tracer, _ := s.settings()
	_, done := tracer.Start(ctx, "create")
	defer func() { done(err) }()

	if err = token.Validate(); err != nil {
		return "", err
	}
	stored := token.Clone()
	if stored.Status == "" {
		stored.Status = storage.StatusValid
	}
	data, err := storage.EncodeToken(stored, enc)
	if err != nil {
		return "", err
	}

	id := []byte(token.ID)
	err = s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(tokensBucket)
		if tokens.Get(id) != nil {
			return fmt.Errorf("%w: token id already in use", storage.ErrConflict)
		}
		if err := tokens.Put(id, data); err != nil {
			return err
		}
		if err := tx.Bucket(byClientBucket).Put(indexKey(token.ClientID, token.ID), nil); err != nil {
			return err
		}
		if token.Subject != "" {
			if err := tx.Bucket(bySubjectBucket).Put(indexKey(token.Subject, token.ID), nil); err != nil {
				return err
			}
		}
		if token.ParentID != "" {
			if err := tx.Bucket(byParentBucket).Put(indexKey(token.ParentID, token.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("Created token",
		"kind", token.Kind,
		"token_prefix", util.SafeTruncate(token.ID, tokenIDLogLength))
	return token.ID, nil
}

// FindTokenByID retrieves a token by ID
func (s *Store) FindTokenByID(ctx context.Context, id string) (_ *storage.Token, err error) {
	enc, tracer, _ := s.settings()
	_, done := tracer.Start(ctx, "find_token")
	defer func() { done(err) }()

	var tok *storage.Token
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(id))
		if v == nil {
			return storage.ErrNotFound
		}
		var decodeErr error
		tok, decodeErr = storage.DecodeToken(v, enc)
		return decodeErr
	})
	return tok, err
}

// updateToken loads a token, applies fn and writes the result back unless fn
// returns false. It must be called inside a read-write transaction.
func updateToken(tx *bolt.Tx, enc *security.Encryptor, id string, fn func(*storage.Token) bool) (*storage.Token, error) {
	tokens := tx.Bucket(tokensBucket)
	v := tokens.Get([]byte(id))
	if v == nil {
		return nil, storage.ErrNotFound
	}
	tok, err := storage.DecodeToken(v, enc)
	if err != nil {
		return nil, err
	}
	if !fn(tok) {
		return tok, nil
	}
	data, err := storage.EncodeToken(tok, enc)
	if err != nil {
		return nil, err
	}
	return tok, tokens.Put([]byte(id), data)
}

// MarkRedeemed atomically transitions a valid, unexpired token to redeemed
func (s *Store) MarkRedeemed(ctx context.Context, id string, grace time.Duration) (_ *storage.Token, err error) {
	enc, tracer, _ := s.settings()
	_, done := tracer.Start(ctx, "mark_redeemed")
	defer func() { done(err) }()

	var (
		tok      *storage.Token
		conflict bool
	)
	err = s.db.Update(func(tx *bolt.Tx) error {
		var uErr error
		tok, uErr = updateToken(tx, enc, id, func(t *storage.Token) bool {
			if !t.IsActive(s.now(), grace) {
				conflict = true
				return false
			}
			t.Status = storage.StatusRedeemed
			return true
		})
		return uErr
	})
	if err != nil {
		return nil, err
	}
	if conflict {
		return tok, fmt.Errorf("%w: token is %s", storage.ErrConflict, tok.Status)
	}

	s.logger.Debug("Marked token as redeemed",
		"kind", tok.Kind,
		"token_prefix", util.SafeTruncate(id, tokenIDLogLength))
	return tok, nil
}

// Revoke marks a token as revoked
func (s *Store) Revoke(ctx context.Context, id string) (err error) {
	enc, tracer, _ := s.settings()
	_, done := tracer.Start(ctx, "revoke")
	defer func() { done(err) }()

	return s.db.Update(func(tx *bolt.Tx) error {
		_, uErr := updateToken(tx, enc, id, revokeFn)
		return uErr
	})
}

func revokeFn(t *storage.Token) bool {
	if t.Status == storage.StatusRevoked {
		return false
	}
	t.Status = storage.StatusRevoked
	return true
}

// RevokeAllForClient revokes every token owned by a client
func (s *Store) RevokeAllForClient(ctx context.Context, clientID string) (_ int, err error) {
	_, tracer, _ := s.settings()
	_, done := tracer.Start(ctx, "revoke_all_for_client")
	defer func() { done(err) }()

	return s.revokeIndexed(byClientBucket, clientID)
}

// RevokeAllForSubject revokes every token issued to a subject
func (s *Store) RevokeAllForSubject(ctx context.Context, subject string) (_ int, err error) {
	_, tracer, _ := s.settings()
	_, done := tracer.Start(ctx, "revoke_all_for_subject")
	defer func() { done(err) }()

	if subject == "" {
		return 0, nil
	}
	return s.revokeIndexed(bySubjectBucket, subject)
}

// RevokeByParent revokes tokens minted from parentID
func (s *Store) RevokeByParent(ctx context.Context, parentID string) (_ int, err error) {
	_, tracer, _ := s.settings()
	_, done := tracer.Start(ctx, "revoke_by_parent")
	defer func() { done(err) }()

	if parentID == "" {
		return 0, nil
	}
	return s.revokeIndexed(byParentBucket, parentID)
}

func (s *Store) revokeIndexed(index []byte, owner string) (int, error) {
	enc, _, _ := s.settings()
	revoked := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, id := range indexedIDs(tx.Bucket(index), owner) {
			changed := false
			_, uErr := updateToken(tx, enc, id, func(t *storage.Token) bool {
				changed = revokeFn(t)
				return changed
			})
			if uErr != nil && !errors.Is(uErr, storage.ErrNotFound) {
				return uErr
			}
			if changed {
				revoked++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revoked, nil
}

// IncrementReuse bumps the reuse counter of a token
func (s *Store) IncrementReuse(ctx context.Context, id string) (_ int, err error) {
	enc, tracer, _ := s.settings()
	_, done := tracer.Start(ctx, "increment_reuse")
	defer func() { done(err) }()

	var tok *storage.Token
	err = s.db.Update(func(tx *bolt.Tx) error {
		var uErr error
		tok, uErr = updateToken(tx, enc, id, func(t *storage.Token) bool {
			t.ReuseCount++
			return true
		})
		return uErr
	})
	if err != nil {
		return 0, err
	}
	return tok.ReuseCount, nil
}

// Cleanup deletes tokens whose expiry is older than the retention window,
// together with their index entries.
func (s *Store) Cleanup(ctx context.Context) (_ int, err error) {
	enc, tracer, retention := s.settings()
	_, done := tracer.Start(ctx, "cleanup")
	defer func() { done(err) }()

	cutoff := s.now().Add(-retention)
	cleaned := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(tokensBucket)
		var expired []*storage.Token
		if err := tokens.ForEach(func(_, v []byte) error {
			tok, err := storage.DecodeToken(v, enc)
			if err != nil {
				return err
			}
			if tok.ExpiresAt.Before(cutoff) {
				expired = append(expired, tok)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, tok := range expired {
			if err := tokens.Delete([]byte(tok.ID)); err != nil {
				return err
			}
			if err := tx.Bucket(byClientBucket).Delete(indexKey(tok.ClientID, tok.ID)); err != nil {
				return err
			}
			if tok.Subject != "" {
				if err := tx.Bucket(bySubjectBucket).Delete(indexKey(tok.Subject, tok.ID)); err != nil {
					return err
				}
			}
			if tok.ParentID != "" {
				if err := tx.Bucket(byParentBucket).Delete(indexKey(tok.ParentID, tok.ID)); err != nil {
					return err
				}
			}
			cleaned++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired tokens", "count", cleaned)
	}
	return cleaned, nil
}
