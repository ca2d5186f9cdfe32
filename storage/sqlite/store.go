package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/storage"
)

//go:embed schema.sql
var schema string

const upsertClientQuery = `
INSERT INTO clients (id, secret_hash, client_type, name, grant_types, scopes,
    redirect_uris, post_logout_redirect_uris, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    secret_hash = excluded.secret_hash,
    client_type = excluded.client_type,
    name = excluded.name,
    grant_types = excluded.grant_types,
    scopes = excluded.scopes,
    redirect_uris = excluded.redirect_uris,
    post_logout_redirect_uris = excluded.post_logout_redirect_uris,
    updated_at = excluded.updated_at;
`

const selectClientQuery = `
SELECT id, secret_hash, client_type, name, grant_types, scopes,
    redirect_uris, post_logout_redirect_uris, created_at
FROM clients
WHERE id = ?;
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements storage.ApplicationStore and storage.ClientRegistrar over
// SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time

	mu     sync.RWMutex
	tracer instrumentation.StorageTracer
}

var (
	_ storage.ApplicationStore = (*Store)(nil)
	_ storage.ClientRegistrar  = (*Store)(nil)
)

// Open opens a SQLite store at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SetInstrumentation enables spans and metrics around every operation and
// reports the client count.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	s.mu.Lock()
	s.tracer = instrumentation.NewStorageTracer("sqlite", inst)
	s.mu.Unlock()

	if inst == nil {
		return nil
	}
	return inst.RegisterStorageSizeCallbacks(nil, func() int64 {
		var n int64
		if err := s.sqlDB.QueryRow("SELECT COUNT(*) FROM clients").Scan(&n); err != nil {
			return 0
		}
		return n
	})
}

func (s *Store) start(ctx context.Context, op string) (context.Context, func(error)) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()
	return tracer.Start(ctx, op)
}

// SaveClient inserts or replaces a client. CreatedAt is kept from the first
// insert.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil {
		return fmt.Errorf("%w: client is nil", storage.ErrInvalidRecord)
	}
	if err = client.Validate(); err != nil {
		return err
	}

	lists := make([]string, 0, 4)
	for _, l := range [][]string{client.GrantTypes, client.Scopes, client.RedirectURIs, client.PostLogoutRedirectURIs} {
		encoded, err := encodeList(l)
		if err != nil {
			return err
		}
		lists = append(lists, encoded)
	}

	now := s.now()
	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.sqlDB.ExecContext(ctx, upsertClientQuery,
		client.ID, client.SecretHash, string(client.Type), client.Name,
		lists[0], lists[1], lists[2], lists[3],
		toMillis(createdAt), toMillis(now))
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

// FindClientByID loads a client by ID
func (s *Store) FindClientByID(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.start(ctx, "find_client")
	defer func() { done(err) }()

	var c storage.Client
	var clientType string
	var grantTypes, scopes, redirectURIs, logoutRedirects string
	var createdAt int64
	err = s.sqlDB.QueryRowContext(ctx, selectClientQuery, clientID).Scan(
		&c.ID, &c.SecretHash, &clientType, &c.Name,
		&grantTypes, &scopes, &redirectURIs, &logoutRedirects, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	c.Type = storage.ClientType(clientType)
	c.CreatedAt = fromMillis(createdAt)
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{grantTypes, &c.GrantTypes},
		{scopes, &c.Scopes},
		{redirectURIs, &c.RedirectURIs},
		{logoutRedirects, &c.PostLogoutRedirectURIs},
	} {
		if err = json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode client %s: %w", clientID, err)
		}
	}
	return &c, nil
}

// ValidateSecret checks a presented client secret with bcrypt
func (s *Store) ValidateSecret(_ context.Context, client *storage.Client, presented string) bool {
	return storage.CompareSecret(client, presented)
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}
