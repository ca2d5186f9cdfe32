// Package mock provides registry implementations for testing that count calls
// and let individual operations be replaced, typically to inject failures.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/memory"
)

// Operation names used as call count keys
const (
	OpFindClientByID      = "FindClientByID"
	OpValidateSecret      = "ValidateSecret"
	OpCreate              = "Create"
	OpFindTokenByID       = "FindTokenByID"
	OpMarkRedeemed        = "MarkRedeemed"
	OpRevoke              = "Revoke"
	OpRevokeAllForClient  = "RevokeAllForClient"
	OpRevokeAllForSubject = "RevokeAllForSubject"
	OpRevokeByParent      = "RevokeByParent"
	OpIncrementReuse      = "IncrementReuse"
)

var writeOps = []string{
	OpCreate, OpMarkRedeemed, OpRevoke, OpRevokeAllForClient,
	OpRevokeAllForSubject, OpRevokeByParent, OpIncrementReuse,
}

type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counter) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[op]++
}

// Calls returns how many times op was invoked
func (c *counter) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// ResetCallCounts resets all call counters
func (c *counter) ResetCallCounts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Store implements storage.ApplicationStore, storage.ClientRegistrar and
// storage.TokenStore. Operations without an override delegate to an
// in-memory store.
type Store struct {
	counter
	backend *memory.Store

	FindClientByIDFunc      func(ctx context.Context, clientID string) (*storage.Client, error)
	CreateFunc              func(ctx context.Context, token *storage.Token) (string, error)
	FindTokenByIDFunc       func(ctx context.Context, id string) (*storage.Token, error)
	MarkRedeemedFunc        func(ctx context.Context, id string, grace time.Duration) (*storage.Token, error)
	RevokeFunc              func(ctx context.Context, id string) error
	RevokeAllForClientFunc  func(ctx context.Context, clientID string) (int, error)
	RevokeAllForSubjectFunc func(ctx context.Context, subject string) (int, error)
	RevokeByParentFunc      func(ctx context.Context, parentID string) (int, error)
	IncrementReuseFunc      func(ctx context.Context, id string) (int, error)
}

var (
	_ storage.ApplicationStore = (*Store)(nil)
	_ storage.ClientRegistrar  = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
)

// New creates a mock store backed by a fresh in-memory store
func New() *Store {
	return &Store{backend: memory.New()}
}

// Close stops the backing store
func (m *Store) Close() {
	m.backend.Stop()
}

// Backend exposes the delegate so tests can seed or inspect state directly
func (m *Store) Backend() *memory.Store {
	return m.backend
}

// Writes returns the number of state-changing token operations invoked
func (m *Store) Writes() int {
	n := 0
	for _, op := range writeOps {
		n += m.Calls(op)
	}
	return n
}

// SaveClient seeds a client. It is not counted.
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	return m.backend.SaveClient(ctx, client)
}

func (m *Store) FindClientByID(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record(OpFindClientByID)
	if m.FindClientByIDFunc != nil {
		return m.FindClientByIDFunc(ctx, clientID)
	}
	return m.backend.FindClientByID(ctx, clientID)
}

func (m *Store) ValidateSecret(ctx context.Context, client *storage.Client, presented string) bool {
	m.record(OpValidateSecret)
	return m.backend.ValidateSecret(ctx, client, presented)
}

func (m *Store) Create(ctx context.Context, token *storage.Token) (string, error) {
	m.record(OpCreate)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, token)
	}
	return m.backend.Create(ctx, token)
}

func (m *Store) FindTokenByID(ctx context.Context, id string) (*storage.Token, error) {
	m.record(OpFindTokenByID)
	if m.FindTokenByIDFunc != nil {
		return m.FindTokenByIDFunc(ctx, id)
	}
	return m.backend.FindTokenByID(ctx, id)
}

func (m *Store) MarkRedeemed(ctx context.Context, id string, grace time.Duration) (*storage.Token, error) {
	m.record(OpMarkRedeemed)
	if m.MarkRedeemedFunc != nil {
		return m.MarkRedeemedFunc(ctx, id, grace)
	}
	return m.backend.MarkRedeemed(ctx, id, grace)
}

func (m *Store) Revoke(ctx context.Context, id string) error {
	m.record(OpRevoke)
	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, id)
	}
	return m.backend.Revoke(ctx, id)
}

func (m *Store) RevokeAllForClient(ctx context.Context, clientID string) (int, error) {
	m.record(OpRevokeAllForClient)
	if m.RevokeAllForClientFunc != nil {
		return m.RevokeAllForClientFunc(ctx, clientID)
	}
	return m.backend.RevokeAllForClient(ctx, clientID)
}

func (m *Store) RevokeAllForSubject(ctx context.Context, subject string) (int, error) {
	m.record(OpRevokeAllForSubject)
	if m.RevokeAllForSubjectFunc != nil {
		return m.RevokeAllForSubjectFunc(ctx, subject)
	}
	return m.backend.RevokeAllForSubject(ctx, subject)
}

func (m *Store) RevokeByParent(ctx context.Context, parentID string) (int, error) {
	m.record(OpRevokeByParent)
	if m.RevokeByParentFunc != nil {
		return m.RevokeByParentFunc(ctx, parentID)
	}
	return m.backend.RevokeByParent(ctx, parentID)
}

func (m *Store) IncrementReuse(ctx context.Context, id string) (int, error) {
	m.record(OpIncrementReuse)
	if m.IncrementReuseFunc != nil {
		return m.IncrementReuseFunc(ctx, id)
	}
	return m.backend.IncrementReuse(ctx, id)
}
