package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/storagetest"
)

func TestStore_DelegatesAndCounts(t *testing.T) {
	ctx := context.Background()
	m := New()
	defer m.Close()

	tok := storagetest.NewToken("t1", storage.KindAuthorizationCode, "c1", "bob")
	if _, err := m.Create(ctx, tok); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.FindTokenByID(ctx, "t1"); err != nil {
		t.Fatalf("FindTokenByID() error = %v", err)
	}
	if _, err := m.MarkRedeemed(ctx, "t1", storagetest.Grace); err != nil {
		t.Fatalf("MarkRedeemed() error = %v", err)
	}

	if got := m.Calls(OpCreate); got != 1 {
		t.Errorf("Calls(Create) = %d, want 1", got)
	}
	if got := m.Writes(); got != 2 {
		t.Errorf("Writes() = %d, want 2", got)
	}

	m.ResetCallCounts()
	if got := m.Writes(); got != 0 {
		t.Errorf("Writes() after reset = %d, want 0", got)
	}
}

func TestStore_Override(t *testing.T) {
	ctx := context.Background()
	m := New()
	defer m.Close()

	boom := errors.New("connection refused")
	m.CreateFunc = func(context.Context, *storage.Token) (string, error) {
		return "", boom
	}

	_, err := m.Create(ctx, storagetest.NewToken("t1", storage.KindAccessToken, "c1", "bob"))
	if !errors.Is(err, boom) {
		t.Errorf("Create() error = %v, want injected error", err)
	}
	if _, err := m.Backend().FindTokenByID(ctx, "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("override should bypass the backend, got %v", err)
	}
}
