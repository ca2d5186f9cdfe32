// Package storagetest provides conformance tests shared by every registry
// implementation.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oidc-provider/storage"
)

// Grace is the clock skew grace period the suite redeems with
const Grace = 5 * time.Second

// NewToken returns a valid token record for tests.
func NewToken(id string, kind storage.TokenKind, clientID, subject string) *storage.Token {
	now := time.Now().Truncate(time.Millisecond)
	return &storage.Token{
		ID:        id,
		Kind:      kind,
		ClientID:  clientID,
		Subject:   subject,
		Scopes:    []string{"openid", "profile"},
		IssuedAt:  now,
		ExpiresAt: now.Add(10 * time.Minute),
		Status:    storage.StatusValid,
		Claims:    map[string]any{"name": "Bob le Magnifique"},
	}
}

// TestTokenStore runs the token registry contract against stores built by
// newStore. Each subtest gets a fresh store.
func TestTokenStore(t *testing.T, newStore func(t *testing.T) storage.TokenStore) {
	ctx := context.Background()

	t.Run("CreateAndFind", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("tok-create", storage.KindAuthorizationCode, "c1", "bob")
		tok.RedirectURI = "https://cb/"
		tok.CodeChallenge = "challenge"
		tok.CodeChallengeMethod = "S256"

		id, err := s.Create(ctx, tok)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if id != tok.ID {
			t.Errorf("Create() id = %q, want %q", id, tok.ID)
		}

		got, err := s.FindTokenByID(ctx, id)
		if err != nil {
			t.Fatalf("FindTokenByID() error = %v", err)
		}
		if got.ClientID != "c1" || got.Subject != "bob" || got.RedirectURI != "https://cb/" {
			t.Errorf("FindTokenByID() = %+v", got)
		}
		if got.Status != storage.StatusValid {
			t.Errorf("Status = %q, want valid", got.Status)
		}
		if got.CodeChallengeMethod != "S256" {
			t.Errorf("CodeChallengeMethod = %q", got.CodeChallengeMethod)
		}
		if got.Claims["name"] != "Bob le Magnifique" {
			t.Errorf("Claims = %v", got.Claims)
		}
		if !got.ExpiresAt.Equal(tok.ExpiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, tok.ExpiresAt)
		}
	})

	t.Run("CreateConflict", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("tok-dup", storage.KindAccessToken, "c1", "bob")
		if _, err := s.Create(ctx, tok); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := s.Create(ctx, tok); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("second Create() error = %v, want ErrConflict", err)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("tok-invalid", storage.KindAccessToken, "c1", "bob")
		tok.ExpiresAt = tok.IssuedAt
		if _, err := s.Create(ctx, tok); !errors.Is(err, storage.ErrInvalidRecord) {
			t.Errorf("Create() error = %v, want ErrInvalidRecord", err)
		}
	})

	t.Run("FindNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.FindTokenByID(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("FindTokenByID() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("MarkRedeemed", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("tok-redeem", storage.KindAuthorizationCode, "c1", "bob")
		if _, err := s.Create(ctx, tok); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		got, err := s.MarkRedeemed(ctx, tok.ID, Grace)
		if err != nil {
			t.Fatalf("MarkRedeemed() error = %v", err)
		}
		if got.Status != storage.StatusRedeemed {
			t.Errorf("Status = %q, want redeemed", got.Status)
		}

		again, err := s.MarkRedeemed(ctx, tok.ID, Grace)
		if !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("second MarkRedeemed() error = %v, want ErrConflict", err)
		}
		if again == nil || again.Subject != "bob" {
			t.Errorf("conflict should return the current record, got %+v", again)
		}

		if _, err := s.MarkRedeemed(ctx, "missing", Grace); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("MarkRedeemed(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("MarkRedeemedExpired", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("tok-expired", storage.KindAuthorizationCode, "c1", "bob")
		tok.IssuedAt = time.Now().Add(-time.Hour).Truncate(time.Millisecond)
		tok.ExpiresAt = tok.IssuedAt.Add(time.Minute)
		if _, err := s.Create(ctx, tok); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := s.MarkRedeemed(ctx, tok.ID, Grace); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("MarkRedeemed() on expired token error = %v, want ErrConflict", err)
		}
	})

	t.Run("MarkRedeemedWithinGrace", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("tok-grace", storage.KindAuthorizationCode, "c1", "bob")
		tok.IssuedAt = time.Now().Add(-5 * time.Minute).Truncate(time.Millisecond)
		tok.ExpiresAt = time.Now().Add(-30 * time.Second).Truncate(time.Millisecond)
		if _, err := s.Create(ctx, tok); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, err := s.MarkRedeemed(ctx, tok.ID, Grace); !errors.Is(err, storage.ErrConflict) {
			t.Fatalf("MarkRedeemed() past a %v grace error = %v, want ErrConflict", Grace, err)
		}
		got, err := s.MarkRedeemed(ctx, tok.ID, time.Minute)
		if err != nil {
			t.Fatalf("MarkRedeemed() within a 1m grace error = %v", err)
		}
		if got.Status != storage.StatusRedeemed {
			t.Errorf("Status = %q, want redeemed", got.Status)
		}
	})

	t.Run("MarkRedeemedConcurrent", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("tok-race", storage.KindAuthorizationCode, "c1", "bob")
		if _, err := s.Create(ctx, tok); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		const workers = 20
		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.MarkRedeemed(ctx, tok.ID, Grace)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, storage.ErrConflict):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("successful redemptions = %d, want 1", wins.Load())
		}
		if conflicts.Load() != workers-1 {
			t.Errorf("conflicts = %d, want %d", conflicts.Load(), workers-1)
		}
	})

	t.Run("Revoke", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("tok-revoke", storage.KindRefreshToken, "c1", "bob")
		if _, err := s.Create(ctx, tok); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := s.Revoke(ctx, tok.ID); err != nil {
			t.Fatalf("Revoke() error = %v", err)
		}
		if err := s.Revoke(ctx, tok.ID); err != nil {
			t.Errorf("second Revoke() error = %v, want nil", err)
		}
		got, _ := s.FindTokenByID(ctx, tok.ID)
		if got.Status != storage.StatusRevoked {
			t.Errorf("Status = %q, want revoked", got.Status)
		}
		if _, err := s.MarkRedeemed(ctx, tok.ID, Grace); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("MarkRedeemed() after revoke error = %v, want ErrConflict", err)
		}
		if err := s.Revoke(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Revoke(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("RevokeAllForClientAndSubject", func(t *testing.T) {
		s := newStore(t)
		for _, tok := range []*storage.Token{
			NewToken("a1", storage.KindAccessToken, "c1", "bob"),
			NewToken("a2", storage.KindRefreshToken, "c1", "alice"),
			NewToken("a3", storage.KindAccessToken, "c2", "bob"),
			NewToken("a4", storage.KindAccessToken, "c2", "carol"),
		} {
			if _, err := s.Create(ctx, tok); err != nil {
				t.Fatalf("Create(%s) error = %v", tok.ID, err)
			}
		}

		n, err := s.RevokeAllForClient(ctx, "c1")
		if err != nil {
			t.Fatalf("RevokeAllForClient() error = %v", err)
		}
		if n != 2 {
			t.Errorf("RevokeAllForClient() = %d, want 2", n)
		}

		n, err = s.RevokeAllForSubject(ctx, "bob")
		if err != nil {
			t.Fatalf("RevokeAllForSubject() error = %v", err)
		}
		if n != 1 {
			t.Errorf("RevokeAllForSubject() = %d, want 1 (a1 already revoked)", n)
		}

		for id, want := range map[string]storage.TokenStatus{
			"a1": storage.StatusRevoked,
			"a2": storage.StatusRevoked,
			"a3": storage.StatusRevoked,
			"a4": storage.StatusValid,
		} {
			got, err := s.FindTokenByID(ctx, id)
			if err != nil {
				t.Fatalf("FindTokenByID(%s) error = %v", id, err)
			}
			if got.Status != want {
				t.Errorf("%s status = %q, want %q", id, got.Status, want)
			}
		}
	})

	t.Run("RevokeByParent", func(t *testing.T) {
		s := newStore(t)
		child1 := NewToken("child-1", storage.KindAccessToken, "c1", "bob")
		child1.ParentID = "code-1"
		child2 := NewToken("child-2", storage.KindRefreshToken, "c1", "bob")
		child2.ParentID = "code-1"
		other := NewToken("other", storage.KindAccessToken, "c1", "bob")
		for _, tok := range []*storage.Token{child1, child2, other} {
			if _, err := s.Create(ctx, tok); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
		}

		n, err := s.RevokeByParent(ctx, "code-1")
		if err != nil {
			t.Fatalf("RevokeByParent() error = %v", err)
		}
		if n != 2 {
			t.Errorf("RevokeByParent() = %d, want 2", n)
		}
		got, _ := s.FindTokenByID(ctx, "other")
		if got.Status != storage.StatusValid {
			t.Error("unrelated token should stay valid")
		}
	})

	t.Run("IncrementReuse", func(t *testing.T) {
		s := newStore(t)
		tok := NewToken("tok-reuse", storage.KindAuthorizationCode, "c1", "bob")
		if _, err := s.Create(ctx, tok); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		for want := 1; want <= 2; want++ {
			n, err := s.IncrementReuse(ctx, tok.ID)
			if err != nil {
				t.Fatalf("IncrementReuse() error = %v", err)
			}
			if n != want {
				t.Errorf("IncrementReuse() = %d, want %d", n, want)
			}
		}
		got, _ := s.FindTokenByID(ctx, tok.ID)
		if got.ReuseCount != 2 {
			t.Errorf("ReuseCount = %d, want 2", got.ReuseCount)
		}
		if _, err := s.IncrementReuse(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("IncrementReuse(missing) error = %v, want ErrNotFound", err)
		}
	})
}

// TestApplicationStore runs the application registry contract.
func TestApplicationStore(t *testing.T, newStore func(t *testing.T) (storage.ApplicationStore, storage.ClientRegistrar)) {
	ctx := context.Background()

	hash, err := storage.HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}

	t.Run("SaveAndFind", func(t *testing.T) {
		apps, reg := newStore(t)
		client := &storage.Client{
			ID:                     "c1",
			SecretHash:             hash,
			Type:                   storage.ClientTypeConfidential,
			Name:                   "Client One",
			GrantTypes:             []string{"authorization_code", "refresh_token"},
			Scopes:                 []string{"profile", "offline_access"},
			RedirectURIs:           []string{"https://cb/"},
			PostLogoutRedirectURIs: []string{"https://cb/logged-out"},
			CreatedAt:              time.Now().Truncate(time.Millisecond),
		}
		if err := reg.SaveClient(ctx, client); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}

		got, err := apps.FindClientByID(ctx, "c1")
		if err != nil {
			t.Fatalf("FindClientByID() error = %v", err)
		}
		if got.Type != storage.ClientTypeConfidential || got.Name != "Client One" {
			t.Errorf("FindClientByID() = %+v", got)
		}
		if !got.AllowsGrant("refresh_token") || got.AllowsGrant("password") {
			t.Errorf("GrantTypes = %v", got.GrantTypes)
		}
		if !got.HasRedirectURI("https://cb/") || got.HasRedirectURI("https://cb") {
			t.Errorf("RedirectURIs = %v", got.RedirectURIs)
		}
		if !got.HasPostLogoutRedirectURI("https://cb/logged-out") {
			t.Errorf("PostLogoutRedirectURIs = %v", got.PostLogoutRedirectURIs)
		}

		if !apps.ValidateSecret(ctx, got, "s3cret") {
			t.Error("ValidateSecret() with correct secret = false")
		}
		if apps.ValidateSecret(ctx, got, "wrong") {
			t.Error("ValidateSecret() with wrong secret = true")
		}
	})

	t.Run("FindNotFound", func(t *testing.T) {
		apps, _ := newStore(t)
		if _, err := apps.FindClientByID(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("FindClientByID() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("PublicClientNeverValidatesSecret", func(t *testing.T) {
		apps, reg := newStore(t)
		client := &storage.Client{
			ID:         "c2",
			Type:       storage.ClientTypePublic,
			GrantTypes: []string{"authorization_code"},
			Scopes:     []string{"profile"},
		}
		if err := reg.SaveClient(ctx, client); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
		got, err := apps.FindClientByID(ctx, "c2")
		if err != nil {
			t.Fatalf("FindClientByID() error = %v", err)
		}
		if !got.IsPublic() {
			t.Error("IsPublic() = false")
		}
		if apps.ValidateSecret(ctx, got, "") {
			t.Error("ValidateSecret() on public client = true")
		}
	})

	t.Run("SaveInvalid", func(t *testing.T) {
		_, reg := newStore(t)
		err := reg.SaveClient(ctx, &storage.Client{ID: "c3", Type: storage.ClientTypeConfidential})
		if !errors.Is(err, storage.ErrInvalidRecord) {
			t.Errorf("SaveClient() error = %v, want ErrInvalidRecord", err)
		}
	})
}
