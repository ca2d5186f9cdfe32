package server

import (
	"context"
	"net/url"
	"testing"

	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/mock"
)

func TestLogout_WithIDTokenHint(t *testing.T) {
	setup := newTestServerSetup(t, Config{})
	tokens := setup.exchange(t, "openid offline_access")

	result, err := setup.srv.Logout(context.Background(), &Request{
		IDTokenHint:           tokens.IDToken,
		PostLogoutRedirectURI: testLogoutURI,
		State:                 "bye",
	})
	if err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if result.Subject != testSubject {
		t.Errorf("Subject = %q, want %q", result.Subject, testSubject)
	}
	if result.ClientID != "webapp" {
		t.Errorf("ClientID = %q, want the hint's azp", result.ClientID)
	}

	location, err := url.Parse(result.Location())
	if err != nil {
		t.Fatalf("invalid location %q: %v", result.Location(), err)
	}
	if location.Query().Get("state") != "bye" {
		t.Errorf("state = %q, want it echoed", location.Query().Get("state"))
	}

	// Tokens survive unless RevokeOnLogout is set
	if result.Revoked != 0 {
		t.Errorf("Revoked = %d, want 0", result.Revoked)
	}
	if got := setup.store.Calls(mock.OpRevokeAllForSubject); got != 0 {
		t.Errorf("RevokeAllForSubject calls = %d, want 0", got)
	}
}

func TestLogout_RevokeOnLogout(t *testing.T) {
	setup := newTestServerSetup(t, Config{
		RevokeOnLogout:              true,
		AllowRefreshTokenRotation:   true,
		RequirePKCEForPublicClients: true,
	})
	tokens := setup.exchange(t, "openid offline_access")

	result, err := setup.srv.Logout(context.Background(), &Request{Ticket: setup.ticket()})
	if err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if result.Revoked < 2 {
		t.Errorf("Revoked = %d, want at least the access and refresh tokens", result.Revoked)
	}
	if result.Location() != "" {
		t.Errorf("Location() = %q, want no redirect", result.Location())
	}
	for _, id := range []string{tokens.AccessToken, tokens.RefreshToken} {
		if got := setup.token(t, id).Status; got != storage.StatusRevoked {
			t.Errorf("token status = %q, want %q", got, storage.StatusRevoked)
		}
	}
}

func TestLogout_Errors(t *testing.T) {
	tests := []struct {
		name string
		req  func(t *testing.T, setup *testServerSetup) *Request
	}{
		{
			name: "malformed id_token_hint",
			req: func(*testing.T, *testServerSetup) *Request {
				return &Request{IDTokenHint: "not-a-jwt"}
			},
		},
		{
			name: "id_token_hint for another client",
			req: func(t *testing.T, setup *testServerSetup) *Request {
				return &Request{
					ClientID:    "other",
					IDTokenHint: setup.exchange(t, "openid").IDToken,
				}
			},
		},
		{
			name: "unregistered post_logout_redirect_uri",
			req: func(t *testing.T, setup *testServerSetup) *Request {
				return &Request{
					IDTokenHint:           setup.exchange(t, "openid").IDToken,
					PostLogoutRedirectURI: "https://evil.example.com/",
				}
			},
		},
		{
			name: "post_logout_redirect_uri without a client",
			req: func(*testing.T, *testServerSetup) *Request {
				return &Request{PostLogoutRedirectURI: testLogoutURI}
			},
		},
		{
			name: "post_logout_redirect_uri of an unknown client",
			req: func(*testing.T, *testServerSetup) *Request {
				return &Request{ClientID: "nobody", PostLogoutRedirectURI: testLogoutURI}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := newTestServerSetup(t, Config{})

			_, err := setup.srv.Logout(context.Background(), tt.req(t, setup))
			requireCode(t, err, ErrorCodeInvalidRequest)
		})
	}
}
