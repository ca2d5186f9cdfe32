package server

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oidc-provider/codec"
	"github.com/giantswarm/oidc-provider/identity"
	idmemory "github.com/giantswarm/oidc-provider/identity/memory"
	"github.com/giantswarm/oidc-provider/internal/testutil"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/mock"
)

const (
	testIssuer      = testutil.Issuer
	testSecret      = testutil.Secret
	testRedirectURI = testutil.RedirectURI
	testSPARedirect = testutil.SPARedirect
	testLogoutURI   = testutil.LogoutURI
	testSubject     = testutil.Subject
	testUsername    = testutil.Username
	testPassword    = testutil.Password
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

// testServerSetup holds common test dependencies
type testServerSetup struct {
	srv    *Server
	store  *mock.Store
	users  *idmemory.Directory
	keys   *codec.GeneratingProvider
	logBuf *bytes.Buffer
	now    time.Time
}

// newTestServerSetup creates a server over a mock store seeded with the
// test clients and one user
func newTestServerSetup(t *testing.T, cfg Config) *testServerSetup {
	t.Helper()

	setup := &testServerSetup{
		store:  mock.New(),
		users:  idmemory.NewDirectory(),
		logBuf: &bytes.Buffer{},
		now:    time.Now(),
	}
	t.Cleanup(setup.store.Close)

	logger := slog.New(slog.NewTextHandler(setup.logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	setup.keys = codec.NewGeneratingProvider("ES256", logger)

	seedClients(t, setup.store)
	testutil.AddUser(t, setup.users)

	if cfg.Issuer == "" {
		cfg.Issuer = testIssuer
	}
	srv, err := New(setup.store, setup.store, setup.keys, setup.users, cfg, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	setup.srv = srv

	// Seeding is not what the tests count
	setup.store.ResetCallCounts()
	return setup
}

func seedClients(t *testing.T, store *mock.Store) {
	t.Helper()

	hash := testutil.HashSecret(t, testSecret)
	testutil.SeedClients(t, store,
		testutil.WebAppClient(hash),
		&storage.Client{
			ID:           "other",
			SecretHash:   hash,
			Type:         storage.ClientTypeConfidential,
			GrantTypes:   []string{"authorization_code", "refresh_token", "client_credentials"},
			Scopes:       []string{"openid", "profile", "offline_access"},
			RedirectURIs: []string{"https://other.example.com/cb"},
		},
		testutil.SPAClient(),
		testutil.ServiceClient(hash),
		&storage.Client{
			ID:         "legacy",
			SecretHash: hash,
			Type:       storage.ClientTypeConfidential,
			GrantTypes: []string{"password", "refresh_token"},
			Scopes:     []string{"openid", "profile", "email", "offline_access"},
		},
	)
}

func (s *testServerSetup) ticket() *identity.Ticket {
	return &identity.Ticket{
		Subject: testSubject,
		Claims: map[string]any{
			identity.ClaimName:              "Alice Liddell",
			identity.ClaimPreferredUsername: testUsername,
			identity.ClaimEmail:             "alice@example.com",
		},
		AuthTime: s.now.Add(-time.Minute),
	}
}

// authorizeCode runs the authorization endpoint for the confidential test
// client and returns the issued code
func (s *testServerSetup) authorizeCode(t *testing.T, scope string) string {
	t.Helper()

	result, err := s.srv.Authorize(context.Background(), &Request{
		ResponseType: ResponseTypeCode,
		ClientID:     "webapp",
		RedirectURI:  testRedirectURI,
		Scope:        scope,
		State:        "xyz",
		Nonce:        "n-0S6_WzA2Mj",
		Ticket:       s.ticket(),
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	code := result.Params.Get("code")
	if code == "" {
		t.Fatal("Authorize() returned no code")
	}
	return code
}

// codeRequest is a token request redeeming code as the confidential client
func codeRequest(code string) *Request {
	return &Request{
		GrantType:            "authorization_code",
		ClientID:             "webapp",
		ClientSecret:         testSecret,
		CredentialsPresented: true,
		Code:                 code,
		RedirectURI:          testRedirectURI,
	}
}

func refreshRequest(refreshToken, scope string) *Request {
	return &Request{
		GrantType:            "refresh_token",
		ClientID:             "webapp",
		ClientSecret:         testSecret,
		CredentialsPresented: true,
		RefreshToken:         refreshToken,
		Scope:                scope,
	}
}

// exchange authorizes and redeems a code for the confidential client
func (s *testServerSetup) exchange(t *testing.T, scope string) *TokenResponse {
	t.Helper()

	resp, err := s.srv.Token(context.Background(), codeRequest(s.authorizeCode(t, scope)))
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	return resp
}

func (s *testServerSetup) token(t *testing.T, id string) *storage.Token {
	t.Helper()

	tok, err := s.store.Backend().FindTokenByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindTokenByID() error = %v", err)
	}
	return tok
}

func (s *testServerSetup) logs() string {
	return s.logBuf.String()
}

// requireCode fails the test unless err is a protocol error with code
func requireCode(t *testing.T, err error, code string) *Error {
	t.Helper()

	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	e := AsError(err)
	if e.Code != code {
		t.Fatalf("error code = %q, want %q (error: %v)", e.Code, code, err)
	}
	return e
}

// fragmentParams parses the parameters of a fragment redirect
func fragmentParams(t *testing.T, location string) url.Values {
	t.Helper()

	_, fragment, ok := strings.Cut(location, "#")
	if !ok {
		t.Fatalf("location %q has no fragment", location)
	}
	params, err := url.ParseQuery(fragment)
	if err != nil {
		t.Fatalf("failed to parse fragment: %v", err)
	}
	return params
}
