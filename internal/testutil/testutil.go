package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/storage"
)

// Fixture values used across packages
const (
	Issuer      = "https://auth.example.com"
	Secret      = "correct-horse-battery-staple"
	RedirectURI = "https://cb/"
	LogoutURI   = "https://cb/logged-out"
	SPARedirect = "https://spa.example.com/callback"
	Username    = "alice"
	Password    = "wonderland"
	Subject     = "user-1"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// HashSecret hashes secret at the minimum bcrypt cost
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return string(hash)
}

// WebAppClient is a confidential client using the code flow with refresh
func WebAppClient(secretHash string) *storage.Client {
	return &storage.Client{
		ID:                     "webapp",
		SecretHash:             secretHash,
		Type:                   storage.ClientTypeConfidential,
		GrantTypes:             []string{"authorization_code", "refresh_token"},
		Scopes:                 []string{"openid", "profile", "email", "offline_access"},
		RedirectURIs:           []string{RedirectURI},
		PostLogoutRedirectURIs: []string{LogoutURI},
	}
}

// SPAClient is a public client. It lists client_credentials so tests can
// check that public clients are refused that grant regardless.
func SPAClient() *storage.Client {
	return &storage.Client{
		ID:           "spa",
		Type:         storage.ClientTypePublic,
		GrantTypes:   []string{"authorization_code", "refresh_token", "implicit", "client_credentials"},
		Scopes:       []string{"openid", "profile", "offline_access"},
		RedirectURIs: []string{SPARedirect},
	}
}

// ServiceClient is a confidential machine client
func ServiceClient(secretHash string) *storage.Client {
	return &storage.Client{
		ID:         "service",
		SecretHash: secretHash,
		Type:       storage.ClientTypeConfidential,
		GrantTypes: []string{"client_credentials"},
		Scopes:     []string{"reports:read", "reports:write"},
	}
}

// SeedClients saves clients into registrar, failing the test on error
func SeedClients(t testing.TB, registrar storage.ClientRegistrar, clients ...*storage.Client) {
	t.Helper()
	for _, c := range clients {
		if err := registrar.SaveClient(context.Background(), c); err != nil {
			t.Fatalf("SaveClient(%s) error = %v", c.ID, err)
		}
	}
}

// UserAdder is implemented by user directories that accept plaintext passwords
type UserAdder interface {
	AddUser(username, password string, info identity.UserInfo) error
}

// UserInfo is the profile of the fixture resource owner
func UserInfo() identity.UserInfo {
	return identity.UserInfo{
		ID:                Subject,
		Name:              "Alice Liddell",
		PreferredUsername: Username,
		Email:             "alice@example.com",
		EmailVerified:     true,
	}
}

// AddUser registers the fixture resource owner
func AddUser(t testing.TB, users UserAdder) {
	t.Helper()
	if err := users.AddUser(Username, Password, UserInfo()); err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
}

// GenerateRandomString returns a URL-safe random string of length characters
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}
