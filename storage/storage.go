package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oidc-provider/security"
)

var (
	// ErrNotFound is returned when a client or token does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an identifier already exists on Create, or
	// when a transition is attempted on a token that is no longer valid
	ErrConflict = errors.New("conflict")

	// ErrInvalidRecord is returned when a record fails structural validation
	ErrInvalidRecord = errors.New("invalid record")
)

// ApplicationStore is the read-only application registry.
type ApplicationStore interface {
	// FindClientByID returns the client or an error wrapping ErrNotFound
	FindClientByID(ctx context.Context, clientID string) (*Client, error)

	// ValidateSecret compares presented against the client's stored hash in
	// constant time. It returns false for public clients.
	ValidateSecret(ctx context.Context, client *Client, presented string) bool
}

// ClientRegistrar is implemented by stores that can be seeded with clients at
// startup. It is not used by the protocol engine.
type ClientRegistrar interface {
	SaveClient(ctx context.Context, client *Client) error
}

// TokenStore is the token registry.
type TokenStore interface {
	// Create persists a new token. It fails with ErrConflict if the
	// identifier is already in use; callers retry with a fresh identifier.
	Create(ctx context.Context, token *Token) (string, error)

	// FindTokenByID returns a copy of the token or an error wrapping ErrNotFound.
	// Expired and terminal tokens are still returned; callers decide.
	FindTokenByID(ctx context.Context, id string) (*Token, error)

	// MarkRedeemed atomically transitions a valid token to redeemed and
	// returns it. When the token is not valid the current record is returned
	// together with an error wrapping ErrConflict, so callers can run reuse
	// detection. Tokens expired by more than grace are treated as not
	// valid; callers pass the grace period their own validation used.
	MarkRedeemed(ctx context.Context, id string, grace time.Duration) (*Token, error)

	// Revoke moves a token to revoked. Revoking a terminal token is a no-op.
	Revoke(ctx context.Context, id string) error

	// RevokeAllForClient revokes every non-revoked token owned by the client
	RevokeAllForClient(ctx context.Context, clientID string) (int, error)

	// RevokeAllForSubject revokes every non-revoked token issued to subject
	RevokeAllForSubject(ctx context.Context, subject string) (int, error)

	// RevokeByParent revokes every token whose ParentID is parentID
	RevokeByParent(ctx context.Context, parentID string) (int, error)

	// IncrementReuse bumps the reuse-detection counter and returns the new value
	IncrementReuse(ctx context.Context, id string) (int, error)
}

// ClientType distinguishes clients that can keep a secret from those that can't
type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential"
	ClientTypePublic       ClientType = "public"
)

// Client represents a registered application
type Client struct {
	ID                     string
	SecretHash             string // bcrypt, empty for public clients
	Type                   ClientType
	Name                   string
	GrantTypes             []string
	Scopes                 []string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	CreatedAt              time.Time
}

// IsPublic reports whether the client has no secret
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// AllowsGrant reports whether grantType is in the client's allowed set
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// HasRedirectURI reports an exact match against the registered redirect URIs
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasPostLogoutRedirectURI reports an exact match against the registered logout URIs
func (c *Client) HasPostLogoutRedirectURI(uri string) bool {
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// Validate checks the structural invariants of a client record
func (c *Client) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidRecord)
	}
	switch c.Type {
	case ClientTypeConfidential:
		if c.SecretHash == "" {
			return fmt.Errorf("%w: confidential client %s has no secret", ErrInvalidRecord, c.ID)
		}
	case ClientTypePublic:
	default:
		return fmt.Errorf("%w: unknown client type %q", ErrInvalidRecord, c.Type)
	}
	return nil
}

// TokenKind identifies what a token is used for
type TokenKind string

const (
	KindAuthorizationCode TokenKind = "authorization_code"
	KindAccessToken       TokenKind = "access_token"
	KindRefreshToken      TokenKind = "refresh_token"
	KindIDToken           TokenKind = "id_token"
)

// TokenStatus is the lifecycle state of a token
type TokenStatus string

const (
	StatusValid    TokenStatus = "valid"
	StatusRedeemed TokenStatus = "redeemed"
	StatusRevoked  TokenStatus = "revoked"
)

// Token is an issued token record. Only Status and ReuseCount change after
// creation.
type Token struct {
	ID        string
	Kind      TokenKind
	ClientID  string
	Subject   string // empty for client_credentials
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Status    TokenStatus

	// Authorization code bindings. RedirectURI is empty when the
	// authorization request omitted redirect_uri.
	RedirectURI         string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Claims are the resource owner claims baked in at issuance
	Claims map[string]any

	// ParentID is the root of the grant family this token belongs to: the
	// authorization code it descends from, or the first refresh token of a
	// password grant. Empty for the root itself.
	ParentID string

	// AuthTime is when the resource owner authenticated
	AuthTime time.Time

	ReuseCount int
}

// Validate checks the structural invariants required by Create
func (t *Token) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: token is nil", ErrInvalidRecord)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: token id is required", ErrInvalidRecord)
	}
	if t.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidRecord)
	}
	switch t.Kind {
	case KindAuthorizationCode, KindAccessToken, KindRefreshToken, KindIDToken:
	default:
		return fmt.Errorf("%w: unknown token kind %q", ErrInvalidRecord, t.Kind)
	}
	if !t.ExpiresAt.After(t.IssuedAt) {
		return fmt.Errorf("%w: expires_at must be after issued_at", ErrInvalidRecord)
	}
	return nil
}

// IsExpired reports whether the token is past its expiry (with grace) at now
func (t *Token) IsExpired(now time.Time, grace time.Duration) bool {
	return security.IsTokenExpiredAt(t.ExpiresAt, now, grace)
}

// IsActive reports whether the token is valid and unexpired at now
func (t *Token) IsActive(now time.Time, grace time.Duration) bool {
	return t.Status == StatusValid && !t.IsExpired(now, grace)
}

// Clone returns a deep copy so callers cannot mutate store state
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	if t.Claims != nil {
		c.Claims = make(map[string]any, len(t.Claims))
		for k, v := range t.Claims {
			c.Claims[k] = v
		}
	}
	return &c
}

// Clone returns a deep copy of the client
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.Scopes = slices.Clone(c.Scopes)
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	return &out
}
