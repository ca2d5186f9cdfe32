package server

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/storage"
)

// GrantType is the closed set of flows the validator understands
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantPassword          GrantType = "password"
	GrantImplicit          GrantType = "implicit"
	GrantRefreshToken      GrantType = "refresh_token"
)

// AllGrantTypes lists every supported grant type
var AllGrantTypes = []GrantType{
	GrantAuthorizationCode,
	GrantClientCredentials,
	GrantPassword,
	GrantImplicit,
	GrantRefreshToken,
}

// ParseGrantType returns the grant type named by s
func ParseGrantType(s string) (GrantType, bool) {
	g := GrantType(s)
	if slices.Contains(AllGrantTypes, g) {
		return g, true
	}
	return "", false
}

// AllowsRefreshToken reports whether a refresh token may ever be issued for
// the grant. Implicit and client_credentials never get one.
func (g GrantType) AllowsRefreshToken() bool {
	switch g {
	case GrantAuthorizationCode, GrantPassword, GrantRefreshToken:
		return true
	default:
		return false
	}
}

// Well-known scopes
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
)

// Response types accepted at the authorization endpoint
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"
)

// Request is a parsed protocol request handed over by the HTTP layer. Client
// credentials arrive already extracted from Basic auth or the body.
type Request struct {
	GrantType    string
	ResponseType string

	ClientID     string
	ClientSecret string

	// CredentialsPresented is true when the caller sent a client secret,
	// through either transport
	CredentialsPresented bool

	Code         string
	RefreshToken string
	Username     string
	Password     string
	Scope        string
	RedirectURI  string
	State        string
	Nonce        string

	CodeChallenge       string
	CodeChallengeMethod string
	CodeVerifier        string

	// Token and TokenTypeHint are used by introspection and revocation
	Token         string
	TokenTypeHint string

	// IDTokenHint and PostLogoutRedirectURI are used by logout
	IDTokenHint           string
	PostLogoutRedirectURI string

	// Ticket is the user signed in at the authorization or logout endpoint
	Ticket *identity.Ticket

	ClientIP string

	// Params holds every raw parameter of the request
	Params url.Values
}

// responseTypes splits a space separated response_type into a sorted set
func (r *Request) responseTypes() []string {
	types := strings.Fields(r.ResponseType)
	slices.Sort(types)
	return slices.Compact(types)
}

// ValidatedGrant is the outcome of a successful validation. It is what the
// issuer mints tokens from.
type ValidatedGrant struct {
	Type   GrantType
	Client *storage.Client

	// Scopes is the final granted scope set
	Scopes []string

	// Subject, Claims and AuthTime describe the resource owner. Subject is
	// empty for client_credentials.
	Subject  string
	Claims   map[string]any
	AuthTime time.Time

	Nonce       string
	RedirectURI string
	State       string

	// ResponseTypes is set for implicit grants
	ResponseTypes []string

	// Parent is the code or refresh token being exchanged
	Parent *storage.Token
}

// HasScope reports whether scope was granted
func (g *ValidatedGrant) HasScope(scope string) bool {
	return slices.Contains(g.Scopes, scope)
}

// refreshScopes returns the scope of a refresh token minted for this grant.
// A rotated refresh token keeps the scope of the token it replaces, even
// when the request narrowed the access token (RFC 6749 section 6).
func (g *ValidatedGrant) refreshScopes() []string {
	if g.Type == GrantRefreshToken && g.Parent != nil {
		return g.Parent.Scopes
	}
	return g.Scopes
}

// familyRoot returns the ParentID every token minted from this grant carries
func (g *ValidatedGrant) familyRoot() string {
	if g.Parent == nil {
		return ""
	}
	return familyRoot(g.Parent)
}

// familyRoot returns the root of the grant family tok belongs to
func familyRoot(tok *storage.Token) string {
	if tok.Kind == storage.KindAuthorizationCode || tok.ParentID == "" {
		return tok.ID
	}
	return tok.ParentID
}
