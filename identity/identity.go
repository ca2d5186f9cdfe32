// Package identity defines how the provider learns who the resource owner
// is. The engine never authenticates users itself; it asks a Resolver to
// check password grant credentials and a SessionReader for the user signed
// in to the authorization endpoint.
package identity

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"
)

// ErrInvalidCredentials is returned by a Resolver when the username or the
// password does not match. Implementations must not say which.
var ErrInvalidCredentials = errors.New("invalid resource owner credentials")

// Ticket is the result of authenticating a resource owner. It is never
// persisted; its claims are copied into the tokens it produces.
type Ticket struct {
	// Subject is the stable user identifier (sub claim)
	Subject string

	// Claims are the standard OIDC claims of the user
	Claims map[string]any

	// Scopes is the negotiated scope set, filled in by the engine
	Scopes []string

	// AuthTime is when the user authenticated
	AuthTime time.Time
}

// Clone returns a copy safe to modify
func (t *Ticket) Clone() *Ticket {
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

// Resolver checks resource owner credentials for the password grant.
type Resolver interface {
	// ResolveResourceOwner returns a Ticket or an error wrapping
	// ErrInvalidCredentials. Any other error is an infrastructure failure.
	ResolveResourceOwner(ctx context.Context, username, password string) (*Ticket, error)
}

// SessionReader reports the user signed in to the authorization endpoint.
type SessionReader interface {
	// CurrentSignedInUser returns nil and no error when nobody is signed in
	CurrentSignedInUser(r *http.Request) (*Ticket, error)
}

// UserInfo is the profile of a resource owner
type UserInfo struct {
	// ID is the unique user identifier
	ID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	// Name is the user's full name
	Name string

	// GivenName is the user's first name
	GivenName string

	// FamilyName is the user's last name
	FamilyName string

	// PreferredUsername is the short name the user goes by
	PreferredUsername string

	// Picture is the URL of the user's profile picture
	Picture string

	// Locale is the user's locale
	Locale string
}

// Claims maps the profile to OIDC claim names, skipping empty values
func (u *UserInfo) Claims() map[string]any {
	claims := make(map[string]any)
	set := func(name, value string) {
		if value != "" {
			claims[name] = value
		}
	}
	set(ClaimName, u.Name)
	set(ClaimGivenName, u.GivenName)
	set(ClaimFamilyName, u.FamilyName)
	set(ClaimPreferredUsername, u.PreferredUsername)
	set(ClaimPicture, u.Picture)
	set(ClaimLocale, u.Locale)
	if u.Email != "" {
		claims[ClaimEmail] = u.Email
		claims[ClaimEmailVerified] = u.EmailVerified
	}
	return claims
}

// OIDC standard claim names
const (
	ClaimName              = "name"
	ClaimGivenName         = "given_name"
	ClaimFamilyName        = "family_name"
	ClaimPreferredUsername = "preferred_username"
	ClaimPicture           = "picture"
	ClaimLocale            = "locale"
	ClaimEmail             = "email"
	ClaimEmailVerified     = "email_verified"
)

// ScopeClaims lists the claims released for each scope
var ScopeClaims = map[string][]string{
	"profile": {ClaimName, ClaimGivenName, ClaimFamilyName, ClaimPreferredUsername, ClaimPicture, ClaimLocale},
	"email":   {ClaimEmail, ClaimEmailVerified},
}

// FilterClaims returns the subset of claims released by scopes
func FilterClaims(claims map[string]any, scopes []string) map[string]any {
	out := make(map[string]any)
	for _, scope := range scopes {
		for _, name := range ScopeClaims[scope] {
			if v, ok := claims[name]; ok {
				out[name] = v
			}
		}
	}
	return out
}
