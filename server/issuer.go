package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/oidc-provider/codec"
	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

// maxCreateAttempts bounds retries when a generated identifier collides
const maxCreateAttempts = 3

// TokenTypeBearer is the only token_type issued
const TokenTypeBearer = "Bearer"

// TokenResponse is the success payload of the token endpoint, and of the
// authorization endpoint for implicit grants
type TokenResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	State        string `json:"state,omitempty"`
}

// Issuer mints and persists tokens for validated grants
type Issuer struct {
	config  *Config
	tokens  storage.TokenStore
	signer  *codec.IDTokenSigner
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// IssueCode mints an authorization code for grant. The code is bound to the
// redirect URI, nonce and PKCE challenge.
func (i *Issuer) IssueCode(ctx context.Context, grant *ValidatedGrant, challenge, method string) (string, error) {
	now := i.now()
	code := &storage.Token{
		Kind:                storage.KindAuthorizationCode,
		ClientID:            grant.Client.ID,
		Subject:             grant.Subject,
		Scopes:              slices.Clone(grant.Scopes),
		IssuedAt:            now,
		ExpiresAt:           now.Add(i.config.AuthorizationCodeTTL),
		Status:              storage.StatusValid,
		RedirectURI:         grant.RedirectURI,
		Nonce:               grant.Nonce,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Claims:              grant.Claims,
		AuthTime:            grant.AuthTime,
	}
	id, err := i.create(ctx, code)
	if err != nil {
		return "", err
	}
	i.metrics.RecordTokenIssued(ctx, string(GrantAuthorizationCode), string(storage.KindAuthorizationCode))
	return id, nil
}

// Issue mints the token set for grant. No token carries more scope than
// the grant. If any part fails, tokens already created by this call are
// revoked before the error is returned.
func (i *Issuer) Issue(ctx context.Context, grant *ValidatedGrant) (_ *TokenResponse, err error) {
	now := i.now()
	resp := &TokenResponse{
		Scope: util.JoinScopes(grant.Scopes),
		State: grant.State,
	}

	var created []string
	defer func() {
		if err != nil {
			i.discard(ctx, created)
		}
	}()

	root := grant.familyRoot()

	// A refresh token is created first so a password grant can root its
	// family at it
	if i.wantsRefreshToken(grant) {
		refresh, err := i.refreshToken(ctx, grant, root, now)
		if err != nil {
			return nil, err
		}
		if refresh != nil {
			if refresh.ID != grant.parentID() {
				created = append(created, refresh.ID)
			}
			if root == "" {
				root = refresh.ID
			}
			resp.RefreshToken = refresh.ID
		}
	}

	if i.wantsAccessToken(grant) {
		access := &storage.Token{
			Kind:      storage.KindAccessToken,
			ClientID:  grant.Client.ID,
			Subject:   grant.Subject,
			Scopes:    slices.Clone(grant.Scopes),
			IssuedAt:  now,
			ExpiresAt: now.Add(i.config.AccessTokenTTL),
			Status:    storage.StatusValid,
			Claims:    grant.Claims,
			ParentID:  root,
			AuthTime:  grant.AuthTime,
		}
		id, err := i.create(ctx, access)
		if err != nil {
			return nil, err
		}
		created = append(created, id)
		resp.AccessToken = id
		resp.TokenType = TokenTypeBearer
		resp.ExpiresIn = int64(i.config.AccessTokenTTL / time.Second)
	}

	if i.wantsIDToken(grant) {
		idToken, err := i.idToken(ctx, grant, resp.AccessToken, now)
		if err != nil {
			return nil, ErrServer(err)
		}
		resp.IDToken = idToken
	}

	i.recordIssued(ctx, grant, resp)
	return resp, nil
}

// parentID returns the identifier of the exchanged token, if any
func (g *ValidatedGrant) parentID() string {
	if g.Parent == nil {
		return ""
	}
	return g.Parent.ID
}

func (i *Issuer) wantsAccessToken(grant *ValidatedGrant) bool {
	if grant.Type != GrantImplicit {
		return true
	}
	return slices.Contains(grant.ResponseTypes, ResponseTypeToken)
}

// wantsIDToken reports whether an identity token is issued. It needs the
// openid scope and a resource owner.
func (i *Issuer) wantsIDToken(grant *ValidatedGrant) bool {
	if !grant.HasScope(ScopeOpenID) || grant.Subject == "" {
		return false
	}
	if grant.Type == GrantImplicit {
		return slices.Contains(grant.ResponseTypes, ResponseTypeIDToken)
	}
	return true
}

// wantsRefreshToken reports whether a refresh token is part of the response.
// Implicit and client_credentials grants never get one. A refresh grant is
// judged on the presented token's scope, so a narrowed request still gets
// its rotated replacement.
func (i *Issuer) wantsRefreshToken(grant *ValidatedGrant) bool {
	return grant.Type.AllowsRefreshToken() &&
		grant.Client.AllowsGrant(string(GrantRefreshToken)) &&
		slices.Contains(grant.refreshScopes(), ScopeOfflineAccess) &&
		grant.Subject != "" &&
		i.config.GrantEnabled(GrantRefreshToken)
}

// refreshToken creates the refresh token of the response. Without rotation
// a refresh grant hands back the presented token unchanged. It returns nil
// when a non-sliding family has no lifetime left.
func (i *Issuer) refreshToken(ctx context.Context, grant *ValidatedGrant, root string, now time.Time) (*storage.Token, error) {
	expiresAt := now.Add(i.config.RefreshTokenTTL)
	if grant.Type == GrantRefreshToken {
		if !i.config.AllowRefreshTokenRotation {
			return grant.Parent, nil
		}
		if !i.config.SlidingRefreshExpiration {
			expiresAt = grant.Parent.ExpiresAt
		}
	}
	if !expiresAt.After(now) {
		return nil, nil
	}

	refresh := &storage.Token{
		Kind:      storage.KindRefreshToken,
		ClientID:  grant.Client.ID,
		Subject:   grant.Subject,
		Scopes:    slices.Clone(grant.refreshScopes()),
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		Status:    storage.StatusValid,
		Claims:    grant.Claims,
		ParentID:  root,
		AuthTime:  grant.AuthTime,
	}
	if _, err := i.create(ctx, refresh); err != nil {
		return nil, err
	}
	return refresh, nil
}

func (i *Issuer) idToken(ctx context.Context, grant *ValidatedGrant, accessToken string, now time.Time) (string, error) {
	alg, err := i.signer.Algorithm(ctx)
	if err != nil {
		return "", err
	}

	claims := codec.IDTokenClaims{
		Issuer:          i.config.Issuer,
		Subject:         grant.Subject,
		Audience:        []string{grant.Client.ID},
		IssuedAt:        now,
		ExpiresAt:       now.Add(i.config.IDTokenTTL),
		AuthTime:        grant.AuthTime,
		Nonce:           grant.Nonce,
		AuthorizedParty: grant.Client.ID,
		Extra:           identity.FilterClaims(grant.Claims, grant.Scopes),
	}
	if accessToken != "" {
		claims.AccessTokenHash, err = codec.AccessTokenHash(accessToken, alg)
		if err != nil {
			return "", err
		}
	}

	raw, err := i.signer.Sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign id_token: %w", err)
	}
	return raw, nil
}

// create persists tok under a fresh identifier, retrying on collision
func (i *Issuer) create(ctx context.Context, tok *storage.Token) (string, error) {
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		id, err := codec.NewOpaqueID()
		if err != nil {
			return "", ErrServer(err)
		}
		tok.ID = id

		_, err = i.tokens.Create(ctx, tok)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return "", ErrServer(fmt.Errorf("failed to store %s: %w", tok.Kind, err))
		}
		i.logger.Warn("Token identifier collision, retrying", "kind", tok.Kind, "attempt", attempt)
	}
	return "", ErrServer(fmt.Errorf("failed to store %s: identifier collision after %d attempts", tok.Kind, maxCreateAttempts))
}

// discard revokes tokens created by a failed issuance
func (i *Issuer) discard(ctx context.Context, ids []string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		if err := i.tokens.Revoke(ctx, id); err != nil {
			i.logger.Error("Failed to revoke token of failed issuance",
				"token_prefix", util.SafeTruncate(id, tokenIDLogLength),
				"error", err)
		}
	}
}

func (i *Issuer) recordIssued(ctx context.Context, grant *ValidatedGrant, resp *TokenResponse) {
	grantType := string(grant.Type)
	if resp.AccessToken != "" {
		i.metrics.RecordTokenIssued(ctx, grantType, string(storage.KindAccessToken))
	}
	if resp.RefreshToken != "" && resp.RefreshToken != grant.parentID() {
		i.metrics.RecordTokenIssued(ctx, grantType, string(storage.KindRefreshToken))
	}
	if resp.IDToken != "" {
		i.metrics.RecordTokenIssued(ctx, grantType, string(storage.KindIDToken))
	}
}
