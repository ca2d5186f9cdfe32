package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

// tokenIDLogLength is how much of a token identifier may appear in logs
const tokenIDLogLength = 8

// replayError marks a grant rejected because its code or refresh token was
// already redeemed. The token orchestrator runs reuse detection on it.
type replayError struct {
	token *storage.Token
}

func (e *replayError) Error() string {
	return fmt.Sprintf("%s %s already redeemed", e.token.Kind, util.SafeTruncate(e.token.ID, tokenIDLogLength))
}

func replayed(tok *storage.Token) *Error {
	e := ErrInvalidGrant()
	e.cause = &replayError{token: tok}
	return e
}

// Validator checks grant requests against client registrations and
// configuration. It reads the registries but never writes to them.
type Validator struct {
	config   *Config
	clients  storage.ApplicationStore
	tokens   storage.TokenStore
	resolver identity.Resolver
	metrics  *instrumentation.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Validate authenticates the client and validates req for its grant type.
//
// Checks run in a fixed order: the grant type must be known and enabled,
// the client must exist and authenticate, the client must be allowed the
// grant, then the flow's own rules apply.
func (v *Validator) Validate(ctx context.Context, req *Request) (*ValidatedGrant, error) {
	grantType, ok := ParseGrantType(req.GrantType)
	if !ok || !v.enabled(grantType) {
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", util.SafeTruncate(req.GrantType, 64)))
	}

	client, err := v.authenticateClient(ctx, req, grantType != GrantImplicit)
	if err != nil {
		return nil, err
	}

	return v.validate(ctx, grantType, client, req)
}

// validate runs the per-client and per-flow checks for an authenticated client
func (v *Validator) validate(ctx context.Context, grantType GrantType, client *storage.Client, req *Request) (*ValidatedGrant, error) {
	if !client.AllowsGrant(string(grantType)) {
		return nil, ErrUnauthorizedClient(fmt.Sprintf("client is not authorized for the %s grant", grantType))
	}

	switch grantType {
	case GrantAuthorizationCode:
		return v.validateAuthorizationCode(ctx, client, req)
	case GrantClientCredentials:
		return v.validateClientCredentials(client, req)
	case GrantPassword:
		return v.validatePassword(ctx, client, req)
	case GrantImplicit:
		return v.validateImplicit(client, req)
	case GrantRefreshToken:
		return v.validateRefreshToken(ctx, client, req)
	default:
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType))
	}
}

// enabled reports whether the server accepts the grant type. The password
// grant additionally needs an identity resolver.
func (v *Validator) enabled(g GrantType) bool {
	if g == GrantPassword && v.resolver == nil {
		return false
	}
	return v.config.GrantEnabled(g)
}

// authenticateClient loads the client and, when requireSecret is set,
// verifies confidential client credentials. Public clients authenticate with
// their client_id alone and must not present a secret.
func (v *Validator) authenticateClient(ctx context.Context, req *Request, requireSecret bool) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, ErrInvalidClient("client authentication failed")
	}

	client, err := v.clients.FindClientByID(ctx, req.ClientID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, ErrServer(fmt.Errorf("failed to load client: %w", err))
		}
		if req.CredentialsPresented {
			// Same bcrypt cost as a real client
			v.clients.ValidateSecret(ctx, nil, req.ClientSecret)
		}
		v.logger.Debug("Client authentication failed", "reason", "unknown_client", "client_id", util.SafeTruncate(req.ClientID, 64))
		return nil, ErrInvalidClient("client authentication failed")
	}

	if !requireSecret {
		return client, nil
	}

	if client.IsPublic() {
		if req.CredentialsPresented {
			v.logger.Debug("Client authentication failed", "reason", "public_client_presented_secret", "client_id", client.ID)
			return nil, ErrInvalidClient("client authentication failed")
		}
		return client, nil
	}

	if !req.CredentialsPresented || !v.clients.ValidateSecret(ctx, client, req.ClientSecret) {
		v.logger.Debug("Client authentication failed", "reason", "invalid_secret", "client_id", client.ID)
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// scopes resolves requested scopes for client, using defaults when none are
// requested
func (v *Validator) scopes(client *storage.Client, requested string, defaults []string) ([]string, error) {
	scopes, err := validateScopes(requested, client.Scopes, v.config.SupportedScopes, defaults)
	if err != nil {
		return nil, ErrInvalidScope(err.Error())
	}
	return scopes, nil
}

// lookupGrantToken loads a code or refresh token presented by client. Every
// way the token can be unusable yields the same invalid_grant; only store
// failures are reported differently.
func (v *Validator) lookupGrantToken(ctx context.Context, client *storage.Client, id string, kind storage.TokenKind) (*storage.Token, error) {
	tok, err := v.tokens.FindTokenByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			v.logGrantFailure("not_found", kind, client.ID, id)
			return nil, ErrInvalidGrant()
		}
		return nil, ErrServer(fmt.Errorf("failed to load %s: %w", kind, err))
	}

	switch {
	case tok.Kind != kind:
		v.logGrantFailure("wrong_kind", kind, client.ID, id)
		return nil, ErrInvalidGrant()
	case tok.ClientID != client.ID:
		v.logGrantFailure("client_id_mismatch", kind, client.ID, id)
		return nil, ErrInvalidGrant()
	case tok.Status == storage.StatusRedeemed:
		v.logGrantFailure("already_redeemed", kind, client.ID, id)
		return nil, replayed(tok)
	case tok.Status != storage.StatusValid:
		v.logGrantFailure("revoked", kind, client.ID, id)
		return nil, ErrInvalidGrant()
	case tok.IsExpired(v.now(), v.config.ClockSkewGracePeriod):
		v.logGrantFailure("expired", kind, client.ID, id)
		return nil, ErrInvalidGrant()
	}
	return tok, nil
}

func (v *Validator) logGrantFailure(reason string, kind storage.TokenKind, clientID, id string) {
	v.logger.Debug("Grant validation failed",
		"reason", reason,
		"kind", kind,
		"client_id", clientID,
		"token_prefix", util.SafeTruncate(id, tokenIDLogLength))
}

func (v *Validator) validateAuthorizationCode(ctx context.Context, client *storage.Client, req *Request) (*ValidatedGrant, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	code, err := v.lookupGrantToken(ctx, client, req.Code, storage.KindAuthorizationCode)
	if err != nil {
		return nil, err
	}

	if !redirectURIMatches(client, code, req.RedirectURI) {
		v.logGrantFailure("redirect_uri_mismatch", code.Kind, client.ID, code.ID)
		return nil, ErrInvalidGrant()
	}

	if code.CodeChallenge != "" {
		if err := validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier, v.config.AllowPKCEPlain); err != nil {
			v.logger.Debug("PKCE validation failed", "reason", err.Error(), "client_id", client.ID)
			v.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
			return nil, ErrInvalidGrant()
		}
	} else if client.IsPublic() && v.config.RequirePKCEForPublicClients {
		v.logGrantFailure("pkce_required", code.Kind, client.ID, code.ID)
		return nil, ErrInvalidGrant()
	}

	return &ValidatedGrant{
		Type:        GrantAuthorizationCode,
		Client:      client,
		Scopes:      code.Scopes,
		Subject:     code.Subject,
		Claims:      code.Claims,
		AuthTime:    code.AuthTime,
		Nonce:       code.Nonce,
		RedirectURI: code.RedirectURI,
		Parent:      code,
	}, nil
}

// redirectURIMatches checks the token request's redirect_uri against the
// code. A code issued without one accepts an omitted value or the
// registered URI (RFC 6749 section 4.1.3).
func redirectURIMatches(client *storage.Client, code *storage.Token, presented string) bool {
	if code.RedirectURI != "" {
		return presented == code.RedirectURI
	}
	return presented == "" || client.HasRedirectURI(presented)
}

func (v *Validator) validateClientCredentials(client *storage.Client, req *Request) (*ValidatedGrant, error) {
	if client.IsPublic() {
		return nil, ErrUnauthorizedClient("public clients cannot use the client_credentials grant")
	}

	scopes, err := v.scopes(client, req.Scope, client.Scopes)
	if err != nil {
		return nil, err
	}

	return &ValidatedGrant{
		Type:   GrantClientCredentials,
		Client: client,
		Scopes: scopes,
	}, nil
}

func (v *Validator) validatePassword(ctx context.Context, client *storage.Client, req *Request) (*ValidatedGrant, error) {
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}

	scopes, err := v.scopes(client, req.Scope, nil)
	if err != nil {
		return nil, err
	}

	ticket, err := v.resolver.ResolveResourceOwner(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			v.logger.Debug("Resource owner authentication failed", "client_id", client.ID)
			return nil, ErrInvalidGrant()
		}
		return nil, ErrServer(fmt.Errorf("failed to resolve resource owner: %w", err))
	}

	return &ValidatedGrant{
		Type:     GrantPassword,
		Client:   client,
		Scopes:   scopes,
		Subject:  ticket.Subject,
		Claims:   ticket.Claims,
		AuthTime: ticket.AuthTime,
	}, nil
}

// validateImplicit checks an implicit authorization request. The redirect
// URI and response type have been checked by the authorization endpoint.
func (v *Validator) validateImplicit(client *storage.Client, req *Request) (*ValidatedGrant, error) {
	responseTypes := req.responseTypes()
	wantsIDToken := false
	for _, rt := range responseTypes {
		switch rt {
		case ResponseTypeToken:
		case ResponseTypeIDToken:
			wantsIDToken = true
		default:
			return nil, ErrUnsupportedResponseType(fmt.Sprintf("response_type %q is not supported", rt))
		}
	}
	if len(responseTypes) == 0 {
		return nil, ErrInvalidRequest("response_type is required")
	}

	scopes, err := v.scopes(client, req.Scope, nil)
	if err != nil {
		return nil, err
	}
	if wantsIDToken {
		if !slices.Contains(scopes, ScopeOpenID) {
			return nil, ErrInvalidScope("the openid scope is required for id_token responses")
		}
		if req.Nonce == "" {
			return nil, ErrInvalidRequest("nonce is required for id_token responses")
		}
	}

	if req.Ticket == nil {
		return nil, ErrLoginRequired()
	}

	return &ValidatedGrant{
		Type:          GrantImplicit,
		Client:        client,
		Scopes:        scopes,
		Subject:       req.Ticket.Subject,
		Claims:        req.Ticket.Claims,
		AuthTime:      req.Ticket.AuthTime,
		Nonce:         req.Nonce,
		RedirectURI:   req.RedirectURI,
		State:         req.State,
		ResponseTypes: responseTypes,
	}, nil
}

func (v *Validator) validateRefreshToken(ctx context.Context, client *storage.Client, req *Request) (*ValidatedGrant, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	refresh, err := v.lookupGrantToken(ctx, client, req.RefreshToken, storage.KindRefreshToken)
	if err != nil {
		return nil, err
	}

	scopes := refresh.Scopes
	if requested := util.ParseScope(req.Scope); len(requested) > 0 {
		if len(req.Scope) > MaxScopeLength || !util.ContainsAll(refresh.Scopes, requested) {
			return nil, ErrInvalidScope("requested scope exceeds the scope originally granted")
		}
		scopes = requested
	}
	// The client's registration may have shrunk since the grant
	if !util.ContainsAll(client.Scopes, scopes) {
		return nil, ErrInvalidScope("client is not authorized for one or more requested scopes")
	}

	return &ValidatedGrant{
		Type:     GrantRefreshToken,
		Client:   client,
		Scopes:   scopes,
		Subject:  refresh.Subject,
		Claims:   refresh.Claims,
		AuthTime: refresh.AuthTime,
		Parent:   refresh,
	}, nil
}
