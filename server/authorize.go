package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// AuthorizeResult tells the HTTP layer where to send the user agent.
// Params go in the query for the code flow and in the fragment otherwise.
type AuthorizeResult struct {
	RedirectURI string
	Fragment    bool
	Params      url.Values
}

// Location renders the redirect target
func (r *AuthorizeResult) Location() string {
	return buildRedirect(r.RedirectURI, r.Params, r.Fragment)
}

// buildRedirect appends params to uri, in the query or the fragment
func buildRedirect(uri string, params url.Values, fragment bool) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	if fragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ErrorLocation renders the redirect target for an error that carries a
// RedirectURI
func ErrorLocation(e *Error) string {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return buildRedirect(e.RedirectURI, params, e.Fragment)
}

// Authorize handles an authorization request for the code and implicit
// flows. req.Ticket is the signed-in user, nil when nobody is signed in.
//
// Until the client and its redirect URI are known to be valid, errors are
// returned without a RedirectURI; after that they are addressed to the
// client when the endpoint renders errors by redirect.
func (s *Server) Authorize(ctx context.Context, req *Request) (_ *AuthorizeResult, err error) {
	ctx, done := s.startSpan(ctx, "oidc.authorize", req.ClientIP,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String("oidc.response_type", req.ResponseType))
	defer func() {
		done(err)
		s.logServerError(ctx, "authorize", err)
	}()

	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	client, err := s.clients.FindClientByID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, ErrServer(fmt.Errorf("failed to load client: %w", err))
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if redirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if !client.HasRedirectURI(redirectURI) {
		return nil, ErrInvalidRequest("redirect_uri is not registered for the client")
	}

	grantType, fragment := s.responseGrant(req)
	redirectErr := func(e *Error) error {
		if !s.config.RendersRedirect(EndpointAuthorize) {
			return e
		}
		return e.withRedirect(redirectURI, fragment, req.State)
	}

	if grantType == "" {
		return nil, redirectErr(ErrUnsupportedResponseType("unsupported response_type"))
	}
	if !s.config.GrantEnabled(grantType) {
		return nil, redirectErr(ErrUnsupportedResponseType(fmt.Sprintf("the %s flow is disabled", grantType)))
	}

	resolved := *req
	resolved.RedirectURI = redirectURI

	var result *AuthorizeResult
	switch grantType {
	case GrantAuthorizationCode:
		result, err = s.authorizeCode(ctx, client, &resolved, req.RedirectURI != "")
	case GrantImplicit:
		result, err = s.authorizeImplicit(ctx, client, &resolved)
	}
	if err != nil {
		return nil, redirectErr(AsError(err))
	}
	return result, nil
}

// responseGrant maps response_type to the flow it starts. Only the exact
// sets code, token, id_token and "id_token token" are recognized.
func (s *Server) responseGrant(req *Request) (GrantType, bool) {
	types := req.responseTypes()
	switch len(types) {
	case 1:
		switch types[0] {
		case ResponseTypeCode:
			return GrantAuthorizationCode, false
		case ResponseTypeToken, ResponseTypeIDToken:
			return GrantImplicit, true
		}
	case 2:
		if types[0] == ResponseTypeIDToken && types[1] == ResponseTypeToken {
			return GrantImplicit, true
		}
	}
	return "", false
}

// authorizeCode issues a code. The code is bound to the redirect URI only
// when the request presented one, so the token request may omit it too.
func (s *Server) authorizeCode(ctx context.Context, client *storage.Client, req *Request, redirectPresented bool) (*AuthorizeResult, error) {
	if !client.AllowsGrant(string(GrantAuthorizationCode)) {
		return nil, ErrUnauthorizedClient("client is not authorized for the authorization_code grant")
	}

	scopes, err := s.validator.scopes(client, req.Scope, nil)
	if err != nil {
		return nil, err
	}

	var method string
	switch {
	case req.CodeChallenge != "":
		method, err = validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod, s.config.AllowPKCEPlain)
		if err != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
			return nil, ErrInvalidRequest(err.Error())
		}
	case client.IsPublic() && s.config.RequirePKCEForPublicClients:
		return nil, ErrInvalidRequest("code_challenge is required for public clients")
	}

	if req.Ticket == nil {
		return nil, ErrLoginRequired()
	}

	grant := &ValidatedGrant{
		Type:     GrantAuthorizationCode,
		Client:   client,
		Scopes:   scopes,
		Subject:  req.Ticket.Subject,
		Claims:   req.Ticket.Claims,
		AuthTime: req.Ticket.AuthTime,
		Nonce:    req.Nonce,
	}
	if redirectPresented {
		grant.RedirectURI = req.RedirectURI
	}
	code, err := s.issuer.IssueCode(ctx, grant, req.CodeChallenge, method)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		Subject:  grant.Subject,
		ClientID: client.ID,
		Details:  map[string]any{"scope": req.Scope, "pkce": method != ""},
	})

	params := url.Values{}
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	return &AuthorizeResult{RedirectURI: req.RedirectURI, Params: params}, nil
}

func (s *Server) authorizeImplicit(ctx context.Context, client *storage.Client, req *Request) (*AuthorizeResult, error) {
	grant, err := s.validator.validate(ctx, GrantImplicit, client, req)
	if err != nil {
		return nil, err
	}

	resp, err := s.issuer.Issue(ctx, grant)
	if err != nil {
		return nil, err
	}
	s.Auditor.LogTokenIssued(grant.Subject, client.ID, string(GrantImplicit), resp.Scope)

	params := url.Values{}
	if resp.AccessToken != "" {
		params.Set("access_token", resp.AccessToken)
		params.Set("token_type", resp.TokenType)
		params.Set("expires_in", strconv.FormatInt(resp.ExpiresIn, 10))
	}
	if resp.IDToken != "" {
		params.Set("id_token", resp.IDToken)
	}
	params.Set("scope", resp.Scope)
	if req.State != "" {
		params.Set("state", req.State)
	}
	return &AuthorizeResult{RedirectURI: req.RedirectURI, Fragment: true, Params: params}, nil
}
