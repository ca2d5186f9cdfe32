package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/storage"
)

// IntrospectionResponse is the RFC 7662 introspection payload. An inactive
// token yields only {"active": false}.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Audience  string `json:"aud,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// inactive is returned for every token that is not usable. It must stay
// identical whatever the reason.
func inactive() *IntrospectionResponse {
	return &IntrospectionResponse{Active: false}
}

// Introspect reports whether req.Token is an active access or refresh token
// of the authenticated client. Unknown, expired, redeemed, revoked and
// foreign tokens all yield the same inactive response; only store failures
// are errors.
func (s *Server) Introspect(ctx context.Context, req *Request) (_ *IntrospectionResponse, err error) {
	ctx, done := s.startSpan(ctx, "oidc.introspect", req.ClientIP,
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer func() {
		done(err)
		s.logServerError(ctx, "introspect", err)
	}()

	client, err := s.validator.authenticateClient(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, ErrInvalidClient("public clients cannot introspect tokens")
	}
	if req.Token == "" {
		return nil, ErrInvalidRequest("token is required")
	}

	tok, err := s.tokens.FindTokenByID(ctx, req.Token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.RecordIntrospection(ctx, false)
			return inactive(), nil
		}
		return nil, ErrServer(fmt.Errorf("failed to load token: %w", err))
	}

	usable := tok.Kind == storage.KindAccessToken || tok.Kind == storage.KindRefreshToken
	if !usable || tok.ClientID != client.ID || !tok.IsActive(s.now(), s.config.ClockSkewGracePeriod) {
		s.metrics.RecordIntrospection(ctx, false)
		return inactive(), nil
	}

	s.metrics.RecordIntrospection(ctx, true)
	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     util.JoinScopes(tok.Scopes),
		ClientID:  tok.ClientID,
		TokenType: string(tok.Kind),
		ExpiresAt: tok.ExpiresAt.Unix(),
		IssuedAt:  tok.IssuedAt.Unix(),
		Subject:   tok.Subject,
		Audience:  tok.ClientID,
		Issuer:    s.config.Issuer,
	}
	if tok.Kind == storage.KindAccessToken {
		resp.TokenType = TokenTypeBearer
	}
	if username, ok := tok.Claims[identity.ClaimPreferredUsername].(string); ok {
		resp.Username = username
	}
	return resp, nil
}
