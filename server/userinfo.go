package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/storage"
)

// UserInfo returns the claims of the resource owner of accessToken. The
// token needs the openid scope; claims are released per granted scope.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (_ map[string]any, err error) {
	ctx, done := s.startSpan(ctx, "oidc.userinfo", "")
	defer func() {
		done(err)
		s.logServerError(ctx, "userinfo", err)
	}()

	if accessToken == "" {
		return nil, ErrInvalidToken("access token is required")
	}

	tok, err := s.tokens.FindTokenByID(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken("invalid access token")
		}
		return nil, ErrServer(fmt.Errorf("failed to load token: %w", err))
	}
	if tok.Kind != storage.KindAccessToken || tok.Subject == "" || !tok.IsActive(s.now(), s.config.ClockSkewGracePeriod) {
		return nil, ErrInvalidToken("invalid access token")
	}
	if !slices.Contains(tok.Scopes, ScopeOpenID) {
		return nil, ErrInsufficientScope("the openid scope is required")
	}

	claims := identity.FilterClaims(tok.Claims, tok.Scopes)
	claims["sub"] = tok.Subject
	return claims, nil
}
