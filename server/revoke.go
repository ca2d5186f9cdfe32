package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/storage"
)

// Revoke handles an RFC 7009 revocation request. It succeeds for unknown,
// already revoked and foreign tokens so it cannot be used to probe for
// token existence. Revoking a refresh token also revokes the tokens of its
// grant family.
func (s *Server) Revoke(ctx context.Context, req *Request) (err error) {
	ctx, done := s.startSpan(ctx, "oidc.revoke", req.ClientIP,
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer func() {
		done(err)
		s.logServerError(ctx, "revoke", err)
	}()

	client, err := s.validator.authenticateClient(ctx, req, true)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return ErrInvalidRequest("token is required")
	}

	tok, err := s.tokens.FindTokenByID(ctx, req.Token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return ErrServer(fmt.Errorf("failed to load token: %w", err))
	}
	if tok.ClientID != client.ID {
		s.Logger.Debug("Ignoring revocation of a token owned by another client", "client_id", client.ID)
		return nil
	}
	if tok.Status == storage.StatusRevoked {
		return nil
	}

	if err := s.tokens.Revoke(ctx, tok.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return ErrServer(fmt.Errorf("failed to revoke token: %w", err))
	}
	s.metrics.RecordTokenRevoked(ctx, string(tok.Kind))

	if tok.Kind == storage.KindRefreshToken {
		// Tokens of the family are gone too
		n, err := s.tokens.RevokeByParent(ctx, familyRoot(tok))
		if err != nil {
			return ErrServer(fmt.Errorf("failed to revoke tokens minted from refresh token: %w", err))
		}
		s.Logger.Debug("Revoked refresh token family", "client_id", client.ID, "revoked", n)
	}

	s.Auditor.LogTokenRevoked(tok.Subject, client.ID, string(tok.Kind))
	return nil
}
