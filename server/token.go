package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/util"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// Token handles a token endpoint request: it validates the grant, redeems
// the presented code or refresh token and issues the response.
func (s *Server) Token(ctx context.Context, req *Request) (_ *TokenResponse, err error) {
	ctx, done := s.startSpan(ctx, "oidc.token", req.ClientIP)
	span := trace.SpanFromContext(ctx)
	instrumentation.AddGrantAttributes(span, grantLabel(req.GrantType), req.ClientID, "")
	defer func() {
		done(err)
		if err != nil {
			s.metrics.RecordGrantFailure(ctx, grantLabel(req.GrantType), AsError(err).Code)
			s.logServerError(ctx, "token", err)
		}
	}()

	// Implicit grants are only available at the authorization endpoint
	if req.GrantType == string(GrantImplicit) {
		return nil, ErrUnsupportedGrantType("the implicit grant is not available at the token endpoint")
	}

	grant, err := s.validator.Validate(ctx, req)
	if err != nil {
		var replay *replayError
		if errors.As(err, &replay) {
			s.handleReuse(ctx, replay.token)
		}
		if AsError(err).Code == ErrorCodeInvalidClient {
			s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_client")
		}
		return nil, err
	}

	instrumentation.AddGrantAttributes(span, "", "", util.JoinScopes(grant.Scopes))

	resp, err := s.redeemAndIssue(ctx, grant)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued(grant.Subject, grant.Client.ID, string(grant.Type), resp.Scope)
	return resp, nil
}

// grantLabel bounds the grant_type values used as metric and span labels
func grantLabel(grantType string) string {
	if g, ok := ParseGrantType(grantType); ok {
		return string(g)
	}
	return "unknown"
}

// mustRedeem reports whether the exchanged token is consumed by the grant
func (s *Server) mustRedeem(grant *ValidatedGrant) bool {
	switch grant.Type {
	case GrantAuthorizationCode:
		return true
	case GrantRefreshToken:
		return s.config.AllowRefreshTokenRotation
	default:
		return false
	}
}

// redeemAndIssue marks the exchanged token redeemed and issues tokens. The
// two form one unit: if issuance fails the redeemed token is revoked, so a
// code is never consumed without tokens being handed out.
func (s *Server) redeemAndIssue(ctx context.Context, grant *ValidatedGrant) (*TokenResponse, error) {
	redeemed := false
	if grant.Parent != nil && s.mustRedeem(grant) {
		tok, err := s.tokens.MarkRedeemed(ctx, grant.Parent.ID, s.config.ClockSkewGracePeriod)
		switch {
		case err == nil:
			redeemed = true
		case errors.Is(err, storage.ErrConflict):
			// Lost a race with another redemption, or expired meanwhile
			if tok != nil && tok.Status == storage.StatusRedeemed {
				s.handleReuse(ctx, tok)
			}
			return nil, ErrInvalidGrant()
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrInvalidGrant()
		default:
			return nil, ErrServer(fmt.Errorf("failed to redeem %s: %w", grant.Parent.Kind, err))
		}
	}

	resp, err := s.issuer.Issue(ctx, grant)
	if err != nil {
		if redeemed {
			s.rollbackRedemption(ctx, grant)
		}
		return nil, AsError(err)
	}

	if grant.Type == GrantRefreshToken {
		rotated := resp.RefreshToken != "" && resp.RefreshToken != grant.Parent.ID
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventTokenRefreshed,
			Subject:  grant.Subject,
			ClientID: grant.Client.ID,
			Details:  map[string]any{"rotated": rotated},
		})
	}
	return resp, nil
}

// rollbackRedemption revokes a code or refresh token that was redeemed for
// an issuance that then failed
func (s *Server) rollbackRedemption(ctx context.Context, grant *ValidatedGrant) {
	ctx = context.WithoutCancel(ctx)
	parent := grant.Parent
	if err := s.tokens.Revoke(ctx, parent.ID); err != nil {
		s.Logger.Error("Failed to revoke redeemed token after issuance failure",
			"kind", parent.Kind,
			"client_id", parent.ClientID,
			"token_prefix", util.SafeTruncate(parent.ID, tokenIDLogLength),
			"error", err)
	}
	s.metrics.RecordIssuanceRollback(ctx, string(grant.Type))
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventIssuanceRollback,
		Subject:  parent.Subject,
		ClientID: parent.ClientID,
		Details:  map[string]any{"kind": string(parent.Kind)},
	})
}

// handleReuse responds to a replayed code or refresh token: every token of
// its grant family is revoked and the reuse counter is bumped. Failures are
// logged; the caller answers invalid_grant regardless.
func (s *Server) handleReuse(ctx context.Context, tok *storage.Token) {
	ctx = context.WithoutCancel(ctx)

	root := familyRoot(tok)
	revoked, err := s.tokens.RevokeByParent(ctx, root)
	if err != nil {
		s.Logger.Error("Failed to revoke grant family after reuse", "client_id", tok.ClientID, "error", err)
	}
	ids := []string{tok.ID}
	if root != tok.ID {
		ids = append(ids, root)
	}
	for _, id := range ids {
		if err := s.tokens.Revoke(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.Logger.Error("Failed to revoke reused token", "client_id", tok.ClientID, "error", err)
		}
	}

	count, err := s.tokens.IncrementReuse(ctx, tok.ID)
	if err != nil {
		s.Logger.Error("Failed to record token reuse", "client_id", tok.ClientID, "error", err)
	}

	eventType := security.EventRefreshTokenReuseDetected
	if tok.Kind == storage.KindAuthorizationCode {
		eventType = security.EventAuthorizationCodeReuseDetected
		s.metrics.RecordCodeReuseDetected(ctx)
	} else {
		s.metrics.RecordRefreshReuseDetected(ctx)
	}

	if s.allowSecurityLog(tok.Subject + ":" + tok.ClientID) {
		s.Logger.Error("Token reuse detected - revoking grant family",
			"kind", tok.Kind,
			"client_id", tok.ClientID,
			"token_prefix", util.SafeTruncate(tok.ID, tokenIDLogLength),
			"reuse_count", count,
			"revoked", revoked)
	}
	s.Auditor.LogReuseDetected(eventType, tok.Subject, tok.ClientID, revoked)
}
