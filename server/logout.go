package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-provider/codec"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// LogoutResult describes a completed logout. RedirectURI is empty when the
// user agent should get a plain confirmation.
type LogoutResult struct {
	Subject     string
	ClientID    string
	RedirectURI string
	State       string
	Revoked     int
}

// Location renders the post-logout redirect target
func (r *LogoutResult) Location() string {
	if r.RedirectURI == "" {
		return ""
	}
	params := make(map[string][]string)
	if r.State != "" {
		params["state"] = []string{r.State}
	}
	return buildRedirect(r.RedirectURI, params, false)
}

// Logout handles an RP-initiated logout request. The id_token_hint, when
// present, must be an ID token this server issued; its expiry is ignored.
// A post_logout_redirect_uri must be registered for the client the hint
// was issued to.
func (s *Server) Logout(ctx context.Context, req *Request) (_ *LogoutResult, err error) {
	ctx, done := s.startSpan(ctx, "oidc.logout", req.ClientIP,
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer func() {
		done(err)
		s.logServerError(ctx, "logout", err)
	}()

	result := &LogoutResult{ClientID: req.ClientID, State: req.State}

	if req.IDTokenHint != "" {
		claims, err := s.verifier.Verify(ctx, req.IDTokenHint, req.ClientID, codec.IgnoreExpiry())
		if err != nil {
			if errors.Is(err, codec.ErrInvalidToken) {
				s.Logger.Debug("Rejected id_token_hint", "reason", err.Error())
				return nil, ErrInvalidRequest("invalid id_token_hint")
			}
			return nil, ErrServer(fmt.Errorf("failed to verify id_token_hint: %w", err))
		}
		result.Subject = claims.Subject
		if result.ClientID == "" {
			result.ClientID = claims.AuthorizedParty
		}
		if result.ClientID == "" && len(claims.Audience) == 1 {
			result.ClientID = claims.Audience[0]
		}
	} else if req.Ticket != nil {
		result.Subject = req.Ticket.Subject
	}

	if req.PostLogoutRedirectURI != "" {
		if result.ClientID == "" {
			return nil, ErrInvalidRequest("post_logout_redirect_uri requires client_id or id_token_hint")
		}
		client, err := s.clients.FindClientByID(ctx, result.ClientID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrInvalidRequest("unknown client")
			}
			return nil, ErrServer(fmt.Errorf("failed to load client: %w", err))
		}
		if !client.HasPostLogoutRedirectURI(req.PostLogoutRedirectURI) {
			return nil, ErrInvalidRequest("post_logout_redirect_uri is not registered for the client")
		}
		result.RedirectURI = req.PostLogoutRedirectURI
	}

	if s.config.RevokeOnLogout && result.Subject != "" {
		n, err := s.tokens.RevokeAllForSubject(ctx, result.Subject)
		if err != nil {
			return nil, ErrServer(fmt.Errorf("failed to revoke tokens at logout: %w", err))
		}
		result.Revoked = n
	}

	s.metrics.RecordLogout(ctx, result.Revoked)
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventLogout,
		Subject:  result.Subject,
		ClientID: result.ClientID,
		Details:  map[string]any{"revoked_tokens": result.Revoked},
	})
	return result, nil
}
