package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
)

// Handler is a thin HTTP adapter for the protocol server.
// It parses requests, renders responses and delegates everything else to
// server.Server.
type Handler struct {
	server      *server.Server
	sessions    identity.SessionReader
	config      Config
	rateLimiter *security.RateLimiter
	logger      *slog.Logger
}

// NewHandler creates a new HTTP handler. sessions reports the user signed
// in at the authorization and logout endpoints; nil means nobody ever is,
// so authorization requests fail with login_required.
func NewHandler(srv *server.Server, sessions identity.SessionReader, config Config) *Handler {
	config = config.applyDefaults()

	h := &Handler{
		server:   srv,
		sessions: sessions,
		config:   config,
		logger:   config.Logger,
	}
	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, config.Logger)
	}
	return h
}

// Close releases the rate limiter
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// ServeAuthorization handles authorization requests for the code and
// implicit flows. Both GET and POST are accepted (OpenID Connect Core 3.1.2.1).
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}

	ticket, err := h.currentUser(r)
	if err != nil {
		h.writeError(w, r, FromError(server.ErrServer(err)))
		return
	}

	form := r.Form
	result, err := h.server.Authorize(r.Context(), &server.Request{
		ResponseType:        form.Get("response_type"),
		ClientID:            form.Get("client_id"),
		Scope:               form.Get("scope"),
		RedirectURI:         form.Get("redirect_uri"),
		State:               form.Get("state"),
		Nonce:               form.Get("nonce"),
		CodeChallenge:       form.Get("code_challenge"),
		CodeChallengeMethod: form.Get("code_challenge_method"),
		Ticket:              ticket,
		ClientIP:            h.clientIP(r),
		Params:              form,
	})
	if err != nil {
		h.writeProtocolError(w, r, err)
		return
	}

	h.redirect(w, r, result.Location())
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodPost) {
		return
	}
	h.setCORSHeaders(w, r)

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		return
	}

	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}

	creds, oerr := h.clientCredentials(r)
	if oerr != nil {
		h.writeError(w, r, oerr)
		return
	}

	form := r.PostForm
	resp, err := h.server.Token(r.Context(), &server.Request{
		GrantType:            form.Get("grant_type"),
		ClientID:             creds.id,
		ClientSecret:         creds.secret,
		CredentialsPresented: creds.presented,
		Code:                 form.Get("code"),
		RefreshToken:         form.Get("refresh_token"),
		Username:             form.Get("username"),
		Password:             form.Get("password"),
		Scope:                form.Get("scope"),
		RedirectURI:          form.Get("redirect_uri"),
		CodeVerifier:         form.Get("code_verifier"),
		ClientIP:             clientIP,
		Params:               form,
	})
	if err != nil {
		h.writeError(w, r, FromError(err))
		return
	}

	security.SetNoStore(w)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Callers must authenticate as a confidential client.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodPost) {
		return
	}
	h.setCORSHeaders(w, r)

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		return
	}

	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}

	creds, oerr := h.clientCredentials(r)
	if oerr != nil {
		h.writeError(w, r, oerr)
		return
	}

	resp, err := h.server.Introspect(r.Context(), &server.Request{
		ClientID:             creds.id,
		ClientSecret:         creds.secret,
		CredentialsPresented: creds.presented,
		Token:                r.PostForm.Get("token"),
		TokenTypeHint:        r.PostForm.Get("token_type_hint"),
		ClientIP:             clientIP,
		Params:               r.PostForm,
	})
	if err != nil {
		h.writeError(w, r, FromError(err))
		return
	}

	security.SetNoStore(w)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Unknown and already revoked tokens still get 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodPost) {
		return
	}
	h.setCORSHeaders(w, r)

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, r, clientIP) {
		return
	}

	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}

	creds, oerr := h.clientCredentials(r)
	if oerr != nil {
		h.writeError(w, r, oerr)
		return
	}

	err := h.server.Revoke(r.Context(), &server.Request{
		ClientID:             creds.id,
		ClientSecret:         creds.secret,
		CredentialsPresented: creds.presented,
		Token:                r.PostForm.Get("token"),
		TokenTypeHint:        r.PostForm.Get("token_type_hint"),
		ClientIP:             clientIP,
		Params:               r.PostForm,
	})
	if err != nil {
		h.writeError(w, r, FromError(err))
		return
	}

	security.SetSecurityHeaders(w, h.issuer())
	security.SetNoStore(w)
	w.WriteHeader(http.StatusOK)
}

// ServeUserInfo handles the OpenID Connect UserInfo endpoint. The access
// token comes from the Authorization header, or for POST from the
// access_token form parameter (RFC 6750 section 2).
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	h.setCORSHeaders(w, r)

	accessToken, oerr := h.extractBearerToken(w, r)
	if oerr != nil {
		h.writeBearerChallenge(w, r, oerr, true)
		return
	}

	claims, err := h.server.UserInfo(r.Context(), accessToken)
	if err != nil {
		// RFC 6750 section 3.1: no error code without authentication
		h.writeBearerChallenge(w, r, FromError(err), accessToken != "")
		return
	}

	security.SetNoStore(w)
	h.writeJSON(w, http.StatusOK, claims)
}

// ServeLogout handles RP-initiated logout (OpenID Connect RP-Initiated
// Logout 1.0)
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, r, err)
		return
	}

	ticket, err := h.currentUser(r)
	if err != nil {
		h.writeError(w, r, FromError(server.ErrServer(err)))
		return
	}

	form := r.Form
	result, err := h.server.Logout(r.Context(), &server.Request{
		ClientID:              form.Get("client_id"),
		IDTokenHint:           form.Get("id_token_hint"),
		PostLogoutRedirectURI: form.Get("post_logout_redirect_uri"),
		State:                 form.Get("state"),
		Ticket:                ticket,
		ClientIP:              h.clientIP(r),
		Params:                form,
	})
	if err != nil {
		h.writeProtocolError(w, r, err)
		return
	}

	if location := result.Location(); location != "" {
		h.redirect(w, r, location)
		return
	}

	security.SetSecurityHeaders(w, h.issuer())
	security.SetNoStore(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, "You have been signed out.")
}

// ServeOpenIDConfiguration handles OpenID Connect Discovery 1.0 requests
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodGet) {
		return
	}
	h.setCORSHeaders(w, r)

	metadata, err := h.server.Discovery(r.Context())
	if err != nil {
		h.writeError(w, r, FromError(err))
		return
	}

	h.setDiscoveryCache(w)
	h.writeJSON(w, http.StatusOK, metadata)
}

// ServeJWKS publishes the public signing keys
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if !h.allowMethods(w, r, http.MethodGet) {
		return
	}
	h.setCORSHeaders(w, r)

	set, err := h.server.JWKS(r.Context())
	if err != nil {
		h.writeError(w, r, FromError(err))
		return
	}

	h.setDiscoveryCache(w)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	security.SetSecurityHeaders(w, h.issuer())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(set)
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		h.writeError(w, r, ErrMethodNotAllowed(r.Method))
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// Helper methods

func (h *Handler) issuer() string {
	return h.server.Config().Issuer
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

// allowMethods writes 405 unless r uses one of methods
func (h *Handler) allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	h.writeError(w, r, ErrMethodNotAllowed(r.Method))
	return false
}

// parseForm parses a size-limited form and rejects repeated parameters
// (RFC 6749 section 3.1). resource is the one parameter that may repeat
// (RFC 8707).
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) *OAuthError {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodySize)
	}
	if err := r.ParseForm(); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return NewOAuthError(ErrorCodeInvalidRequest, "request body too large", http.StatusRequestEntityTooLarge)
		}
		return ErrInvalidRequest("Failed to parse request")
	}
	for name, values := range r.Form {
		if len(values) > 1 && name != "resource" {
			return ErrInvalidRequest(fmt.Sprintf("parameter %q must not be repeated", name))
		}
	}
	return nil
}

// currentUser asks the session reader who is signed in
func (h *Handler) currentUser(r *http.Request) (*identity.Ticket, error) {
	if h.sessions == nil {
		return nil, nil
	}
	ticket, err := h.sessions.CurrentSignedInUser(r)
	if err != nil {
		h.logger.Error("Failed to read session", "endpoint", r.URL.Path, "error", err)
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return ticket, nil
}

// clientCredentials are the client credentials extracted from a request
type clientCredentials struct {
	id        string
	secret    string
	presented bool
}

// clientCredentials reads client_secret_basic or client_secret_post
// credentials. Using both at once is rejected (RFC 6749 section 2.3).
func (h *Handler) clientCredentials(r *http.Request) (clientCredentials, *OAuthError) {
	formID := r.PostForm.Get("client_id")
	_, hasFormSecret := r.PostForm["client_secret"]

	username, password, ok := r.BasicAuth()
	if !ok {
		return clientCredentials{
			id:        formID,
			secret:    r.PostForm.Get("client_secret"),
			presented: hasFormSecret,
		}, nil
	}

	if hasFormSecret {
		return clientCredentials{}, ErrInvalidRequest("multiple client authentication methods")
	}

	// Basic credentials are form-urlencoded first (RFC 6749 section 2.3.1)
	id, err := url.QueryUnescape(username)
	if err != nil {
		return clientCredentials{}, ErrInvalidRequest("malformed Authorization header")
	}
	secret, err := url.QueryUnescape(password)
	if err != nil {
		return clientCredentials{}, ErrInvalidRequest("malformed Authorization header")
	}
	if formID != "" && formID != id {
		return clientCredentials{}, ErrInvalidRequest("client_id does not match the Authorization header")
	}

	return clientCredentials{id: id, secret: secret, presented: true}, nil
}

// extractBearerToken reads the access token from the Authorization header or,
// for form-encoded POST bodies, the access_token parameter. An empty token
// without error means none was sent.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, *OAuthError) {
	var fromForm string
	if r.Method == http.MethodPost {
		if err := h.parseForm(w, r); err != nil {
			return "", err
		}
		fromForm = r.PostForm.Get("access_token")
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fromForm, nil
	}
	if fromForm != "" {
		return "", ErrInvalidRequest("access token sent in more than one way")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], server.TokenTypeBearer) {
		return "", NewOAuthError(ErrorCodeInvalidToken, "Invalid Authorization header format", http.StatusUnauthorized)
	}

	return strings.TrimSpace(parts[1]), nil
}

// checkRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	h.server.Instrumentation().Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	h.server.Auditor.LogRateLimitExceeded(clientIP)

	w.Header().Set("Retry-After", "1")
	h.writeError(w, r, ErrRateLimitExceeded())
	return true
}

// writeProtocolError redirects errors addressed to the client and renders
// the rest as JSON
func (h *Handler) writeProtocolError(w http.ResponseWriter, r *http.Request, err error) {
	e := server.AsError(err)
	if e.RedirectURI != "" {
		h.redirect(w, r, server.ErrorLocation(e))
		return
	}
	h.writeError(w, r, FromError(e))
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, location string) {
	security.SetNoStore(w)
	w.Header().Set("Referrer-Policy", "no-referrer")
	http.Redirect(w, r, location, http.StatusFound)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, e *OAuthError) {
	security.SetSecurityHeaders(w, h.issuer())
	security.SetNoStore(w)

	// RFC 6749 section 5.2: answer a failed Basic authentication with a
	// matching challenge
	if e.Status == http.StatusUnauthorized && e.Code == ErrorCodeInvalidClient {
		if _, _, ok := r.BasicAuth(); ok {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%s`, quoteHeaderValue(h.issuer())))
		}
	}

	h.writeJSON(w, e.Status, e.Response())
}

// writeBearerChallenge writes a UserInfo error with its RFC 6750 challenge
func (h *Handler) writeBearerChallenge(w http.ResponseWriter, r *http.Request, e *OAuthError, withError bool) {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		if withError {
			w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(e.Code, e.Description))
		} else {
			w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", ""))
		}
	}
	h.writeError(w, r, e)
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750
//
// Example output:
//
//	Bearer realm="https://auth.example.com", error="invalid_token", error_description="invalid access token"
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	params := []string{"realm=" + quoteHeaderValue(h.issuer())}
	if errCode != "" {
		params = append(params, "error="+quoteHeaderValue(errCode))
	}
	if errorDesc != "" {
		params = append(params, "error_description="+quoteHeaderValue(errorDesc))
	}
	return server.TokenTypeBearer + " " + strings.Join(params, ", ")
}

// quoteHeaderValue renders s as an RFC 7230 quoted-string.
// Backslashes are escaped before quotes.
func quoteHeaderValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.issuer())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) setDiscoveryCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(defaultDiscoveryMaxAge.Seconds())))
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
// Only applies if AllowedOrigins is configured, Origin header is present, and origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than using "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")

	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.config.CORS.MaxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
// Matching is exact and case-sensitive; "*" allows any origin.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument wraps an endpoint with a span and HTTP request metrics
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		inst := h.server.Instrumentation()
		ctx, span := inst.Tracer("http").Start(r.Context(), "oidc.http."+endpoint)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
			attribute.Int("http.status_code", rec.status),
		)
		if rec.status >= http.StatusInternalServerError {
			instrumentation.RecordError(span, errors.New(http.StatusText(rec.status)))
		} else {
			instrumentation.SetSpanSuccess(span)
		}

		duration := float64(time.Since(startTime).Microseconds()) / 1000
		inst.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, rec.status, duration)
	}
}
