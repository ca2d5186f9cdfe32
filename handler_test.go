package oauth

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/oidc-provider/codec"
	idmemory "github.com/giantswarm/oidc-provider/identity/memory"
	"github.com/giantswarm/oidc-provider/internal/testutil"
	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/storage/memory"
)

const (
	testIssuer      = testutil.Issuer
	testSecret      = testutil.Secret
	testRedirectURI = testutil.RedirectURI
	testLogoutURI   = testutil.LogoutURI
	testSPARedirect = testutil.SPARedirect
	testUsername    = testutil.Username
	testSubject     = testutil.Subject
)

type testHandler struct {
	handler *Handler
	http    http.Handler
	srv     *server.Server
	store   *memory.Store
}

// newTestServer creates a protocol server over a memory store seeded with
// a confidential, a public and a service client, plus one user
func newTestServer(t *testing.T, srvConfig server.Config) (*server.Server, *memory.Store, *idmemory.Directory) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	t.Cleanup(store.Stop)
	seedClients(t, store)

	users := idmemory.NewDirectory()
	users.SetSessionHeader(idmemory.DefaultSessionHeader)
	testutil.AddUser(t, users)

	if srvConfig.Issuer == "" {
		srvConfig.Issuer = testIssuer
	}
	srv, err := server.New(store, store, codec.NewGeneratingProvider("ES256", logger), users, srvConfig, logger)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	return srv, store, users
}

// newTestHandler serves newTestServer through the HTTP handler
func newTestHandler(t *testing.T, config Config, srvConfig server.Config) *testHandler {
	t.Helper()

	srv, store, users := newTestServer(t, srvConfig)

	if config.Logger == nil {
		config.Logger = srv.Logger
	}
	h := NewHandler(srv, users, config)
	t.Cleanup(h.Close)

	mux, err := h.HTTPHandler()
	if err != nil {
		t.Fatalf("HTTPHandler() error = %v", err)
	}

	return &testHandler{handler: h, http: mux, srv: srv, store: store}
}

func seedClients(t *testing.T, store *memory.Store) {
	t.Helper()

	hash := testutil.HashSecret(t, testSecret)
	testutil.SeedClients(t, store,
		testutil.WebAppClient(hash),
		testutil.SPAClient(),
		testutil.ServiceClient(hash),
	)
}

func (th *testHandler) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	th.http.ServeHTTP(rec, req)
	return rec
}

func getRequest(path string, params url.Values) *http.Request {
	target := testIssuer + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, testIssuer+path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// basicAuth sets client_secret_basic credentials
func basicAuth(req *http.Request, clientID, secret string) *http.Request {
	req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(secret))
	return req
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	if resp.Error != code {
		t.Errorf("error = %q, want %q", resp.Error, code)
	}
}

// authorize runs the code flow for webapp as the signed-in test user
func (th *testHandler) authorize(t *testing.T, scope string) string {
	t.Helper()

	req := getRequest(server.DefaultAuthorizationPath, url.Values{
		"response_type": {"code"},
		"client_id":     {"webapp"},
		"redirect_uri":  {testRedirectURI},
		"scope":         {scope},
		"state":         {"xyz"},
		"nonce":         {"n-0S6_WzA2Mj"},
	})
	req.Header.Set(idmemory.DefaultSessionHeader, testUsername)

	rec := th.do(req)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	if got := location.Query().Get("state"); got != "xyz" {
		t.Errorf("state = %q, want xyz", got)
	}
	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in %s", location)
	}
	return code
}

func (th *testHandler) exchange(t *testing.T, scope string) *TokenResponse {
	t.Helper()

	rec := th.do(basicAuth(postForm(server.DefaultTokenPath, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {th.authorize(t, scope)},
		"redirect_uri": {testRedirectURI},
	}), "webapp", testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	decodeJSON(t, rec, &resp)
	return &resp
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})

	code := th.authorize(t, "profile offline_access")
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	}

	rec := th.do(basicAuth(postForm(server.DefaultTokenPath, form), "webapp", testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}

	var resp TokenResponse
	decodeJSON(t, rec, &resp)
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Errorf("expected access and refresh tokens, got %+v", resp)
	}
	if resp.IDToken != "" {
		t.Error("no id_token without the openid scope")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}

	// The code is single use
	rec = th.do(basicAuth(postForm(server.DefaultTokenPath, form), "webapp", testSecret))
	requireError(t, rec, http.StatusBadRequest, ErrorCodeInvalidGrant)
}

func TestHandler_ClientSecretPost(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})

	rec := th.do(postForm(server.DefaultTokenPath, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"service"},
		"client_secret": {testSecret},
		"scope":         {"reports:read"},
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var resp TokenResponse
	decodeJSON(t, rec, &resp)
	if resp.Scope != "reports:read" {
		t.Errorf("scope = %q, want reports:read", resp.Scope)
	}
	if resp.RefreshToken != "" {
		t.Error("client_credentials must not yield a refresh token")
	}
}

func TestHandler_PublicClientCredentials(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})

	rec := th.do(postForm(server.DefaultTokenPath, url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"spa"},
	}))
	requireError(t, rec, http.StatusBadRequest, ErrorCodeUnauthorizedClient)
}

func TestHandler_PublicClientPKCE(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})
	challenge, verifier := testutil.GeneratePKCEPair()

	req := getRequest(server.DefaultAuthorizationPath, url.Values{
		"response_type":         {"code"},
		"client_id":             {"spa"},
		"redirect_uri":          {testSPARedirect},
		"scope":                 {"openid"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	})
	req.Header.Set(idmemory.DefaultSessionHeader, testUsername)
	rec := th.do(req)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	code := location.Query().Get("code")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"spa"},
		"code":          {code},
		"redirect_uri":  {testSPARedirect},
		"code_verifier": {verifier},
	}
	rec = th.do(postForm(server.DefaultTokenPath, form))
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	decodeJSON(t, rec, &resp)
	if resp.AccessToken == "" || resp.IDToken == "" {
		t.Errorf("expected access and id tokens, got %+v", resp)
	}
}

func TestHandler_TokenErrors(t *testing.T) {
	tests := []struct {
		name       string
		req        func() *http.Request
		wantStatus int
		wantCode   string
		wantHeader map[string]string
	}{
		{
			name: "wrong basic secret",
			req: func() *http.Request {
				return basicAuth(postForm(server.DefaultTokenPath, url.Values{
					"grant_type": {"client_credentials"},
				}), "service", "wrong")
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
			wantHeader: map[string]string{"WWW-Authenticate": `Basic realm="` + testIssuer + `"`},
		},
		{
			name: "wrong post secret",
			req: func() *http.Request {
				return postForm(server.DefaultTokenPath, url.Values{
					"grant_type":    {"client_credentials"},
					"client_id":     {"service"},
					"client_secret": {"wrong"},
				})
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
			wantHeader: map[string]string{"WWW-Authenticate": ""},
		},
		{
			name: "two authentication methods",
			req: func() *http.Request {
				return basicAuth(postForm(server.DefaultTokenPath, url.Values{
					"grant_type":    {"client_credentials"},
					"client_secret": {testSecret},
				}), "service", testSecret)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name: "client_id contradicts basic auth",
			req: func() *http.Request {
				return basicAuth(postForm(server.DefaultTokenPath, url.Values{
					"grant_type": {"client_credentials"},
					"client_id":  {"webapp"},
				}), "service", testSecret)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name: "repeated parameter",
			req: func() *http.Request {
				return basicAuth(postForm(server.DefaultTokenPath, url.Values{
					"grant_type": {"client_credentials"},
					"scope":      {"reports:read", "reports:write"},
				}), "service", testSecret)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name: "unsupported grant type",
			req: func() *http.Request {
				return basicAuth(postForm(server.DefaultTokenPath, url.Values{
					"grant_type": {"urn:ietf:params:oauth:grant-type:device_code"},
				}), "service", testSecret)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeUnsupportedGrantType,
		},
		{
			name: "GET not allowed",
			req: func() *http.Request {
				return getRequest(server.DefaultTokenPath, nil)
			},
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   ErrorCodeInvalidRequest,
			wantHeader: map[string]string{"Allow": http.MethodPost},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHandler(t, Config{}, server.Config{})

			rec := th.do(tt.req())
			for name, want := range tt.wantHeader {
				if got := rec.Header().Get(name); got != want {
					t.Errorf("%s = %q, want %q", name, got, want)
				}
			}
			requireError(t, rec, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestHandler_RequestBodyTooLarge(t *testing.T) {
	th := newTestHandler(t, Config{MaxRequestBodySize: 32}, server.Config{})

	rec := th.do(basicAuth(postForm(server.DefaultTokenPath, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {strings.Repeat("a", 64)},
	}), "service", testSecret))
	requireError(t, rec, http.StatusRequestEntityTooLarge, ErrorCodeInvalidRequest)
}

func TestHandler_AuthorizationErrors(t *testing.T) {
	tests := []struct {
		name         string
		params       url.Values
		signedIn     bool
		wantRedirect bool
		wantCode     string
	}{
		{
			name:     "unknown client",
			params:   url.Values{"response_type": {"code"}, "client_id": {"nobody"}, "redirect_uri": {testRedirectURI}},
			signedIn: true,
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect_uri",
			params:   url.Values{"response_type": {"code"}, "client_id": {"webapp"}, "redirect_uri": {"https://evil.example.com/"}},
			signedIn: true,
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:         "scope not allowed",
			params:       url.Values{"response_type": {"code"}, "client_id": {"webapp"}, "scope": {"admin"}, "state": {"xyz"}},
			signedIn:     true,
			wantRedirect: true,
			wantCode:     ErrorCodeInvalidScope,
		},
		{
			name:         "nobody signed in",
			params:       url.Values{"response_type": {"code"}, "client_id": {"webapp"}, "scope": {"openid"}, "state": {"xyz"}},
			wantRedirect: true,
			wantCode:     ErrorCodeLoginRequired,
		},
		{
			name:         "unsupported response_type",
			params:       url.Values{"response_type": {"device"}, "client_id": {"webapp"}, "state": {"xyz"}},
			signedIn:     true,
			wantRedirect: true,
			wantCode:     ErrorCodeUnsupportedResponseType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHandler(t, Config{}, server.Config{})

			req := getRequest(server.DefaultAuthorizationPath, tt.params)
			if tt.signedIn {
				req.Header.Set(idmemory.DefaultSessionHeader, testUsername)
			}
			rec := th.do(req)

			if !tt.wantRedirect {
				if loc := rec.Header().Get("Location"); loc != "" {
					t.Fatalf("must not redirect before the redirect URI is trusted, got %s", loc)
				}
				if rec.Code < 400 {
					t.Fatalf("status = %d, want an error status", rec.Code)
				}
				var resp ErrorResponse
				decodeJSON(t, rec, &resp)
				if resp.Error != tt.wantCode {
					t.Errorf("error = %q, want %q", resp.Error, tt.wantCode)
				}
				return
			}

			if rec.Code != http.StatusFound {
				t.Fatalf("status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
			}
			location, err := url.Parse(rec.Header().Get("Location"))
			if err != nil {
				t.Fatalf("invalid Location: %v", err)
			}
			if !strings.HasPrefix(location.String(), testRedirectURI) {
				t.Errorf("Location = %s, want the registered redirect URI", location)
			}
			if got := location.Query().Get("error"); got != tt.wantCode {
				t.Errorf("error = %q, want %q", got, tt.wantCode)
			}
			if got := location.Query().Get("state"); got != "xyz" {
				t.Errorf("state = %q, want xyz", got)
			}
		})
	}
}

func TestHandler_ImplicitFlowUsesFragment(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})

	req := getRequest(server.DefaultAuthorizationPath, url.Values{
		"response_type": {"token"},
		"client_id":     {"spa"},
		"redirect_uri":  {testSPARedirect},
		"scope":         {"profile offline_access"},
		"state":         {"abc"},
	})
	req.Header.Set(idmemory.DefaultSessionHeader, testUsername)

	rec := th.do(req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	if location.RawQuery != "" {
		t.Errorf("implicit responses must not use the query, got %q", location.RawQuery)
	}

	params, err := url.ParseQuery(location.Fragment)
	if err != nil {
		t.Fatalf("invalid fragment %q: %v", location.Fragment, err)
	}
	if params.Get("access_token") == "" {
		t.Error("expected an access token in the fragment")
	}
	if params.Get("refresh_token") != "" {
		t.Error("implicit grants never yield a refresh token")
	}
	if params.Get("state") != "abc" {
		t.Errorf("state = %q, want abc", params.Get("state"))
	}
}

func TestHandler_IntrospectionAndRevocation(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})
	tokens := th.exchange(t, "openid offline_access")

	introspect := func() *IntrospectionResponse {
		t.Helper()
		rec := th.do(basicAuth(postForm(server.DefaultIntrospectionPath, url.Values{
			"token": {tokens.AccessToken},
		}), "webapp", testSecret))
		if rec.Code != http.StatusOK {
			t.Fatalf("introspect status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
		}
		var resp IntrospectionResponse
		decodeJSON(t, rec, &resp)
		return &resp
	}

	if resp := introspect(); !resp.Active || resp.Subject != testSubject {
		t.Fatalf("introspection = %+v, want an active token of %s", resp, testSubject)
	}

	revoke := func() *httptest.ResponseRecorder {
		return th.do(basicAuth(postForm(server.DefaultRevocationPath, url.Values{
			"token":           {tokens.RefreshToken},
			"token_type_hint": {"refresh_token"},
		}), "webapp", testSecret))
	}
	if rec := revoke(); rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	// Revoking the refresh token takes its access tokens with it
	rec := th.do(basicAuth(postForm(server.DefaultIntrospectionPath, url.Values{
		"token": {tokens.AccessToken},
	}), "webapp", testSecret))
	if got := strings.TrimSpace(rec.Body.String()); got != `{"active":false}` {
		t.Errorf("introspection body = %s, want {\"active\":false}", got)
	}

	// Revocation is idempotent
	if rec := revoke(); rec.Code != http.StatusOK {
		t.Errorf("second revoke status = %d, want 200", rec.Code)
	}
}

func TestHandler_IntrospectionRequiresConfidentialClient(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})

	rec := th.do(postForm(server.DefaultIntrospectionPath, url.Values{
		"client_id": {"spa"},
		"token":     {"anything"},
	}))
	requireError(t, rec, http.StatusUnauthorized, ErrorCodeInvalidClient)
}

func TestHandler_UserInfo(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})
	tokens := th.exchange(t, "openid profile email")

	req := getRequest(server.DefaultUserInfoPath, nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec := th.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var claims map[string]any
	decodeJSON(t, rec, &claims)
	if claims["sub"] != testSubject {
		t.Errorf("sub = %v, want %s", claims["sub"], testSubject)
	}
	if claims["email"] != "alice@example.com" {
		t.Errorf("email = %v, want the email scope claims", claims["email"])
	}
}

func TestHandler_UserInfoErrors(t *testing.T) {
	tests := []struct {
		name          string
		authorization func(tokens *TokenResponse) string
		wantStatus    int
		wantCode      string
		wantHeader    string
	}{
		{
			name:          "no token",
			authorization: func(*TokenResponse) string { return "" },
			wantStatus:    http.StatusUnauthorized,
			wantCode:      ErrorCodeInvalidToken,
			wantHeader:    `Bearer realm="` + testIssuer + `"`,
		},
		{
			name:          "unknown token",
			authorization: func(*TokenResponse) string { return "Bearer not-a-token" },
			wantStatus:    http.StatusUnauthorized,
			wantCode:      ErrorCodeInvalidToken,
			wantHeader:    `Bearer realm="` + testIssuer + `", error="invalid_token", error_description="invalid access token"`,
		},
		{
			name:          "refresh token used as bearer",
			authorization: func(tokens *TokenResponse) string { return "Bearer " + tokens.RefreshToken },
			wantStatus:    http.StatusUnauthorized,
			wantCode:      ErrorCodeInvalidToken,
			wantHeader:    `Bearer realm="` + testIssuer + `", error="invalid_token", error_description="invalid access token"`,
		},
		{
			name:          "wrong scheme",
			authorization: func(tokens *TokenResponse) string { return "Basic " + tokens.AccessToken },
			wantStatus:    http.StatusUnauthorized,
			wantCode:      ErrorCodeInvalidToken,
			wantHeader:    `Bearer realm="` + testIssuer + `", error="invalid_token", error_description="Invalid Authorization header format"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHandler(t, Config{}, server.Config{})
			tokens := th.exchange(t, "openid offline_access")

			req := getRequest(server.DefaultUserInfoPath, nil)
			if auth := tt.authorization(tokens); auth != "" {
				req.Header.Set("Authorization", auth)
			}
			rec := th.do(req)

			if got := rec.Header().Get("WWW-Authenticate"); got != tt.wantHeader {
				t.Errorf("WWW-Authenticate = %q, want %q", got, tt.wantHeader)
			}
			requireError(t, rec, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestHandler_UserInfoInsufficientScope(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})
	tokens := th.exchange(t, "profile")

	req := getRequest(server.DefaultUserInfoPath, nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec := th.do(req)

	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, `error="insufficient_scope"`) {
		t.Errorf("WWW-Authenticate = %q, want an insufficient_scope challenge", got)
	}
	requireError(t, rec, http.StatusForbidden, ErrorCodeInsufficientScope)
}

func TestHandler_Logout(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})
	tokens := th.exchange(t, "openid")

	rec := th.do(getRequest(server.DefaultEndSessionPath, url.Values{
		"id_token_hint":            {tokens.IDToken},
		"post_logout_redirect_uri": {testLogoutURI},
		"state":                    {"bye"},
	}))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 (body %s)", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	if location.Query().Get("state") != "bye" {
		t.Errorf("Location = %s, want state echoed", location)
	}

	// Without a redirect the user agent gets a confirmation page
	req := getRequest(server.DefaultEndSessionPath, nil)
	req.Header.Set(idmemory.DefaultSessionHeader, testUsername)
	rec = th.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Location") != "" {
		t.Error("expected no redirect")
	}

	// Unregistered redirect targets are refused, not followed
	rec = th.do(getRequest(server.DefaultEndSessionPath, url.Values{
		"id_token_hint":            {tokens.IDToken},
		"post_logout_redirect_uri": {"https://evil.example.com/"},
	}))
	requireError(t, rec, http.StatusBadRequest, ErrorCodeInvalidRequest)
}

func TestHandler_Discovery(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})

	rec := th.do(getRequest(server.DefaultDiscoveryPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); !strings.HasPrefix(got, "public") {
		t.Errorf("Cache-Control = %q, want a public cache policy", got)
	}

	var md ProviderMetadata
	decodeJSON(t, rec, &md)
	if md.Issuer != testIssuer {
		t.Errorf("issuer = %q, want %q", md.Issuer, testIssuer)
	}
	if md.JWKSURI != testIssuer+server.DefaultJWKSPath {
		t.Errorf("jwks_uri = %q", md.JWKSURI)
	}

	rec = th.do(getRequest(server.DefaultJWKSPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("JWKS status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/jwk-set+json" {
		t.Errorf("Content-Type = %q, want application/jwk-set+json", got)
	}
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	decodeJSON(t, rec, &set)
	if len(set.Keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(set.Keys))
	}
	if _, ok := set.Keys[0]["d"]; ok {
		t.Error("JWKS must not publish private key material")
	}
}

func TestHandler_SecurityHeaders(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})

	rec := th.do(getRequest(server.DefaultDiscoveryPath, nil))
	for _, name := range []string{"X-Frame-Options", "X-Content-Type-Options", "Strict-Transport-Security"} {
		if rec.Header().Get(name) == "" {
			t.Errorf("missing %s header", name)
		}
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request ID")
	}
}

func TestHandler_RateLimit(t *testing.T) {
	th := newTestHandler(t, Config{RateLimit: RateLimitConfig{Rate: 1, Burst: 1}}, server.Config{})

	form := url.Values{"grant_type": {"client_credentials"}}
	if rec := th.do(basicAuth(postForm(server.DefaultTokenPath, form), "service", testSecret)); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec := th.do(basicAuth(postForm(server.DefaultTokenPath, form), "service", testSecret))
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After")
	}
	requireError(t, rec, http.StatusTooManyRequests, ErrorCodeRateLimitExceeded)
}

func TestHandler_RateLimitDisabled(t *testing.T) {
	th := newTestHandler(t, Config{RateLimit: RateLimitConfig{Rate: -1}}, server.Config{})

	form := url.Values{"grant_type": {"client_credentials"}}
	for i := 0; i < 30; i++ {
		if rec := th.do(basicAuth(postForm(server.DefaultTokenPath, form), "service", testSecret)); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestHandler_CORS(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin string
	}{
		{
			name:       "allowed origin",
			allowed:    []string{"https://app.example.com"},
			origin:     "https://app.example.com",
			wantOrigin: "https://app.example.com",
		},
		{
			name:    "disallowed origin",
			allowed: []string{"https://app.example.com"},
			origin:  "https://evil.example.com",
		},
		{
			name:       "wildcard echoes the origin",
			allowed:    []string{"*"},
			origin:     "https://any.example.com",
			wantOrigin: "https://any.example.com",
		},
		{
			name:   "not configured",
			origin: "https://app.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHandler(t, Config{CORS: CORSConfig{AllowedOrigins: tt.allowed}}, server.Config{})

			req := httptest.NewRequest(http.MethodOptions, testIssuer+server.DefaultTokenPath, nil)
			req.Header.Set("Origin", tt.origin)
			rec := th.do(req)

			if rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d, want 204", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestFormatWWWAuthenticate(t *testing.T) {
	th := newTestHandler(t, Config{}, server.Config{})

	got := th.handler.formatWWWAuthenticate(ErrorCodeInvalidToken, `bad "token" \ here`)
	want := `Bearer realm="` + testIssuer + `", error="invalid_token", error_description="bad \"token\" \\ here"`
	if got != want {
		t.Errorf("formatWWWAuthenticate() = %s, want %s", got, want)
	}
}
