package oauth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
)

// route binds an endpoint handler to the path of a published endpoint URL
type route struct {
	name    string
	url     string
	handler http.HandlerFunc
}

func (h *Handler) routes() []route {
	cfg := h.server.Config()
	return []route{
		{name: "authorize", url: cfg.AuthorizationEndpoint, handler: h.ServeAuthorization},
		{name: "token", url: cfg.TokenEndpoint, handler: h.ServeToken},
		{name: "introspect", url: cfg.IntrospectionEndpoint, handler: h.ServeTokenIntrospection},
		{name: "revoke", url: cfg.RevocationEndpoint, handler: h.ServeTokenRevocation},
		{name: "userinfo", url: cfg.UserInfoEndpoint, handler: h.ServeUserInfo},
		{name: "logout", url: cfg.EndSessionEndpoint, handler: h.ServeLogout},
		{name: "jwks", url: cfg.JWKSURI, handler: h.ServeJWKS},
		{name: "discovery", url: strings.TrimSuffix(cfg.Issuer, "/") + server.DefaultDiscoveryPath, handler: h.ServeOpenIDConfiguration},
	}
}

// RegisterRoutes registers every endpoint on mux at the path of the URL the
// provider publishes for it. OPTIONS requests get a CORS preflight answer.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) error {
	seen := make(map[string]string)
	for _, rt := range h.routes() {
		u, err := url.Parse(rt.url)
		if err != nil {
			return fmt.Errorf("invalid %s endpoint %q: %w", rt.name, rt.url, err)
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		if other, ok := seen[path]; ok {
			return fmt.Errorf("%s and %s endpoints share the path %s", other, rt.name, path)
		}
		seen[path] = rt.name

		mux.Handle(path, h.instrument(rt.name, h.withPreflight(rt.handler)))
	}
	return nil
}

// HTTPHandler returns a mux serving every endpoint behind the request ID
// middleware
func (h *Handler) HTTPHandler() (http.Handler, error) {
	mux := http.NewServeMux()
	if err := h.RegisterRoutes(mux); err != nil {
		return nil, err
	}
	return security.RequestIDMiddleware(mux), nil
}

func (h *Handler) withPreflight(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			h.ServePreflightRequest(w, r)
			return
		}
		next(w, r)
	}
}
