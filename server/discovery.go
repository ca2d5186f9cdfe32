package server

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-provider/codec"
	"github.com/giantswarm/oidc-provider/identity"
)

// ProviderMetadata is the OpenID Provider configuration document
// (OpenID Connect Discovery 1.0, RFC 8414)
type ProviderMetadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	IntrospectionEndpoint                  string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                     string   `json:"revocation_endpoint,omitempty"`
	UserInfoEndpoint                       string   `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint                     string   `json:"end_session_endpoint,omitempty"`
	JWKSURI                                string   `json:"jwks_uri"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	ResponseModesSupported                 []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported                    []string `json:"grant_types_supported"`
	SubjectTypesSupported                  []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported       []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                        []string `json:"scopes_supported,omitempty"`
	ClaimsSupported                        []string `json:"claims_supported,omitempty"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported"`
	IntrospectionEndpointAuthMethods       []string `json:"introspection_endpoint_auth_methods_supported,omitempty"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
}

var clientAuthMethods = []string{"client_secret_basic", "client_secret_post", "none"}

// Discovery assembles the provider metadata from configuration and the
// published signing keys
func (s *Server) Discovery(ctx context.Context) (*ProviderMetadata, error) {
	algs, err := codec.SigningAlgorithms(ctx, s.keys)
	if err != nil {
		return nil, ErrServer(fmt.Errorf("failed to list signing algorithms: %w", err))
	}

	cfg := &s.config
	md := &ProviderMetadata{
		Issuer:                                 cfg.Issuer,
		AuthorizationEndpoint:                  cfg.AuthorizationEndpoint,
		TokenEndpoint:                          cfg.TokenEndpoint,
		IntrospectionEndpoint:                  cfg.IntrospectionEndpoint,
		RevocationEndpoint:                     cfg.RevocationEndpoint,
		UserInfoEndpoint:                       cfg.UserInfoEndpoint,
		EndSessionEndpoint:                     cfg.EndSessionEndpoint,
		JWKSURI:                                cfg.JWKSURI,
		SubjectTypesSupported:                  []string{"public"},
		IDTokenSigningAlgValuesSupported:       algs,
		ScopesSupported:                        slices.Clone(cfg.SupportedScopes),
		TokenEndpointAuthMethodsSupported:      slices.Clone(clientAuthMethods),
		IntrospectionEndpointAuthMethods:       slices.Clone(clientAuthMethods[:2]),
		RevocationEndpointAuthMethodsSupported: slices.Clone(clientAuthMethods),
		CodeChallengeMethodsSupported:          []string{PKCEMethodS256},
	}
	if cfg.AllowPKCEPlain {
		md.CodeChallengeMethodsSupported = append(md.CodeChallengeMethodsSupported, PKCEMethodPlain)
	}

	for _, g := range cfg.EnabledGrants {
		if g == GrantPassword && s.resolver == nil {
			continue
		}
		md.GrantTypesSupported = append(md.GrantTypesSupported, string(g))
	}

	md.ResponseModesSupported = []string{"query"}
	if cfg.GrantEnabled(GrantAuthorizationCode) {
		md.ResponseTypesSupported = append(md.ResponseTypesSupported, ResponseTypeCode)
	}
	if cfg.GrantEnabled(GrantImplicit) {
		md.ResponseTypesSupported = append(md.ResponseTypesSupported,
			ResponseTypeToken, ResponseTypeIDToken, ResponseTypeIDToken+" "+ResponseTypeToken)
		md.ResponseModesSupported = append(md.ResponseModesSupported, "fragment")
	}

	md.ClaimsSupported = []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "azp", "at_hash"}
	for _, scope := range []string{ScopeProfile, ScopeEmail} {
		md.ClaimsSupported = append(md.ClaimsSupported, identity.ScopeClaims[scope]...)
	}

	return md, nil
}

// JWKS returns the key set that verifies ID tokens issued by the server
func (s *Server) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	set, err := codec.JWKS(ctx, s.keys)
	if err != nil {
		return jose.JSONWebKeySet{}, ErrServer(fmt.Errorf("failed to load public keys: %w", err))
	}
	return set, nil
}
