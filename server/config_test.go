package server

import (
	"bytes"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestApplyTimeDefaults(t *testing.T) {
	tests := []struct {
		name                    string
		input                   Config
		expectedAuthCodeTTL     time.Duration
		expectedAccessTokenTTL  time.Duration
		expectedIDTokenTTL      time.Duration
		expectedRefreshTokenTTL time.Duration
		expectedClockSkewGrace  time.Duration
	}{
		{
			name:                    "all zeros should get defaults",
			input:                   Config{},
			expectedAuthCodeTTL:     5 * time.Minute,
			expectedAccessTokenTTL:  time.Hour,
			expectedIDTokenTTL:      20 * time.Minute,
			expectedRefreshTokenTTL: 14 * 24 * time.Hour,
			expectedClockSkewGrace:  5 * time.Second,
		},
		{
			name: "custom values should be preserved",
			input: Config{
				AuthorizationCodeTTL: time.Minute,
				AccessTokenTTL:       30 * time.Minute,
				IDTokenTTL:           10 * time.Minute,
				RefreshTokenTTL:      24 * time.Hour,
				ClockSkewGracePeriod: 10 * time.Second,
			},
			expectedAuthCodeTTL:     time.Minute,
			expectedAccessTokenTTL:  30 * time.Minute,
			expectedIDTokenTTL:      10 * time.Minute,
			expectedRefreshTokenTTL: 24 * time.Hour,
			expectedClockSkewGrace:  10 * time.Second,
		},
		{
			name: "negative values get defaults",
			input: Config{
				AccessTokenTTL: -time.Second,
			},
			expectedAuthCodeTTL:     5 * time.Minute,
			expectedAccessTokenTTL:  time.Hour,
			expectedIDTokenTTL:      20 * time.Minute,
			expectedRefreshTokenTTL: 14 * 24 * time.Hour,
			expectedClockSkewGrace:  5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.input
			applyTimeDefaults(&config)

			if config.AuthorizationCodeTTL != tt.expectedAuthCodeTTL {
				t.Errorf("AuthorizationCodeTTL = %v, want %v", config.AuthorizationCodeTTL, tt.expectedAuthCodeTTL)
			}
			if config.AccessTokenTTL != tt.expectedAccessTokenTTL {
				t.Errorf("AccessTokenTTL = %v, want %v", config.AccessTokenTTL, tt.expectedAccessTokenTTL)
			}
			if config.IDTokenTTL != tt.expectedIDTokenTTL {
				t.Errorf("IDTokenTTL = %v, want %v", config.IDTokenTTL, tt.expectedIDTokenTTL)
			}
			if config.RefreshTokenTTL != tt.expectedRefreshTokenTTL {
				t.Errorf("RefreshTokenTTL = %v, want %v", config.RefreshTokenTTL, tt.expectedRefreshTokenTTL)
			}
			if config.ClockSkewGracePeriod != tt.expectedClockSkewGrace {
				t.Errorf("ClockSkewGracePeriod = %v, want %v", config.ClockSkewGracePeriod, tt.expectedClockSkewGrace)
			}
		})
	}
}

func TestApplySecurityDefaults(t *testing.T) {
	tests := []struct {
		name                 string
		input                Config
		expectedRotation     bool
		expectedPKCEPublic   bool
		expectedAllowPlain   bool
		expectedRevokeLogout bool
	}{
		{
			name:               "unset config gets secure defaults",
			input:              Config{},
			expectedRotation:   true,
			expectedPKCEPublic: true,
		},
		{
			name:                 "logout revocation does not drop secure defaults",
			input:                Config{RevokeOnLogout: true},
			expectedRotation:     true,
			expectedPKCEPublic:   true,
			expectedRevokeLogout: true,
		},
		{
			name:             "explicit rotation keeps PKCE off",
			input:            Config{AllowRefreshTokenRotation: true},
			expectedRotation: true,
		},
		{
			name:               "plain PKCE opt-in keeps other flags off",
			input:              Config{AllowPKCEPlain: true, RequirePKCEForPublicClients: true},
			expectedPKCEPublic: true,
			expectedAllowPlain: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.input
			applySecurityDefaults(&config, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

			if config.AllowRefreshTokenRotation != tt.expectedRotation {
				t.Errorf("AllowRefreshTokenRotation = %v, want %v", config.AllowRefreshTokenRotation, tt.expectedRotation)
			}
			if config.RequirePKCEForPublicClients != tt.expectedPKCEPublic {
				t.Errorf("RequirePKCEForPublicClients = %v, want %v", config.RequirePKCEForPublicClients, tt.expectedPKCEPublic)
			}
			if config.AllowPKCEPlain != tt.expectedAllowPlain {
				t.Errorf("AllowPKCEPlain = %v, want %v", config.AllowPKCEPlain, tt.expectedAllowPlain)
			}
			if config.RevokeOnLogout != tt.expectedRevokeLogout {
				t.Errorf("RevokeOnLogout = %v, want %v", config.RevokeOnLogout, tt.expectedRevokeLogout)
			}
		})
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	tests := []struct {
		name          string
		config        Config
		expectWarning []string
		expectAbsent  []string
	}{
		{
			name: "all secure",
			config: Config{
				AllowRefreshTokenRotation:   true,
				RequirePKCEForPublicClients: true,
			},
			expectAbsent: []string{"PKCE is optional", "Plain PKCE", "rotation is DISABLED", "password grant"},
		},
		{
			name:          "PKCE optional",
			config:        Config{AllowRefreshTokenRotation: true},
			expectWarning: []string{"PKCE is optional for public clients"},
		},
		{
			name:          "plain PKCE",
			config:        Config{AllowRefreshTokenRotation: true, RequirePKCEForPublicClients: true, AllowPKCEPlain: true},
			expectWarning: []string{"Plain PKCE method is ALLOWED"},
		},
		{
			name:          "rotation disabled",
			config:        Config{RequirePKCEForPublicClients: true},
			expectWarning: []string{"Refresh token rotation is DISABLED"},
		},
		{
			name: "password grant",
			config: Config{
				AllowRefreshTokenRotation:   true,
				RequirePKCEForPublicClients: true,
				EnabledGrants:               []GrantType{GrantPassword},
			},
			expectWarning: []string{"Resource owner password grant is enabled"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			config := tt.config
			logSecurityWarnings(&config, logger)

			output := buf.String()
			for _, want := range tt.expectWarning {
				if !strings.Contains(output, want) {
					t.Errorf("expected warning %q, got: %s", want, output)
				}
			}
			for _, absent := range tt.expectAbsent {
				if strings.Contains(output, absent) {
					t.Errorf("unexpected warning %q in: %s", absent, output)
				}
			}
		})
	}
}

func TestNewConfig_EndpointDefaults(t *testing.T) {
	config, err := NewConfig(Config{
		Issuer:           "https://auth.example.com/",
		UserInfoEndpoint: "https://profile.example.com/me",
	}, nil)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if config.TokenEndpoint != "https://auth.example.com"+DefaultTokenPath {
		t.Errorf("TokenEndpoint = %q, want it derived from the issuer", config.TokenEndpoint)
	}
	if config.UserInfoEndpoint != "https://profile.example.com/me" {
		t.Errorf("UserInfoEndpoint = %q, want the configured value", config.UserInfoEndpoint)
	}
	if !slices.Equal(config.EnabledGrants, AllGrantTypes) {
		t.Errorf("EnabledGrants = %v, want every grant type", config.EnabledGrants)
	}
	if !config.RendersRedirect(EndpointAuthorize) || !config.RendersRedirect(EndpointLogout) {
		t.Error("authorize and logout must render errors by redirect by default")
	}
	if config.RendersRedirect(EndpointToken) {
		t.Error("token endpoint must render errors as JSON")
	}
}

func TestNewConfig_RevokeOnLogoutKeepsSecureDefaults(t *testing.T) {
	config, err := NewConfig(Config{Issuer: "https://auth.example.com", RevokeOnLogout: true}, nil)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if !config.RequirePKCEForPublicClients {
		t.Error("RequirePKCEForPublicClients = false, want true")
	}
	if !config.AllowRefreshTokenRotation {
		t.Error("AllowRefreshTokenRotation = false, want true")
	}
	if !config.RevokeOnLogout {
		t.Error("RevokeOnLogout = false, want true")
	}
}

func TestNewConfig_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "missing issuer",
			config:  Config{},
			wantErr: "issuer is required",
		},
		{
			name:    "issuer without host",
			config:  Config{Issuer: "https://"},
			wantErr: "has no host",
		},
		{
			name:    "issuer with query",
			config:  Config{Issuer: "https://auth.example.com?tenant=a"},
			wantErr: "query and fragment",
		},
		{
			name:    "issuer with fragment",
			config:  Config{Issuer: "https://auth.example.com#x"},
			wantErr: "query and fragment",
		},
		{
			name:    "unknown grant",
			config:  Config{Issuer: testIssuer, EnabledGrants: []GrantType{"device_code"}},
			wantErr: "unknown grant type",
		},
		{
			name: "invalid error rendering",
			config: Config{
				Issuer:         testIssuer,
				ErrorRendering: map[Endpoint]ErrorRendering{EndpointToken: "html"},
			},
			wantErr: "invalid error rendering",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.config, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNewConfig_IsImmutable(t *testing.T) {
	input := Config{
		Issuer:          testIssuer,
		EnabledGrants:   []GrantType{GrantAuthorizationCode, GrantRefreshToken},
		SupportedScopes: []string{"openid", "profile"},
		ErrorRendering:  map[Endpoint]ErrorRendering{EndpointToken: RenderJSON},
	}

	setup := newTestServerSetup(t, input)

	input.EnabledGrants[0] = GrantPassword
	input.SupportedScopes[0] = "admin"
	input.ErrorRendering[EndpointToken] = RenderRedirect

	config := setup.srv.Config()
	if config.EnabledGrants[0] != GrantAuthorizationCode {
		t.Errorf("EnabledGrants changed through the caller's slice: %v", config.EnabledGrants)
	}
	if config.SupportedScopes[0] != "openid" {
		t.Errorf("SupportedScopes changed through the caller's slice: %v", config.SupportedScopes)
	}
	if config.RendersRedirect(EndpointToken) {
		t.Error("ErrorRendering changed through the caller's map")
	}

	// Nor through the returned copy
	config.EnabledGrants[0] = GrantImplicit
	if setup.srv.Config().EnabledGrants[0] != GrantAuthorizationCode {
		t.Error("Config() must return a copy")
	}
}

func TestNewConfig_SupportedScopes(t *testing.T) {
	setup := newTestServerSetup(t, Config{SupportedScopes: []string{"openid", "profile"}})
	code := setup.authorizeCode(t, "openid profile")
	if code == "" {
		t.Fatal("expected a code")
	}

	// email is registered for the client but not supported by the server
	_, err := setup.srv.Authorize(t.Context(), &Request{
		ResponseType: "code",
		ClientID:     "webapp",
		Scope:        "openid email",
		Ticket:       setup.ticket(),
	})
	requireCode(t, err, ErrorCodeInvalidScope)
}
