package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/identity/memory"
	"github.com/giantswarm/oidc-provider/storage"
)

// bootstrap is the seed file loaded at startup. Secrets and passwords are
// bcrypt hashes, produced with `oidc-server hash-password`.
type bootstrap struct {
	Clients []bootstrapClient `yaml:"clients"`
	Users   []bootstrapUser   `yaml:"users"`
}

type bootstrapClient struct {
	ID                     string   `yaml:"id"`
	Name                   string   `yaml:"name"`
	Type                   string   `yaml:"type"`
	SecretHash             string   `yaml:"secret_hash"`
	GrantTypes             []string `yaml:"grant_types"`
	Scopes                 []string `yaml:"scopes"`
	RedirectURIs           []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris"`
}

type bootstrapUser struct {
	Username      string `yaml:"username"`
	PasswordHash  string `yaml:"password_hash"`
	Subject       string `yaml:"subject"`
	Name          string `yaml:"name"`
	GivenName     string `yaml:"given_name"`
	FamilyName    string `yaml:"family_name"`
	Email         string `yaml:"email"`
	EmailVerified bool   `yaml:"email_verified"`
	Picture       string `yaml:"picture"`
	Locale        string `yaml:"locale"`
}

func loadBootstrap(path string) (*bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap file: %w", err)
	}
	return parseBootstrap(data)
}

func parseBootstrap(data []byte) (*bootstrap, error) {
	var b bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing bootstrap file: %w", err)
	}
	return &b, nil
}

func (c bootstrapClient) client() *storage.Client {
	clientType := storage.ClientType(c.Type)
	if clientType == "" {
		clientType = storage.ClientTypeConfidential
		if c.SecretHash == "" {
			clientType = storage.ClientTypePublic
		}
	}
	return &storage.Client{
		ID:                     c.ID,
		SecretHash:             c.SecretHash,
		Type:                   clientType,
		Name:                   c.Name,
		GrantTypes:             c.GrantTypes,
		Scopes:                 c.Scopes,
		RedirectURIs:           c.RedirectURIs,
		PostLogoutRedirectURIs: c.PostLogoutRedirectURIs,
	}
}

func (u bootstrapUser) info() identity.UserInfo {
	return identity.UserInfo{
		ID:                u.Subject,
		Email:             u.Email,
		EmailVerified:     u.EmailVerified,
		Name:              u.Name,
		GivenName:         u.GivenName,
		FamilyName:        u.FamilyName,
		PreferredUsername: u.Username,
		Picture:           u.Picture,
		Locale:            u.Locale,
	}
}

// apply registers every client and user. Clients already present are
// overwritten so the file stays the source of truth.
func (b *bootstrap) apply(ctx context.Context, clients storage.ClientRegistrar, users *memory.Directory) error {
	for _, c := range b.Clients {
		if err := clients.SaveClient(ctx, c.client()); err != nil {
			return fmt.Errorf("saving client %q: %w", c.ID, err)
		}
	}
	for _, u := range b.Users {
		if err := users.AddUserWithHash(u.Username, u.PasswordHash, u.info()); err != nil {
			return fmt.Errorf("user %q: %w", u.Username, err)
		}
	}
	return nil
}
