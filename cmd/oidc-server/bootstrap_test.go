package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-provider/identity/memory"
	"github.com/giantswarm/oidc-provider/internal/testutil"
	"github.com/giantswarm/oidc-provider/storage"
	storagememory "github.com/giantswarm/oidc-provider/storage/memory"
)

func TestBootstrap_Apply(t *testing.T) {
	ctx := context.Background()
	data := []byte(`
clients:
  - id: webapp
    name: Web App
    secret_hash: "` + testutil.HashSecret(t, "webapp-secret") + `"
    grant_types: [authorization_code, refresh_token]
    scopes: [openid, profile, offline_access]
    redirect_uris: ["https://cb/"]
    post_logout_redirect_uris: ["https://app.example.com/bye"]
  - id: spa
    grant_types: [authorization_code]
    scopes: [openid]
    redirect_uris: ["https://spa.example.com/cb"]
users:
  - username: alice
    subject: user-1
    password_hash: "` + testutil.HashSecret(t, "wonderland") + `"
    name: Alice
    email: alice@example.com
    email_verified: true
`)

	seed, err := parseBootstrap(data)
	require.NoError(t, err)
	require.Len(t, seed.Clients, 2)
	require.Len(t, seed.Users, 1)

	clients := storagememory.New()
	t.Cleanup(clients.Stop)
	users := memory.NewDirectory()
	require.NoError(t, seed.apply(ctx, clients, users))

	webapp, err := clients.FindClientByID(ctx, "webapp")
	require.NoError(t, err)
	assert.Equal(t, storage.ClientTypeConfidential, webapp.Type)
	assert.Equal(t, []string{"https://cb/"}, webapp.RedirectURIs)
	assert.True(t, clients.ValidateSecret(ctx, webapp, "webapp-secret"))

	spa, err := clients.FindClientByID(ctx, "spa")
	require.NoError(t, err)
	assert.True(t, spa.IsPublic(), "a client without a secret hash is public")

	ticket, err := users.ResolveResourceOwner(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "user-1", ticket.Subject)
	assert.Equal(t, "alice", ticket.Claims["preferred_username"])
	assert.Equal(t, true, ticket.Claims["email_verified"])
}

func TestBootstrap_ApplyRejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "confidential client without secret",
			yaml: "clients:\n  - id: svc\n    type: confidential\n",
		},
		{
			name: "unknown client type",
			yaml: "clients:\n  - id: svc\n    type: trusted\n",
		},
		{
			name: "plaintext user password",
			yaml: "users:\n  - username: bob\n    subject: user-2\n    password_hash: hunter2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed, err := parseBootstrap([]byte(tt.yaml))
			require.NoError(t, err)

			clients := storagememory.New()
			t.Cleanup(clients.Stop)
			assert.Error(t, seed.apply(ctx, clients, memory.NewDirectory()))
		})
	}
}

func TestLoadBootstrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clients: [\n"), 0o600))

	_, err := loadBootstrap(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing bootstrap file")

	_, err = loadBootstrap(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading bootstrap file")
}
