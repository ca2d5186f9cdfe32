package storage

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oidc-provider/security"
)

func TestToken_Validate(t *testing.T) {
	now := time.Now()
	valid := func() *Token {
		return &Token{
			ID:        "tok",
			Kind:      KindAccessToken,
			ClientID:  "c1",
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
			Status:    StatusValid,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Token)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Token) {}},
		{name: "missing id", mutate: func(tk *Token) { tk.ID = "" }, wantErr: true},
		{name: "missing client", mutate: func(tk *Token) { tk.ClientID = "" }, wantErr: true},
		{name: "unknown kind", mutate: func(tk *Token) { tk.Kind = "bogus" }, wantErr: true},
		{name: "expires before issued", mutate: func(tk *Token) { tk.ExpiresAt = now.Add(-time.Second) }, wantErr: true},
		{name: "expires equal issued", mutate: func(tk *Token) { tk.ExpiresAt = tk.IssuedAt }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := valid()
			tt.mutate(tk)
			err := tk.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("Validate() error = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestToken_IsActive(t *testing.T) {
	now := time.Now()
	tk := &Token{Status: StatusValid, IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Minute)}
	if !tk.IsActive(now, 0) {
		t.Error("valid unexpired token should be active")
	}
	tk.Status = StatusRedeemed
	if tk.IsActive(now, 0) {
		t.Error("redeemed token must not be active")
	}
	tk.Status = StatusValid
	if tk.IsActive(now.Add(2*time.Minute), 0) {
		t.Error("expired token must not be active")
	}
}

func TestToken_CloneIsDeep(t *testing.T) {
	tk := &Token{Scopes: []string{"openid"}, Claims: map[string]any{"name": "Bob"}}
	c := tk.Clone()
	c.Scopes[0] = "changed"
	c.Claims["name"] = "Alice"
	if tk.Scopes[0] != "openid" || tk.Claims["name"] != "Bob" {
		t.Error("Clone() shares state with original")
	}
}

func TestClient_Validate(t *testing.T) {
	tests := []struct {
		name    string
		client  Client
		wantErr bool
	}{
		{name: "confidential with hash", client: Client{ID: "c1", Type: ClientTypeConfidential, SecretHash: "x"}},
		{name: "confidential without hash", client: Client{ID: "c1", Type: ClientTypeConfidential}, wantErr: true},
		{name: "public", client: Client{ID: "c2", Type: ClientTypePublic}},
		{name: "no id", client: Client{Type: ClientTypePublic}, wantErr: true},
		{name: "bad type", client: Client{ID: "c3", Type: "other"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.client.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompareSecret(t *testing.T) {
	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	confidential := &Client{ID: "c1", Type: ClientTypeConfidential, SecretHash: hash}
	public := &Client{ID: "c2", Type: ClientTypePublic}

	tests := []struct {
		name      string
		client    *Client
		presented string
		want      bool
	}{
		{name: "correct secret", client: confidential, presented: "s3cret", want: true},
		{name: "wrong secret", client: confidential, presented: "nope", want: false},
		{name: "empty secret", client: confidential, presented: "", want: false},
		{name: "public client", client: public, presented: "anything", want: false},
		{name: "nil client", client: nil, presented: "s3cret", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareSecret(tt.client, tt.presented); got != tt.want {
				t.Errorf("CompareSecret() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeToken_SealsClaims(t *testing.T) {
	key, _ := security.GenerateKey()
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	now := time.Now().Truncate(time.Millisecond)
	tk := &Token{
		ID:        "code-1",
		Kind:      KindAuthorizationCode,
		ClientID:  "c1",
		Subject:   "bob",
		Scopes:    []string{"openid", "profile"},
		IssuedAt:  now,
		ExpiresAt: now.Add(10 * time.Minute),
		Status:    StatusValid,
		Claims:    map[string]any{"name": "Bob le Magnifique"},
	}

	data, err := EncodeToken(tk, enc)
	if err != nil {
		t.Fatalf("EncodeToken() error = %v", err)
	}
	if strings.Contains(string(data), "Magnifique") {
		t.Error("claims stored in clear text")
	}

	got, err := DecodeToken(data, enc)
	if err != nil {
		t.Fatalf("DecodeToken() error = %v", err)
	}
	if got.Claims["name"] != "Bob le Magnifique" {
		t.Errorf("claims = %v", got.Claims)
	}
	if !got.ExpiresAt.Equal(tk.ExpiresAt) || !got.IssuedAt.Equal(tk.IssuedAt) {
		t.Errorf("times not preserved: %v / %v", got.IssuedAt, got.ExpiresAt)
	}

	other, _ := security.GenerateKey()
	wrong, _ := security.NewEncryptor(other)
	if _, err := DecodeToken(data, wrong); err == nil {
		t.Error("DecodeToken() with wrong key should fail")
	}
}
