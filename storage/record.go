package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-provider/security"
)

// TokenRecord is the serialized form of a Token used by the persistent
// stores. Times are unix milliseconds so scripts can compare them, and claims
// are sealed with the configured encryptor.
type TokenRecord struct {
	ID                  string      `json:"id"`
	Kind                TokenKind   `json:"kind"`
	ClientID            string      `json:"client_id"`
	Subject             string      `json:"subject,omitempty"`
	Scopes              []string    `json:"scopes,omitempty"`
	IssuedAt            int64       `json:"issued_at"`
	ExpiresAt           int64       `json:"expires_at"`
	Status              TokenStatus `json:"status"`
	RedirectURI         string      `json:"redirect_uri,omitempty"`
	Nonce               string      `json:"nonce,omitempty"`
	CodeChallenge       string      `json:"code_challenge,omitempty"`
	CodeChallengeMethod string      `json:"code_challenge_method,omitempty"`
	Claims              string      `json:"claims,omitempty"`
	ParentID            string      `json:"parent_id,omitempty"`
	AuthTime            int64       `json:"auth_time,omitempty"`
	ReuseCount          int         `json:"reuse_count"`
}

// EncodeToken serializes a token, sealing its claims with enc (which may be nil).
func EncodeToken(t *Token, enc *security.Encryptor) ([]byte, error) {
	claims, err := SealClaims(t.Claims, enc)
	if err != nil {
		return nil, err
	}
	rec := TokenRecord{
		ID:                  t.ID,
		Kind:                t.Kind,
		ClientID:            t.ClientID,
		Subject:             t.Subject,
		Scopes:              t.Scopes,
		IssuedAt:            toMillis(t.IssuedAt),
		ExpiresAt:           toMillis(t.ExpiresAt),
		Status:              t.Status,
		RedirectURI:         t.RedirectURI,
		Nonce:               t.Nonce,
		CodeChallenge:       t.CodeChallenge,
		CodeChallengeMethod: t.CodeChallengeMethod,
		Claims:              claims,
		ParentID:            t.ParentID,
		AuthTime:            toMillis(t.AuthTime),
		ReuseCount:          t.ReuseCount,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token: %w", err)
	}
	return data, nil
}

// DecodeToken reverses EncodeToken.
func DecodeToken(data []byte, enc *security.Encryptor) (*Token, error) {
	var rec TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	claims, err := OpenClaims(rec.Claims, enc)
	if err != nil {
		return nil, err
	}
	return &Token{
		ID:                  rec.ID,
		Kind:                rec.Kind,
		ClientID:            rec.ClientID,
		Subject:             rec.Subject,
		Scopes:              rec.Scopes,
		IssuedAt:            fromMillis(rec.IssuedAt),
		ExpiresAt:           fromMillis(rec.ExpiresAt),
		Status:              rec.Status,
		RedirectURI:         rec.RedirectURI,
		Nonce:               rec.Nonce,
		CodeChallenge:       rec.CodeChallenge,
		CodeChallengeMethod: rec.CodeChallengeMethod,
		Claims:              claims,
		ParentID:            rec.ParentID,
		AuthTime:            fromMillis(rec.AuthTime),
		ReuseCount:          rec.ReuseCount,
	}, nil
}

// SealClaims marshals claims to JSON and encrypts them when enc is enabled.
// The result is base64 when encrypted and plain JSON otherwise.
func SealClaims(claims map[string]any, enc *security.Encryptor) (string, error) {
	if len(claims) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	sealed, err := enc.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt claims: %w", err)
	}
	return sealed, nil
}

// OpenClaims reverses SealClaims.
func OpenClaims(sealed string, enc *security.Encryptor) (map[string]any, error) {
	if sealed == "" {
		return nil, nil
	}
	raw, err := enc.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt claims: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %w", err)
	}
	return claims, nil
}

// ClientRecord is the serialized form of a Client
type ClientRecord struct {
	ID                     string     `json:"id"`
	SecretHash             string     `json:"secret_hash,omitempty"`
	Type                   ClientType `json:"type"`
	Name                   string     `json:"name,omitempty"`
	GrantTypes             []string   `json:"grant_types"`
	Scopes                 []string   `json:"scopes"`
	RedirectURIs           []string   `json:"redirect_uris"`
	PostLogoutRedirectURIs []string   `json:"post_logout_redirect_uris,omitempty"`
	CreatedAt              int64      `json:"created_at"`
}

// EncodeClient serializes a client
func EncodeClient(c *Client) ([]byte, error) {
	data, err := json.Marshal(ClientRecord{
		ID:                     c.ID,
		SecretHash:             c.SecretHash,
		Type:                   c.Type,
		Name:                   c.Name,
		GrantTypes:             c.GrantTypes,
		Scopes:                 c.Scopes,
		RedirectURIs:           c.RedirectURIs,
		PostLogoutRedirectURIs: c.PostLogoutRedirectURIs,
		CreatedAt:              toMillis(c.CreatedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client: %w", err)
	}
	return data, nil
}

// DecodeClient reverses EncodeClient
func DecodeClient(data []byte) (*Client, error) {
	var rec ClientRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &Client{
		ID:                     rec.ID,
		SecretHash:             rec.SecretHash,
		Type:                   rec.Type,
		Name:                   rec.Name,
		GrantTypes:             rec.GrantTypes,
		Scopes:                 rec.Scopes,
		RedirectURIs:           rec.RedirectURIs,
		PostLogoutRedirectURIs: rec.PostLogoutRedirectURIs,
		CreatedAt:              fromMillis(rec.CreatedAt),
	}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
