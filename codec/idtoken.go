package codec

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// ID token verification errors. Each wraps ErrInvalidToken.
var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrSignatureInvalid  = fmt.Errorf("%w: signature verification failed", ErrInvalidToken)
	ErrKeyNotFound       = fmt.Errorf("%w: signing key not found", ErrInvalidToken)
	ErrIssuerMismatch    = fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	ErrAudienceMismatch  = fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	ErrTokenExpired      = fmt.Errorf("%w: token has expired", ErrInvalidToken)
	ErrMalformedIDToken  = fmt.Errorf("%w: malformed token", ErrInvalidToken)
	ErrMissingExpiration = fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
)

// supportedAlgorithms are the asymmetric algorithms accepted when parsing
var supportedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

// registeredClaims are decoded into IDTokenClaims fields and omitted from Extra
var registeredClaims = []string{
	"iss", "sub", "aud", "exp", "iat", "nbf", "jti",
	"nonce", "auth_time", "azp", "at_hash",
}

// IDTokenClaims are the claims of an OIDC ID token
type IDTokenClaims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time

	// AuthTime is when the end-user authenticated (auth_time claim)
	AuthTime time.Time

	// Nonce echoes the authorization request nonce
	Nonce string

	// AuthorizedParty is the client the token was issued to (azp claim)
	AuthorizedParty string

	// AccessTokenHash binds the token to an access token issued alongside
	// it (at_hash claim)
	AccessTokenHash string

	// Extra holds profile and email claims of the subject
	Extra map[string]any
}

type oidcClaims struct {
	Nonce           string `json:"nonce,omitempty"`
	AuthTime        int64  `json:"auth_time,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
	AccessTokenHash string `json:"at_hash,omitempty"`
}

// IDTokenSigner signs ID tokens with the provider's current key
type IDTokenSigner struct {
	provider KeyProvider
}

// NewIDTokenSigner returns a signer backed by provider
func NewIDTokenSigner(provider KeyProvider) *IDTokenSigner {
	return &IDTokenSigner{provider: provider}
}

// Algorithm returns the JWS algorithm of the current signing key
func (s *IDTokenSigner) Algorithm(ctx context.Context) (string, error) {
	key, err := s.provider.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	return key.Algorithm, nil
}

// Sign serializes claims as a JWS compact token with the key ID in the header
func (s *IDTokenSigner) Sign(ctx context.Context, claims IDTokenClaims) (string, error) {
	key, err := s.provider.SigningKey(ctx)
	if err != nil {
		return "", err
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader(jose.HeaderKey("kid"), key.KeyID)
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key:       key.Key,
	}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	std := jwt.Claims{
		Issuer:   claims.Issuer,
		Subject:  claims.Subject,
		Audience: jwt.Audience(claims.Audience),
		Expiry:   jwt.NewNumericDate(claims.ExpiresAt),
		IssuedAt: jwt.NewNumericDate(claims.IssuedAt),
	}
	oidc := oidcClaims{
		Nonce:           claims.Nonce,
		AuthorizedParty: claims.AuthorizedParty,
		AccessTokenHash: claims.AccessTokenHash,
	}
	if !claims.AuthTime.IsZero() {
		oidc.AuthTime = claims.AuthTime.Unix()
	}

	builder := jwt.Signed(signer).Claims(std).Claims(oidc)
	if extra := withoutRegistered(claims.Extra); len(extra) > 0 {
		builder = builder.Claims(extra)
	}
	raw, err := builder.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return raw, nil
}

// VerifyOption adjusts a single verification
type VerifyOption func(*verifyOptions)

type verifyOptions struct {
	ignoreExpiry bool
}

// IgnoreExpiry accepts tokens past their exp claim. Logout uses it for
// id_token_hint.
func IgnoreExpiry() VerifyOption {
	return func(o *verifyOptions) { o.ignoreExpiry = true }
}

// IDTokenVerifier checks ID tokens issued by this provider
type IDTokenVerifier struct {
	issuer    string
	provider  KeyProvider
	clockSkew time.Duration
	now       func() time.Time
}

// NewIDTokenVerifier returns a verifier for tokens from issuer
func NewIDTokenVerifier(issuer string, provider KeyProvider, clockSkew time.Duration) *IDTokenVerifier {
	return &IDTokenVerifier{
		issuer:    issuer,
		provider:  provider,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

// Verify checks signature, issuer, audience and expiry in that order. An
// empty audience skips the audience check.
func (v *IDTokenVerifier) Verify(ctx context.Context, raw, audience string, opts ...VerifyOption) (*IDTokenClaims, error) {
	var o verifyOptions
	for _, opt := range opts {
		opt(&o)
	}

	tok, err := jwt.ParseSigned(raw, supportedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIDToken, err)
	}
	if len(tok.Headers) == 0 {
		return nil, ErrMalformedIDToken
	}

	keys, err := v.provider.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification keys: %w", err)
	}
	kid := tok.Headers[0].KeyID
	idx := slices.IndexFunc(keys, func(k *PublicKey) bool { return k.KeyID == kid })
	if idx < 0 {
		return nil, ErrKeyNotFound
	}

	var (
		std   jwt.Claims
		oidc  oidcClaims
		extra map[string]any
	)
	if err := tok.Claims(keys[idx].Key, &std, &oidc, &extra); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if std.Issuer != v.issuer {
		return nil, ErrIssuerMismatch
	}
	if audience != "" && !std.Audience.Contains(audience) {
		return nil, ErrAudienceMismatch
	}
	if std.Expiry == nil {
		return nil, ErrMissingExpiration
	}
	if !o.ignoreExpiry && v.now().After(std.Expiry.Time().Add(v.clockSkew)) {
		return nil, ErrTokenExpired
	}

	claims := &IDTokenClaims{
		Issuer:          std.Issuer,
		Subject:         std.Subject,
		Audience:        []string(std.Audience),
		ExpiresAt:       std.Expiry.Time(),
		Nonce:           oidc.Nonce,
		AuthorizedParty: oidc.AuthorizedParty,
		AccessTokenHash: oidc.AccessTokenHash,
		Extra:           withoutRegistered(extra),
	}
	if std.IssuedAt != nil {
		claims.IssuedAt = std.IssuedAt.Time()
	}
	if oidc.AuthTime > 0 {
		claims.AuthTime = time.Unix(oidc.AuthTime, 0)
	}
	return claims, nil
}

func withoutRegistered(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !slices.Contains(registeredClaims, k) {
			out[k] = v
		}
	}
	return out
}

// AccessTokenHash computes the at_hash claim value for accessToken: the left
// half of the hash matching the signing algorithm, base64url encoded.
func AccessTokenHash(accessToken, algorithm string) (string, error) {
	var h hash.Hash
	switch algorithm {
	case "RS256", "ES256", "PS256":
		h = sha256.New()
	case "RS384", "ES384", "PS384":
		h = sha512.New384()
	case "RS512", "ES512", "PS512":
		h = sha512.New()
	default:
		return "", fmt.Errorf("unsupported algorithm for at_hash: %s", algorithm)
	}
	h.Write([]byte(accessToken))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
