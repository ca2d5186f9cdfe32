package codec

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultAlgorithm is used by GeneratingProvider when none is given
const DefaultAlgorithm = "ES256"

// ErrNoSigningKey is returned when a provider has no key to sign with
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKey is a private key with its JOSE metadata
type SigningKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	CreatedAt time.Time
}

// PublicKey is the verification half published in the JWKS
type PublicKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.PublicKey
	CreatedAt time.Time
}

// KeyProvider supplies the ID token signing key and the keys published for
// verification.
type KeyProvider interface {
	// SigningKey returns the current signing key.
	// Returns ErrNoSigningKey if no key is available.
	SigningKey(ctx context.Context) (*SigningKey, error)

	// PublicKeys returns all public keys for the JWKS endpoint.
	// May return several keys while a rotation is in progress.
	PublicKeys(ctx context.Context) ([]*PublicKey, error)
}

var (
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*GeneratingProvider)(nil)
)

// FileProvider serves keys loaded from PEM files at construction. The first
// file signs; the others stay published so tokens signed before a rotation
// still verify.
type FileProvider struct {
	signing *SigningKey
	all     []*SigningKey
}

// NewFileProvider loads signingKeyPath and any fallback key files
func NewFileProvider(signingKeyPath string, fallbackPaths ...string) (*FileProvider, error) {
	if signingKeyPath == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signing, err := loadKeyFromFile(signingKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	all := []*SigningKey{signing}
	for _, path := range fallbackPaths {
		key, err := loadKeyFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", path, err)
		}
		all = append(all, key)
	}

	return &FileProvider{signing: signing, all: all}, nil
}

func loadKeyFromFile(path string) (*SigningKey, error) {
	signer, err := LoadSigningKey(path)
	if err != nil {
		return nil, err
	}
	return newSigningKey(signer)
}

func newSigningKey(signer crypto.Signer) (*SigningKey, error) {
	alg, err := DeriveAlgorithm(signer)
	if err != nil {
		return nil, err
	}
	kid, err := DeriveKeyID(signer)
	if err != nil {
		return nil, err
	}
	return &SigningKey{KeyID: kid, Algorithm: alg, Key: signer, CreatedAt: time.Now()}, nil
}

// SigningKey returns a copy of the primary key
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	k := *p.signing
	return &k, nil
}

// PublicKeys returns the public half of every loaded key
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKey, error) {
	return publicKeys(p.all), nil
}

func publicKeys(keys []*SigningKey) []*PublicKey {
	out := make([]*PublicKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, &PublicKey{
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Key:       k.Key.Public(),
			CreatedAt: k.CreatedAt,
		})
	}
	return out
}

// GeneratingProvider creates an ephemeral key on first use. Tokens it signs
// stop verifying after a restart, so it suits development and tests.
type GeneratingProvider struct {
	algorithm string
	logger    *slog.Logger

	mu  sync.Mutex
	key *SigningKey
}

// NewGeneratingProvider returns a provider for algorithm (ES256, ES384 or ES512)
func NewGeneratingProvider(algorithm string, logger *slog.Logger) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeneratingProvider{algorithm: algorithm, logger: logger}
}

// SigningKey returns the generated key, creating it on the first call
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		privateKey, err := generatePrivateKey(p.algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		key, err := newSigningKey(privateKey)
		if err != nil {
			return nil, err
		}
		p.logger.Warn("Generated ephemeral signing key, ID tokens will not verify after restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID)
		p.key = key
	}

	k := *p.key
	return &k, nil
}

// PublicKeys returns the generated key's public half
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKey, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return publicKeys([]*SigningKey{key}), nil
}

func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// LoadSigningKey loads a private key from a PEM file.
// Supports RSA (PKCS1 and PKCS8) and ECDSA (SEC 1 and PKCS8).
func LoadSigningKey(path string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key does not implement crypto.Signer")
	}
	return signer, nil
}

// DeriveKeyID computes the RFC 7638 JWK thumbprint of the public key
func DeriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm picks the JWS algorithm matching the key type
func DeriveAlgorithm(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		default:
			return "", fmt.Errorf("unsupported EC curve: %s", k.Curve.Params().Name)
		}
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}
