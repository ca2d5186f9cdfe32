package codec

import (
	"golang.org/x/oauth2"
)

// OpaqueIDLength is the encoded length of identifiers returned by NewOpaqueID
const OpaqueIDLength = 43

// NewOpaqueID returns 32 random bytes encoded as unpadded base64url. It is
// used for codes, access tokens and refresh tokens.
func NewOpaqueID() (string, error) {
	// GenerateVerifier reads 32 bytes from crypto/rand and panics on failure
	return oauth2.GenerateVerifier(), nil
}

// S256Challenge derives the PKCE S256 code challenge for verifier
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
