package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"slices"

	"github.com/giantswarm/oidc-provider/internal/util"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// MaxScopeLength bounds the scope parameter before it is parsed
const MaxScopeLength = 1000

// isUnreservedString reports whether s only holds RFC 3986 unreserved
// characters: [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
func isUnreservedString(s string) bool {
	for _, ch := range s {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return false
		}
	}
	return true
}

// validateCodeChallenge checks the PKCE parameters of an authorization
// request and returns the effective method
func validateCodeChallenge(challenge, method string, allowPlain bool) (string, error) {
	if method == "" {
		// RFC 7636 Section 4.3: plain is the default
		method = PKCEMethodPlain
	}
	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if !allowPlain {
			return "", fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
	default:
		return "", fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength {
		return "", fmt.Errorf("code_challenge must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	if !isUnreservedString(challenge) {
		return "", fmt.Errorf("code_challenge contains invalid characters")
	}
	return method, nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func validatePKCE(challenge, method, verifier string, allowPlain bool) error {
	if challenge == "" {
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	if !isUnreservedString(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}

	var computedChallenge string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		// The method was accepted when the code was issued; the setting may
		// have changed since
		if !allowPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
		computedChallenge = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// validateScopes resolves the requested scope string against the client's
// allowed scopes and the server-wide supported scopes. When nothing is
// requested, defaults is returned (and checked like a request).
func validateScopes(requested string, allowed, supported, defaults []string) ([]string, error) {
	if len(requested) > MaxScopeLength {
		return nil, fmt.Errorf("scope parameter exceeds %d characters", MaxScopeLength)
	}

	scopes := util.ParseScope(requested)
	if len(scopes) == 0 {
		scopes = slices.Clone(defaults)
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("scope is required")
	}

	// Don't reveal which scope is unauthorized
	if !util.ContainsAll(allowed, scopes) {
		return nil, fmt.Errorf("client is not authorized for one or more requested scopes")
	}
	if len(supported) > 0 && !util.ContainsAll(supported, scopes) {
		return nil, fmt.Errorf("one or more requested scopes are not supported")
	}
	return scopes, nil
}
