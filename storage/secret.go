package storage

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummySecretHash is compared when a client has no usable hash so the check
// costs the same whether or not the client is confidential.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashSecret returns the bcrypt hash stored for a confidential client
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret is the shared ValidateSecret implementation. It always runs a
// bcrypt comparison and returns false for public clients and empty secrets.
func CompareSecret(client *Client, presented string) bool {
	hash := dummySecretHash
	usable := client != nil && !client.IsPublic() && client.SecretHash != ""
	if usable {
		hash = client.SecretHash
	}

	match := bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil

	ok := subtle.ConstantTimeEq(boolToInt(usable), 1) &
		subtle.ConstantTimeEq(boolToInt(match), 1) &
		subtle.ConstantTimeEq(boolToInt(presented != ""), 1)
	return ok == 1
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
