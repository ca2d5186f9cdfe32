package security

import "time"

// DefaultClockSkewGracePeriod is how long past expires-at a token is still
// accepted, to absorb clock drift between nodes sharing a registry.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks expiry with the default grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredAt(expiresAt, time.Now(), DefaultClockSkewGracePeriod)
}

// IsTokenExpiredAt reports whether expiresAt (plus grace) is before now.
// A zero expiresAt never expires.
func IsTokenExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
