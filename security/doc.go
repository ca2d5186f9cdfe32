// Package security holds the cross-cutting protections used by the provider:
// AES-256-GCM encryption of token claims at rest, a per-identifier rate
// limiter with LRU eviction, security audit events with hashed subjects,
// response hardening headers, client IP extraction, request IDs and the
// expiry check shared by every token registry.
//
// # Rate Limiting
//
// RateLimiter tracks one token bucket per identifier (client IP on the token
// endpoint). The number of tracked identifiers is bounded; when the bound is
// reached the least recently used bucket is dropped.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // reject with 429
//	}
//
// # Audit
//
// Auditor writes one structured "security_audit" record per event. Subjects
// are hashed; client identifiers are logged as-is since they are not secret.
package security
