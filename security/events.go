package security

// Event type constants for security audit logging.
const (
	// EventTokenIssued is logged when a token response is produced by any grant
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked at the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged on bulk revocation (logout, reuse detection)
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event name, not a credential

	// EventAuthorizationCodeIssued is logged when the authorization endpoint mints a code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a redeemed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name

	// EventAuthFailure is logged when client or resource owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventIssuanceRollback is logged when a redeemed code is revoked because issuance failed
	EventIssuanceRollback = "issuance_rollback"

	// EventLogout is logged when the end-session endpoint completes
	EventLogout = "logout"
)
