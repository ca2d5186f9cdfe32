package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the provider
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Protocol flows
	TokensIssued    metric.Int64Counter
	GrantFailures   metric.Int64Counter
	TokenRevoked    metric.Int64Counter
	Introspections  metric.Int64Counter
	LogoutCompleted metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	RefreshReuseDetected metric.Int64Counter
	IssuanceRollbacks    metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageTokensCount       metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge
}

type counterDef struct {
	dst         *metric.Int64Counter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oidc.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oidc.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"oidc.storage.tokens",
		metric.WithDescription("Number of token records held by the registry"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens gauge: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"oidc.storage.clients",
		metric.WithDescription("Number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients gauge: %w", err)
	}

	counters := []struct {
		meter metric.Meter
		def   counterDef
	}{
		{httpMeter, counterDef{&m.HTTPRequestsTotal, "oidc.http.requests", "Total number of HTTP requests", "{request}"}},
		{serverMeter, counterDef{&m.TokensIssued, "oidc.tokens.issued", "Number of tokens issued", "{token}"}},
		{serverMeter, counterDef{&m.GrantFailures, "oidc.grant.failures", "Number of rejected grant requests", "{request}"}},
		{serverMeter, counterDef{&m.TokenRevoked, "oidc.token.revoked", "Number of tokens revoked", "{revocation}"}},
		{serverMeter, counterDef{&m.Introspections, "oidc.token.introspections", "Number of introspection requests", "{request}"}},
		{serverMeter, counterDef{&m.LogoutCompleted, "oidc.logout.completed", "Number of completed logouts", "{logout}"}},
		{securityMeter, counterDef{&m.RateLimitExceeded, "oidc.rate_limit.exceeded", "Number of rate limit violations", "{violation}"}},
		{securityMeter, counterDef{&m.PKCEValidationFailed, "oidc.pkce.validation_failed", "Number of PKCE verifier mismatches", "{failure}"}},
		{securityMeter, counterDef{&m.CodeReuseDetected, "oidc.code.reuse_detected", "Number of authorization code replays", "{attempt}"}},
		{securityMeter, counterDef{&m.RefreshReuseDetected, "oidc.refresh_token.reuse_detected", "Number of refresh token replays", "{attempt}"}},
		{securityMeter, counterDef{&m.IssuanceRollbacks, "oidc.issuance.rollbacks", "Number of redeemed codes revoked after issuance failed", "{rollback}"}},
		{storageMeter, counterDef{&m.StorageOperationTotal, "oidc.storage.operations", "Total number of storage operations", "{operation}"}},
	}
	for _, c := range counters {
		*c.def.dst, err = c.meter.Int64Counter(
			c.def.name,
			metric.WithDescription(c.def.description),
			metric.WithUnit(c.def.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.def.name, err)
		}
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its duration
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordTokenIssued records a minted token of the given kind
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, kind string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("kind", kind),
	))
}

// RecordGrantFailure records a rejected request by protocol error code
func (m *Metrics) RecordGrantFailure(ctx context.Context, grantType, errorCode string) {
	m.GrantFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", errorCode),
	))
}

// RecordTokenRevoked records a revocation
func (m *Metrics) RecordTokenRevoked(ctx context.Context, kind string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordIntrospection records an introspection outcome
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	m.Introspections.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("active", active),
	))
}

// RecordLogout records a completed logout
func (m *Metrics) RecordLogout(ctx context.Context, revoked int) {
	m.LogoutCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("tokens_revoked", revoked > 0),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context) {
	m.RefreshReuseDetected.Add(ctx, 1)
}

// RecordIssuanceRollback records a redeemed code revoked after failed issuance
func (m *Metrics) RecordIssuanceRollback(ctx context.Context, grantType string) {
	m.IssuanceRollbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}
