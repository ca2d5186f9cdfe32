package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Values must be metadata only: never set a token,
// code or secret as an attribute value.
const (
	AttrClientID   = "oidc.client_id"
	AttrSubject    = "oidc.subject"
	AttrScope      = "oidc.scope"
	AttrGrantType  = "oidc.grant_type"
	AttrTokenKind  = "oidc.token.kind"  //nolint:gosec // G101: attribute name
	AttrCodeReuse  = "oidc.code.reuse"  // boolean
	AttrTokenReuse = "oidc.token.reuse" //nolint:gosec // G101: attribute name
	AttrRotated    = "oidc.token.rotated"
	AttrPKCEMethod = "oidc.pkce.method"
	AttrError      = "oidc.error"
	AttrActive     = "oidc.token.active"

	AttrStorageBackend   = "storage.backend"
	AttrStorageOperation = "storage.operation"

	AttrClientIP     = "security.client_ip"
	AttrHTTPEndpoint = "http.endpoint"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds the common grant attributes to a span, skipping empty values
func AddGrantAttributes(span trace.Span, grantType, clientID, scope string) {
	var attrs []attribute.KeyValue
	if grantType != "" {
		attrs = append(attrs, attribute.String(AttrGrantType, grantType))
	}
	if clientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrScope, scope))
	}
	SetSpanAttributes(span, attrs...)
}

// StorageTracer is embedded by registry implementations to get uniform spans
// and metrics around every operation. The zero value records nothing.
type StorageTracer struct {
	Backend string
	inst    *Instrumentation
	tracer  trace.Tracer
}

// NewStorageTracer returns a StorageTracer for backend. inst may be nil.
func NewStorageTracer(backend string, inst *Instrumentation) StorageTracer {
	st := StorageTracer{Backend: backend, inst: inst}
	if inst != nil {
		st.tracer = inst.Tracer("storage")
	}
	return st
}

// Start opens a span for operation. Call the returned function with the
// operation's final error, typically as
//
//	ctx, done := s.tracer.Start(ctx, "create")
//	defer func() { done(err) }()
func (st StorageTracer) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if st.tracer == nil {
		return ctx, func(error) {}
	}

	ctx, span := st.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(AttrStorageBackend, st.Backend),
			attribute.String(AttrStorageOperation, operation),
		))
	startTime := time.Now()

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			RecordError(span, err)
		} else {
			SetSpanSuccess(span)
		}
		span.End()
		st.inst.Metrics().RecordStorageOperation(ctx, st.Backend, operation, result,
			float64(time.Since(startTime).Microseconds())/1000)
	}
}
