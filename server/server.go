package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-provider/codec"
	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
)

// Server implements the endpoint orchestrators of the provider.
// It composes the grant validator, the token issuer, the codec and the two
// registries; it holds no mutable protocol state of its own.
type Server struct {
	config   Config
	clients  storage.ApplicationStore
	tokens   storage.TokenStore
	keys     codec.KeyProvider
	resolver identity.Resolver

	validator *Validator
	issuer    *Issuer
	verifier  *codec.IDTokenVerifier

	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics

	now func() time.Time
}

// New creates a new protocol server. resolver may be nil, which disables
// the password grant. cfg goes through NewConfig; the server keeps its own
// copy.
func New(
	clients storage.ApplicationStore,
	tokens storage.TokenStore,
	keys codec.KeyProvider,
	resolver identity.Resolver,
	cfg Config,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config, err := NewConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	// No-op until SetInstrumentation is called
	inst, err := instrumentation.New(instrumentation.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	srv := &Server{
		config:   config,
		clients:  clients,
		tokens:   tokens,
		keys:     keys,
		resolver: resolver,
		verifier: codec.NewIDTokenVerifier(config.Issuer, keys, config.ClockSkewGracePeriod),
		Logger:   logger,
		now:      time.Now,
	}
	srv.validator = &Validator{
		config:   &srv.config,
		clients:  clients,
		tokens:   tokens,
		resolver: resolver,
		logger:   logger,
		now:      srv.clock,
	}
	srv.issuer = &Issuer{
		config: &srv.config,
		tokens: tokens,
		signer: codec.NewIDTokenSigner(keys),
		logger: logger,
		now:    srv.clock,
	}
	srv.SetInstrumentation(inst)

	return srv, nil
}

// Config returns a copy of the server configuration
func (s *Server) Config() Config {
	return s.config.clone()
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation sets OpenTelemetry instrumentation for the orchestrators.
// Call it before serving requests.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.instrumentation = inst
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
	s.validator.metrics = s.metrics
	s.issuer.metrics = s.metrics
}

// Instrumentation returns the instrumentation in use
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

func (s *Server) clock() time.Time {
	return s.now()
}

// startSpan opens a span for an orchestrator. clientIP is recorded only when
// the instrumentation allows client IPs. The returned function ends the span,
// recording err and the protocol error code if any.
func (s *Server) startSpan(ctx context.Context, name, clientIP string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if clientIP != "" && s.instrumentation.ShouldLogClientIPs() {
		attrs = append(attrs, attribute.String(instrumentation.AttrClientIP, clientIP))
	}
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, AsError(err).Code))
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}
}

// logServerError logs the cause of a server_error. Protocol errors are
// expected and only logged at debug level by the validator.
func (s *Server) logServerError(ctx context.Context, operation string, err error) {
	if err == nil || !IsServerError(err) {
		return
	}
	s.Logger.ErrorContext(ctx, "Request failed with server error",
		"operation", operation,
		"request_id", security.GetRequestID(ctx),
		"error", err)
}

// allowSecurityLog applies the security event rate limiter to key
func (s *Server) allowSecurityLog(key string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(key)
}
