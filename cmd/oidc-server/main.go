// Command oidc-server runs the OpenID Connect provider.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"

	oauth "github.com/giantswarm/oidc-provider"
	"github.com/giantswarm/oidc-provider/codec"
	"github.com/giantswarm/oidc-provider/identity/memory"
	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/internal/logging"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/server"
	"github.com/giantswarm/oidc-provider/storage"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before loading configuration.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashPassword prints the bcrypt hash of a secret read from stdin, for the
// secret_hash and password_hash fields of the bootstrap file.
func hashPassword() error {
	fmt.Fprint(os.Stderr, "Enter secret: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return errors.New("no input")
	}
	hash, err := storage.HashSecret(scanner.Text())
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func run() error {
	cfg, err := Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inst, err := newInstrumentation(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush telemetry", "error", err)
		}
	}()

	enc, err := security.NewEncryptor(cfg.encryptionKeyData)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if !enc.IsEnabled() {
		logger.Warn("ENCRYPTION_KEY not set; token claims are stored in plaintext")
	}

	st, err := openStores(cfg, enc, inst, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	users := memory.NewDirectory()
	if cfg.SessionHeader != "" {
		users.SetSessionHeader(cfg.SessionHeader)
		logger.Info("Reading signed-in user from proxy header", "header", cfg.SessionHeader)
	} else {
		logger.Info("SESSION_HEADER not set; authorization requests cannot sign users in")
	}

	if cfg.BootstrapFile != "" {
		seed, err := loadBootstrap(cfg.BootstrapFile)
		if err != nil {
			return err
		}
		if err := seed.apply(ctx, st.clients, users); err != nil {
			return fmt.Errorf("applying bootstrap file: %w", err)
		}
		logger.Info("Loaded bootstrap file",
			"path", cfg.BootstrapFile,
			"clients", len(seed.Clients),
			"users", len(seed.Users))
	}

	keys, err := newKeyProvider(cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(st.clients, st.tokens, keys, users, serverConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.SetInstrumentation(inst)
	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditEnabled))
	if cfg.SecurityEventRate > 0 {
		eventLimiter := security.NewRateLimiter(cfg.SecurityEventRate, cfg.SecurityEventRate*5, logger)
		defer eventLimiter.Stop()
		srv.SetSecurityEventRateLimiter(eventLimiter)
	}

	handler := oauth.NewHandler(srv, users, handlerConfig(cfg, logger))
	defer handler.Close()

	routes, err := handler.HTTPHandler()
	if err != nil {
		return fmt.Errorf("registering routes: %w", err)
	}

	servers := []*http.Server{{
		Addr:              cfg.ListenAddr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}}
	if cfg.MetricsEnabled && cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", inst.MetricsHandler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, hs := range servers {
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listening on %s: %w", hs.Addr, err)
			}
		}()
	}

	logger.Info("Starting OIDC provider",
		"version", Version,
		"issuer", cfg.Issuer,
		"listen", cfg.ListenAddr,
		"store", cfg.Store)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		logger.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, hs := range servers {
		if shutdownErr := hs.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("Graceful shutdown failed", "addr", hs.Addr, "error", shutdownErr)
		}
	}

	return err
}

func newInstrumentation(ctx context.Context, cfg *Config) (*instrumentation.Instrumentation, error) {
	instCfg := instrumentation.Config{
		ServiceName:    instrumentation.DefaultServiceName,
		ServiceVersion: Version,
		Enabled:        cfg.MetricsEnabled || cfg.OTLPEndpoint != "",
		LogClientIPs:   cfg.LogClientIPs,
	}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("creating span exporter: %w", err)
		}
		instCfg.SpanExporter = exporter
	}

	inst, err := instrumentation.New(instCfg)
	if err != nil {
		return nil, fmt.Errorf("creating instrumentation: %w", err)
	}
	return inst, nil
}

func newKeyProvider(cfg *Config, logger *slog.Logger) (codec.KeyProvider, error) {
	if cfg.SigningKeyFile == "" {
		logger.Warn("SIGNING_KEY_FILE not set; generating an in-memory signing key",
			"algorithm", cfg.SigningAlgorithm)
		return codec.NewGeneratingProvider(cfg.SigningAlgorithm, logger), nil
	}
	keys, err := codec.NewFileProvider(cfg.SigningKeyFile, cfg.FallbackKeyFiles...)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func serverConfig(cfg *Config) server.Config {
	return server.Config{
		Issuer:                      cfg.Issuer,
		AuthorizationCodeTTL:        cfg.AuthorizationCodeTTL,
		AccessTokenTTL:              cfg.AccessTokenTTL,
		IDTokenTTL:                  cfg.IDTokenTTL,
		RefreshTokenTTL:             cfg.RefreshTokenTTL,
		SlidingRefreshExpiration:    cfg.SlidingRefresh,
		AllowRefreshTokenRotation:   true,
		RequirePKCEForPublicClients: true,
		RevokeOnLogout:              cfg.RevokeOnLogout,
		SupportedScopes:             cfg.SupportedScopes,
		AllowInsecureHTTP:           cfg.AllowInsecureHTTP,
	}
}

func handlerConfig(cfg *Config, logger *slog.Logger) oauth.Config {
	return oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Rate:  cfg.RateLimitRate,
			Burst: cfg.RateLimitBurst,
		},
		CORS: oauth.CORSConfig{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowCredentials: cfg.CORSAllowCredentials,
		},
		TrustProxy:         cfg.TrustProxy,
		TrustedProxyCount:  cfg.TrustedProxyCount,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		Logger:             logger,
	}
}
