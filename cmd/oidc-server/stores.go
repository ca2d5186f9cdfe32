package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/security"
	"github.com/giantswarm/oidc-provider/storage"
	"github.com/giantswarm/oidc-provider/storage/bolt"
	"github.com/giantswarm/oidc-provider/storage/memory"
	"github.com/giantswarm/oidc-provider/storage/sqlite"
	"github.com/giantswarm/oidc-provider/storage/valkey"
)

// clientStore is what the binary needs from the application registry
type clientStore interface {
	storage.ApplicationStore
	storage.ClientRegistrar
}

// tokenBackend is a token store that can also hold clients
type tokenBackend interface {
	clientStore
	storage.TokenStore
	SetEncryptor(enc *security.Encryptor)
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// stores holds the opened registries and how to close them
type stores struct {
	clients clientStore
	tokens  storage.TokenStore
	closers []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(cfg *Config, enc *security.Encryptor, inst *instrumentation.Instrumentation, logger *slog.Logger) (*stores, error) {
	s := &stores{}

	backend, err := openTokenBackend(cfg, logger, s)
	if err != nil {
		return nil, err
	}
	backend.SetEncryptor(enc)
	backend.SetInstrumentation(inst)
	s.tokens = backend
	s.clients = backend

	if cfg.SQLitePath != "" {
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening client registry: %w", err)
		}
		s.closers = append(s.closers, func() { _ = db.Close() })
		if err := db.SetInstrumentation(inst); err != nil {
			logger.Warn("Failed to register client registry metrics", "error", err)
		}
		s.clients = db
		logger.Info("Opened sqlite client registry", "path", cfg.SQLitePath)
	}

	return s, nil
}

func openTokenBackend(cfg *Config, logger *slog.Logger, s *stores) (tokenBackend, error) {
	switch cfg.Store {
	case storeValkey:
		vcfg := valkey.Config{
			Address:   cfg.ValkeyAddr,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyPrefix,
			Logger:    logger,
			Retention: cfg.Retention,
		}
		if cfg.ValkeyTLS {
			vcfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(vcfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		return store, nil

	case storeBolt:
		store, err := bolt.Open(cfg.BoltPath, logger)
		if err != nil {
			return nil, err
		}
		store.SetRetention(cfg.Retention)
		store.StartCleanup(cfg.CleanupInterval)
		s.closers = append(s.closers, func() { _ = store.Close() })
		return store, nil

	default:
		store := memory.NewWithInterval(cfg.CleanupInterval)
		store.SetLogger(logger)
		store.SetRetention(cfg.Retention)
		s.closers = append(s.closers, store.Stop)
		logger.Warn("Using in-memory token store; tokens are lost on restart")
		return store, nil
	}
}
