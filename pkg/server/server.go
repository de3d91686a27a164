// Package server provides the public entry point for initializing the
// Catalyst gateway.
//
// This package exists in pkg/ (not internal/) so that embedding callers can
// compose the full gateway with their own overrides, most usefully a custom
// policy engine behind the contracts.PolicyEngine port.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	go srv.Worker.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/catalyst-iam/catalyst/internal/api"
	"github.com/catalyst-iam/catalyst/internal/api/handlers"
	"github.com/catalyst-iam/catalyst/internal/audit"
	"github.com/catalyst-iam/catalyst/internal/cache"
	"github.com/catalyst-iam/catalyst/internal/config"
	"github.com/catalyst-iam/catalyst/internal/forwardauth"
	"github.com/catalyst-iam/catalyst/internal/identity"
	"github.com/catalyst-iam/catalyst/internal/idp"
	"github.com/catalyst-iam/catalyst/internal/policy"
	"github.com/catalyst-iam/catalyst/internal/store"
	"github.com/catalyst-iam/catalyst/internal/telemetry"
	"github.com/catalyst-iam/catalyst/internal/webhooks"
	"github.com/catalyst-iam/catalyst/pkg/catalyst"
	"github.com/catalyst-iam/catalyst/pkg/contracts"
)

// Config is the public configuration for the gateway server.
type Config struct {
	Port         int
	Version      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string

	// Policy overrides the built-in expression engine when set. The default
	// engine allows everything, which suits development and embedding callers
	// that enforce policy elsewhere.
	Policy contracts.PolicyEngine
}

// Server holds the initialized Catalyst gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory unless DATABASE_URL is set).
	Store store.Store

	// Cache is the decision cache behind the forward-auth pipeline.
	Cache contracts.DecisionCache

	// Worker drains the webhook delivery queue. Callers start it themselves
	// so tests and embedders control its lifecycle.
	Worker *webhooks.Worker

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all gateway components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	decisionCache := newCache(cfg)

	idpClient := idp.NewClient(cfg.IdP)
	composer := identity.NewComposer(dataStore)
	provider := identity.NewProvider(idpClient, composer)

	engine := pubCfg.Policy
	if engine == nil {
		allowAll, err := policy.NewEngine(policy.AllowAll())
		if err != nil {
			return nil, fmt.Errorf("init policy engine: %w", err)
		}
		engine = allowAll
		log.Info().Msg("Policy engine: allow-all (no rules configured)")
	}

	emitter := audit.NewEmitter(dataStore)
	authSvc := forwardauth.NewService(provider, engine, cfg.ForwardAuth, forwardauth.Options{
		Cache:    decisionCache,
		Keys:     dataStore,
		Sessions: dataStore,
		Audit:    emitter,
	})

	client := catalyst.NewClient(dataStore)
	worker := webhooks.NewWorker(dataStore, webhooks.NewSender(cfg.Webhooks.RequestTimeout), cfg.Webhooks)

	h := handlers.New(authSvc, client, dataStore, decisionCache, cfg.Version)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Cache:        decisionCache,
		Worker:       worker,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// newStore selects PostgreSQL when a database URL is configured, otherwise
// the zero-config in-memory store.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("In-memory store initialized")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("PostgreSQL store initialized")
	return pg, nil
}

// newCache selects Redis when an address is configured, otherwise the
// in-process LRU.
func newCache(cfg *config.Config) contracts.DecisionCache {
	if cfg.Cache.RedisAddr == "" {
		log.Info().Int("entries", cfg.Cache.MemoryEntries).Msg("In-memory decision cache initialized")
		return cache.NewMemoryCache(cfg.Cache.MemoryEntries)
	}
	log.Info().Str("addr", cfg.Cache.RedisAddr).Msg("Redis decision cache initialized")
	return cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
}
