// Package container builds the service object graph from configuration.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"foundry-backend/chain"
	"foundry-backend/config"
	"foundry-backend/core/settlement"
	"foundry-backend/core/treasury"
	"foundry-backend/handlers"
	"foundry-backend/mcp"
	"foundry-backend/middleware"
	"foundry-backend/observability"
	"foundry-backend/storage/archive"
	"foundry-backend/storage/auth"
	"foundry-backend/storage/ledger"
)

// keyStore is what the container needs from either key store.
type keyStore interface {
	auth.Validator
	Issue(ctx context.Context, role auth.Role) (string, auth.Key, error)
	Revoke(ctx context.Context, id string) error
}

// Container holds all application dependencies
type Container struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Services
	Store        settlement.Store
	Keys         keyStore
	Allocator    *treasury.Allocator
	Ledger       *chain.MemoryLedger
	Payer        *chain.ResilientPayer
	Orchestrator *settlement.Orchestrator
	Archive      *archive.Archive
	MCP          *mcp.MCPServer

	// Handlers
	SettlementHandler *handlers.SettlementHandler
	QRCodeHandler     *handlers.QRCodeHandler
	EventsHandler     *handlers.EventsHandler
	HealthHandler     *handlers.HealthHandler

	closers []func()
	wg      sync.WaitGroup
}

// NewContainer creates a new dependency container
func NewContainer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}

	var pinger handlers.Pinger
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pg, err := ledger.NewPGStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, pg.Close)
		keys, err := auth.NewPGKeyStore(ctx, pg.Pool())
		if err != nil {
			c.Close()
			return nil, err
		}
		if cfg.ScorerKey != "" {
			if err := keys.Seed(ctx, cfg.ScorerKey, auth.RoleScorer, "env"); err != nil {
				c.Close()
				return nil, err
			}
		}
		c.Store, c.Keys, pinger = pg, keys, pg
	default:
		keys := auth.NewMemoryKeyStore()
		if cfg.ScorerKey != "" {
			keys.Seed(cfg.ScorerKey, auth.RoleScorer, "env")
		}
		c.Store, c.Keys = ledger.NewMemoryStore(), keys
	}
	if cfg.ScorerKey == "" {
		logger.Warn("no scorer key configured, trust updates need a key issued in the key store")
	}

	prior, err := c.Store.LoadTreasury(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("load treasury: %w", err)
	}
	c.Allocator = treasury.New(cfg.Treasury, prior, c.Store, logger)
	if prior != nil {
		logger.Info("treasury resumed", "balance", prior.Balance, "minted", prior.Minted, "minting_enabled", prior.MintingEnabled)
	}

	c.Ledger = chain.NewMemoryLedger(cfg.PoolAccount, cfg.Treasury.GenesisAllocation)
	c.Payer = chain.NewResilientPayer(c.Ledger, cfg.Chain, logger)

	bus := settlement.NewBus(200)
	bus.OnDrop(func(sub string, ev settlement.Event) {
		logger.Warn("event dropped by slow subscriber", "subscriber", sub, "type", ev.Type, "job_hash", ev.JobHash)
		c.Metrics.ObserveEventDropped(sub)
	})
	c.Orchestrator = settlement.New(c.Store, c.Payer, c.Allocator, cfg.Settlement,
		settlement.WithLogger(logger),
		settlement.WithObserver(c.Metrics),
		settlement.WithBus(bus),
	)
	c.Metrics.ObserveTreasury(c.Allocator.Snapshot())

	if cfg.Archive.Endpoint != "" {
		c.Archive, err = archive.NewMinio(ctx, archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
		}, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	c.MCP = mcp.NewMCPServer(c.Orchestrator, logger)

	c.SettlementHandler = handlers.NewSettlementHandler(c.Orchestrator, logger)
	c.QRCodeHandler = handlers.NewQRCodeHandler(c.Orchestrator, logger)
	c.EventsHandler = handlers.NewEventsHandler(c.Orchestrator.Bus(), logger)
	c.HealthHandler = handlers.NewHealthHandler(pinger, c.Allocator, logger)
	return c, nil
}

// ScorerOnly guards scorer endpoints.
func (c *Container) ScorerOnly() func(http.Handler) http.Handler {
	return middleware.RequireRole(c.Keys, settlement.ErrUnauthorizedScorer.Code, auth.RoleScorer)
}

// Start launches the background workers. They stop when ctx ends.
func (c *Container) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Allocator.Run(ctx)
	}()
	if c.Archive != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.Archive.Run(ctx, c.Orchestrator.Bus())
		}()
	}
}

// Wait blocks until the workers started by Start return.
func (c *Container) Wait() { c.wg.Wait() }

// Close releases storage connections.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
