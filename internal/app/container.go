package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mheaton/tollgate/internal/auth"
	"github.com/mheaton/tollgate/internal/cache"
	"github.com/mheaton/tollgate/internal/config"
	"github.com/mheaton/tollgate/internal/dispatcher"
	"github.com/mheaton/tollgate/internal/health"
	"github.com/mheaton/tollgate/internal/keyvault"
	"github.com/mheaton/tollgate/internal/ledger"
	"github.com/mheaton/tollgate/internal/limits"
	"github.com/mheaton/tollgate/internal/observability"
	"github.com/mheaton/tollgate/internal/providers"
	"github.com/mheaton/tollgate/internal/registry"
	"github.com/mheaton/tollgate/internal/store"
)

// Container aggregates runtime dependencies for handlers and commands.
type Container struct {
	Config      *config.Config
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Store       store.Store
	Vault       *keyvault.Vault
	Ledger      *ledger.Ledger
	Limiter     *limits.RateLimiter
	Registry    *registry.Registry
	Routes      map[string]providers.Route
	Dispatcher  *dispatcher.Dispatcher
	Issuer      *auth.Issuer
	Health      *health.Monitor
	Idempotency *cache.IdempotencyCache
	Metrics     *observability.Provider
	Logger      *slog.Logger
}

// NewContainer wires the gateway from configuration and live connections. A
// nil pool swaps in the in-memory store, which tests use.
func NewContainer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client, metrics *observability.Provider) (*Container, error) {
	logger := slog.Default()

	keyring, err := cfg.Vault.ParsedKeyring()
	if err != nil {
		return nil, err
	}
	vault, err := keyvault.New(keyvault.Options{
		Keyring:        keyring,
		CurrentVersion: cfg.Vault.CurrentVersion,
		HashSalt:       cfg.Vault.HashSalt,
	})
	if err != nil {
		return nil, err
	}
	if !vault.Enabled() {
		logger.Warn("keyvault keyring is empty, api keys stored in plaintext mode")
	}

	var st store.Store
	if pool != nil {
		st = store.NewPostgres(pool)
	} else {
		st = store.NewMemory()
	}

	reg, err := registry.New(catalogEntries(cfg))
	if err != nil {
		return nil, fmt.Errorf("build model catalog: %w", err)
	}

	routes, err := providers.NewFactory(cfg).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("build provider routes: %w", err)
	}

	led := ledger.New(st)
	limiter := limits.NewRateLimiter(redisClient)

	disp := dispatcher.New(dispatcher.Options{
		Registry:        reg,
		Routes:          routes,
		Ledger:          led,
		Limiter:         limiter,
		Credit:          cfg.Credit,
		ProviderTimeout: cfg.Server.ProviderTimeout,
		StreamTimeout:   cfg.Server.StreamMaxDuration,
		Logger:          logger,
		Metrics:         metrics,
	})

	return &Container{
		Config:      cfg,
		Pool:        pool,
		Redis:       redisClient,
		Store:       st,
		Vault:       vault,
		Ledger:      led,
		Limiter:     limiter,
		Registry:    reg,
		Routes:      routes,
		Dispatcher:  disp,
		Issuer:      auth.NewIssuer(st, vault),
		Health:      health.NewMonitor(routes, cfg.Health, logger),
		Idempotency: cache.NewIdempotencyCache(redisClient, 30*time.Minute),
		Metrics:     metrics,
		Logger:      logger,
	}, nil
}

// DefaultLimits is the plan-level limit configuration every key starts from.
func (c *Container) DefaultLimits() limits.Config {
	d := c.Config.DefaultLimits()
	return limits.Config{
		RequestsPerMinute: d.DefaultRequestsPerMinute,
		RequestsPerHour:   d.DefaultRequestsPerHour,
		RequestsPerDay:    d.DefaultRequestsPerDay,
		TokensPerMinute:   d.DefaultTokensPerMinute,
		TokensPerHour:     d.DefaultTokensPerHour,
		TokensPerDay:      d.DefaultTokensPerDay,
		ParallelRequests:  d.DefaultParallelRequests,
	}
}

// ReloadCatalog swaps the model catalog snapshot from fresh configuration.
func (c *Container) ReloadCatalog(cfg *config.Config) error {
	return c.Registry.Refresh(catalogEntries(cfg))
}

// CreateAccount provisions an account and, when configured, seeds it with the
// trial credit grant.
func (c *Container) CreateAccount(ctx context.Context, name, plan string) (store.Account, error) {
	account, err := c.Store.CreateAccount(ctx, store.Account{Name: name, Plan: plan, Active: true})
	if err != nil {
		return store.Account{}, err
	}
	if c.Config.Credit.TrialGrantUSD > 0 {
		grant := decimal.NewFromFloat(c.Config.Credit.TrialGrantUSD)
		if _, err := c.Ledger.Grant(ctx, account.ID, grant, ledger.KindTrial, "trial credit grant", ""); err != nil {
			return store.Account{}, fmt.Errorf("seed trial credit: %w", err)
		}
	}
	return c.Store.GetAccount(ctx, account.ID)
}

func catalogEntries(cfg *config.Config) []registry.Entry {
	entries := make([]registry.Entry, 0, len(cfg.Catalog))
	for _, e := range cfg.Catalog {
		entries = append(entries, registry.Entry{
			Alias:           e.Alias,
			Provider:        e.Provider,
			ProviderModel:   e.ProviderModel,
			Priority:        e.Priority,
			ContextWindow:   e.ContextWindow,
			MaxOutputTokens: e.MaxOutputTokens,
			Modalities:      e.Modalities,
			PriceInput:      decimal.NewFromFloat(e.PriceInput),
			PriceOutput:     decimal.NewFromFloat(e.PriceOutput),
			Enabled:         e.Enabled,
		})
	}
	return entries
}

// Close releases pooled connections. Safe on a partially built container.
func (c *Container) Close() {
	if c == nil {
		return
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
