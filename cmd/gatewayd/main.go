package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mheaton/tollgate/internal/app"
	"github.com/mheaton/tollgate/internal/config"
	"github.com/mheaton/tollgate/internal/database"
	"github.com/mheaton/tollgate/internal/httpserver"
	"github.com/mheaton/tollgate/internal/observability"
	"github.com/mheaton/tollgate/internal/redisclient"
)

func main() {
	configFile := flag.String("config", "", "path to config file")
	envFile := flag.String("env", "", "path to .env file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	dbPool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer dbPool.Close()

	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		// The gateway degrades open without Redis: requests flow unmetered
		// by windows while the ledger still enforces credit.
		slog.Warn("redis unavailable, rate limiting disabled", "error", err)
		_ = redisClient.Close()
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	metrics, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("setup observability: %v", err)
	}
	if metrics != nil {
		defer metrics.Shutdown(context.Background())
	}

	container, err := app.NewContainer(ctx, cfg, dbPool, redisClient, metrics)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}

	container.Health.Start(ctx)

	server, err := httpserver.New(container)
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	slog.Info("gateway listening", "addr", cfg.Server.ListenAddr)
	if err := server.Listen(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server stopped: %v", err)
	}
}
