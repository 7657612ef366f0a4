package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/amakom/BlueprintAI-sub001/internal/authz"
	"github.com/amakom/BlueprintAI-sub001/internal/metrics"
	"github.com/amakom/BlueprintAI-sub001/internal/server"
	"github.com/amakom/BlueprintAI-sub001/pkg/config"
	"github.com/amakom/BlueprintAI-sub001/pkg/logging"
)

func main() {
	bootLogger := logging.New("dev", logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(cfg.Env, logging.LevelDebug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	oracle, cleanup, err := buildOracle(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize membership oracle", slog.Any("error", err))
		os.Exit(1)
	}
	defer cleanup()

	m := metrics.New(prometheus.NewRegistry())

	app := server.NewApp(logger, ctx, cfg, oracle, m)
	if err := app.Run(); err != nil {
		logger.Error("application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("application shut down successfully")
}

// buildOracle wires the configured membership backend, optionally behind
// the Redis verdict cache.
func buildOracle(ctx context.Context, cfg *config.Config, logger *slog.Logger) (authz.Oracle, func(), error) {
	cleanup := func() {}

	var oracle authz.Oracle
	switch cfg.Authz.Mode {
	case "static":
		// Local development: deny everything until seeded. Joins fail
		// closed rather than silently allowing access.
		logger.Warn("using static membership oracle; all joins will be denied")
		oracle = authz.NewStaticOracle()
	default:
		pg, err := authz.NewPostgresOracle(ctx, cfg.Authz.PostgresURL, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup = pg.Close
		oracle = pg
	}

	if cfg.Authz.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Authz.RedisAddr,
			DB:   cfg.Authz.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			cleanup()
			return nil, nil, err
		}
		inner := cleanup
		cleanup = func() {
			_ = rdb.Close()
			inner()
		}
		oracle = authz.NewCachedOracle(oracle, rdb, cfg.Authz.CacheTTL, logger)
	}

	return oracle, cleanup, nil
}
