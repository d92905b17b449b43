package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	provisor "github.com/tenantkit/provisor"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type config struct {
	Backend string `env:"BACKEND" envDefault:"sqlite"` // sqlite | postgres | redis

	SQLitePath  string `env:"SQLITE_PATH" envDefault:"provisor.db"`
	DatabaseURL string `env:"DATABASE_URL"` // required when BACKEND=postgres
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"provisor:"`

	Workers      int           `env:"WORKERS" envDefault:"4"`
	LeaseTTL     time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := &provisor.BasicMetrics{}
	opts := provisor.Options{
		Activities:   simulatedActivities(logger),
		Observer:     provisor.NewCompositeObserver(provisor.NewLoggingObserver(logger), metrics),
		Logger:       logger,
		LeaseTTL:     cfg.LeaseTTL,
		PollInterval: cfg.PollInterval,
	}

	bundle, cleanup, err := buildBundle(cfg, opts)
	if err != nil {
		logger.Fatal("init backend", zap.String("backend", cfg.Backend), zap.Error(err))
	}
	defer cleanup()

	recovered, err := bundle.Engine.RecoverStuckInstances(ctx)
	if err != nil {
		logger.Fatal("recover stuck instances", zap.Error(err))
	}
	logger.Info("provisord starting",
		zap.String("backend", cfg.Backend),
		zap.Int("workers", cfg.Workers),
		zap.Int("recovered_instances", recovered),
	)

	stopWorkers := bundle.StartWorkers(ctx, cfg.Workers)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	done := make(chan struct{})
	go func() {
		stopWorkers()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded, exiting")
	}

	snap := metrics.Snapshot()
	logger.Info("provisord stopped",
		zap.Int64("workflows_started", snap.WorkflowsStarted),
		zap.Int64("workflows_completed", snap.WorkflowsCompleted),
		zap.Int64("workflows_compensated", snap.WorkflowsCompensated),
		zap.Int64("workflows_failed", snap.WorkflowsFailed),
	)
}

func buildBundle(cfg config, opts provisor.Options) (*provisor.Bundle, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		db, err := sql.Open("sqlite", "file:"+cfg.SQLitePath+"?_journal=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, nil, err
		}
		bundle, err := provisor.NewSQLiteBundle(db, opts)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return bundle, func() { db.Close() }, nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		bundle, err := provisor.NewPostgresBundle(db, opts)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return bundle, func() { db.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		bundle, err := provisor.NewRedisBundle(client, cfg.RedisPrefix, opts)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return bundle, func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want sqlite, postgres or redis)", cfg.Backend)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
