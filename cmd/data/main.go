package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"marketprices/internal/infrastructure/cache"
	"marketprices/internal/infrastructure/filestore"
	"marketprices/internal/infrastructure/marketdata"
)

// dataConfig drives the archive backfill: every quote file under DATA_DIR is
// replayed into the Postgres archive. Quotes already archived are skipped.
type dataConfig struct {
	DataDir     string `env:"DATA_DIR" envDefault:"data/prices"`
	DatabaseDSN string `env:"DATABASE_DSN"`
	BatchSize   int    `env:"BACKFILL_BATCH_SIZE" envDefault:"500"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	repo, err := marketdata.NewRepository(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}

	store := filestore.New(cfg.DataDir, cache.New(),
		filestore.WithFs(afero.NewReadOnlyFs(afero.NewOsFs())),
		filestore.WithLogger(logger),
	)

	b := &backfill{
		store:     store,
		sink:      repo.UpsertQuotes,
		batchSize: cfg.BatchSize,
		logger:    logger.WithField("component", "backfill"),
	}
	stats, err := b.run(ctx)
	if err != nil {
		logger.WithError(err).WithFields(stats.fields()).Fatal("archive backfill failed")
	}
	logger.WithFields(stats.fields()).Info("archive backfill finished")
}

func loadConfig() (*dataConfig, error) {
	_ = godotenv.Load()

	cfg := &dataConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return nil, errors.New("DATABASE_DSN is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("BACKFILL_BATCH_SIZE must be positive")
	}
	return cfg, nil
}
