package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	appmarketdata "marketprices/internal/application/service/marketdata"
	"marketprices/internal/config"
	"marketprices/internal/domain/interfaces"
	"marketprices/internal/infrastructure/broker"
	"marketprices/internal/infrastructure/cache"
	"marketprices/internal/infrastructure/filestore"
	inframarketdata "marketprices/internal/infrastructure/marketdata"
	"marketprices/internal/infrastructure/remote"
	infrahttp "marketprices/internal/interfaces/http"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	store := filestore.New(cfg.Storage.DataDir, cache.New(), filestore.WithLogger(logger))
	opts := []appmarketdata.Option{
		appmarketdata.WithLogger(logger),
		appmarketdata.WithOffline(cfg.Remote.Offline),
		appmarketdata.WithMemo(appmarketdata.NewNegativeResultMemo(cfg.Pricing.MissingCooldown, nil)),
	}

	var archiveReader interfaces.QuoteArchiveReader
	var archiveWriter *broker.ArchiveWriter
	if cfg.Postgres.DSN != "" {
		repo, err := inframarketdata.NewRepository(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Fatalf("failed to init quote archive: %v", err)
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Fatalf("failed to prepare quote archive: %v", err)
		}
		archiveWriter = broker.NewArchiveWriter(broker.BatchConfig{
			Size:    cfg.RabbitMQ.BatchSize,
			Timeout: cfg.RabbitMQ.BatchTimeout,
		}, repo, logger)
		archiveWriter.Run(context.WithoutCancel(ctx))
		archiveReader = repo
		opts = append(opts, appmarketdata.WithArchive(archiveWriter))
	}

	var rabbitConn *amqp.Connection
	if cfg.RabbitMQ.URL != "" {
		rabbitConn, err = amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			logger.Fatalf("connect rabbitmq: %v", err)
		}
		defer rabbitConn.Close()

		pub, err := broker.NewPublisher(rabbitConn, cfg.RabbitMQ.ChangesExchange, logger)
		if err != nil {
			logger.Fatalf("init publisher: %v", err)
		}
		defer pub.Close()
		opts = append(opts, appmarketdata.WithListener(pub))
	}

	var responses *infrahttp.ResponseCache
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()

		cacheTTL := time.Duration(cfg.Cache.TTLSeconds) * time.Second
		responses = infrahttp.NewResponseCache(redisClient, cacheTTL, logger)
		opts = append(opts, appmarketdata.WithListener(responses))
	}

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout, logger)
	stale := appmarketdata.MaxAge{Window: cfg.Pricing.StaleAfter}
	service := appmarketdata.NewService(store, client, remote.NewParser(nil), stale, opts...)

	var consumer *broker.Consumer
	if cfg.RabbitMQ.URL != "" {
		consumer, err = broker.NewConsumer(cfg.RabbitMQ, service, logger)
		if err != nil {
			logger.Fatalf("init consumer: %v", err)
		}
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("start consumer: %v", err)
		}
	}

	handler := infrahttp.NewHandler(service, archiveReader, responses)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr(),
		Handler: handler,
	}

	go service.RunAutoFlush(ctx, cfg.Storage.FlushInterval)

	go func() {
		logger.Infof("HTTP server listening on %s", cfg.HTTP.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown error: %v", err)
	}
	if consumer != nil {
		if err := consumer.Close(shutdownCtx); err != nil {
			logger.Errorf("consumer shutdown error: %v", err)
		}
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("price store shutdown error: %v", err)
	}
	if archiveWriter != nil {
		if err := archiveWriter.Stop(shutdownCtx); err != nil {
			logger.Errorf("archive flush error: %v", err)
		}
	}
	logger.Info("server stopped")
}
