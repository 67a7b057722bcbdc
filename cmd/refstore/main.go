package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/refstore/internal/callback"
	"github.com/devrev/pairdb/refstore/internal/config"
	"github.com/devrev/pairdb/refstore/internal/health"
	"github.com/devrev/pairdb/refstore/internal/metrics"
	"github.com/devrev/pairdb/refstore/internal/model"
	"github.com/devrev/pairdb/refstore/internal/server"
	"github.com/devrev/pairdb/refstore/internal/service"
	"github.com/devrev/pairdb/refstore/internal/store"
	"github.com/devrev/pairdb/refstore/internal/util/workerpool"
	"github.com/devrev/pairdb/refstore/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// pendingSendsWarning marks the node degraded when this many sends wait on the backing store
const pendingSendsWarning = 1000

func main() {
	// Initialize logger
	logger, level, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		logger.Warn("Unknown log level, keeping info", zap.String("level", cfg.Logging.Level))
	}
	if cfg.Logging.Format == "console" {
		consoleConfig := zap.NewDevelopmentConfig()
		consoleConfig.Level = level
		if console, err := consoleConfig.Build(); err == nil {
			logger = console
			defer logger.Sync()
		}
	}

	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))
	logger.Info("Configuration loaded",
		zap.String("kind", cfg.Store.Kind),
		zap.String("backing", cfg.Backing.Type),
		zap.Bool("async_writes", cfg.Backing.AsyncWrites),
		zap.Int("port", cfg.Server.Port))

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, registry)

	// Backing store
	entities, err := openEntityStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open backing store", zap.Error(err))
	}

	var pool *workerpool.WorkerPool
	if cfg.Backing.AsyncWrites {
		pool = workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "backing-writes",
			MaxWorkers: cfg.WorkerPool.MaxWorkers,
			QueueSize:  cfg.WorkerPool.QueueSize,
			Logger:     logger,
		})
		m.WatchWorkerPool(pool)
	}

	cache := store.NewEntityCache(&store.CacheConfig{
		MaxSize:         cfg.Cache.MaxSize,
		FrequencyWeight: cfg.Cache.FrequencyWeight,
		RecencyWeight:   cfg.Cache.RecencyWeight,
	}, logger)

	backing := store.NewBackingStore(entities, &store.BackingStoreConfig{
		StorageKey: model.StorageKey(cfg.Store.BackingKey),
		Pool:       pool,
		Cache:      cache,
		Metrics:    m,
		Logger:     logger,
	})

	// Reference-mode store
	container := service.NewContainerStore(cfg.ContainerKind(), model.StorageKey(cfg.Store.ContainerKey), m, logger)

	var tokens callback.TokenGenerator
	if cfg.Store.Tokens == config.TokensMonotonic {
		tokens = callback.MonotonicTokens()
	}
	refStore := service.NewReferenceModeStore(container, backing, &service.Config{
		SyncTimeout:            cfg.Store.SyncTimeout,
		ModelUpdateConcurrency: cfg.Store.ModelUpdateConcurrency,
		Tokens:                 tokens,
		Validator:              validation.NewValidator(),
		Metrics:                m,
		Logger:                 logger,
	})

	// Health
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:  cfg.Server.NodeID,
		Service: "refstore",
	}, logger,
		health.PingCheck("backing_store", backing.Ping),
		health.ThresholdCheck("pending_sends", refStore.PendingSends, pendingSendsWarning, 0),
	)
	go checker.Start(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, registry, checker, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	// Create gRPC server
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, checker.GRPCServer())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	logger.Info("Reference-mode store starting",
		zap.String("address", addr),
		zap.String("storage_key", refStore.StorageKey().String()))

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		checker.Drain()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := refStore.Close(shutdownCtx); err != nil {
			logger.Error("Failed to drain reference-mode store", zap.Error(err))
		}
		if err := backing.Close(shutdownCtx); err != nil {
			logger.Error("Failed to close backing store", zap.Error(err))
		}
		if pool != nil {
			if err := pool.Stop(shutdownCtx); err != nil {
				logger.Error("Failed to stop write pool", zap.Error(err))
			}
		}
		if metricsServer != nil {
			if err := metricsServer.Stop(shutdownCtx); err != nil {
				logger.Error("Failed to stop metrics server", zap.Error(err))
			}
		}

		cancel()
		grpcServer.GracefulStop()
	}()

	// Start server
	if err := grpcServer.Serve(listener); err != nil {
		logger.Fatal("Failed to serve", zap.Error(err))
	}
}

// openEntityStore connects the configured durable entity store
func openEntityStore(cfg *config.Config, logger *zap.Logger) (store.EntityStore, error) {
	switch cfg.Backing.Type {
	case config.BackingRedis:
		redisStore, err := store.NewRedisStore(store.RedisOptions{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
			PoolSize:  cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			return nil, err
		}
		return redisStore, nil
	case config.BackingPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		pgStore, err := store.ConnectPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConnections)
		if err != nil {
			return nil, err
		}
		return pgStore, nil
	default:
		return store.NewMemoryStore(logger), nil
	}
}

// initLogger initializes the zap logger; the returned level can be changed after config load
func initLogger() (*zap.Logger, zap.AtomicLevel, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, err := config.Build()
	return logger, config.Level, err
}
