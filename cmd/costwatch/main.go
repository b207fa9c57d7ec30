// Package main is the entry point for the CostWatch cost analytics service.
// It initializes all components and starts the HTTP server, the usage
// processor and the anomaly detection session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"costwatch-go/internal/anomaly"
	"costwatch-go/internal/api"
	"costwatch-go/internal/banner"
	"costwatch-go/internal/cache"
	"costwatch-go/internal/config"
	"costwatch-go/internal/engine"
	enginememory "costwatch-go/internal/engine/memory"
	enginepostgres "costwatch-go/internal/engine/postgres"
	"costwatch-go/internal/ingest"
	"costwatch-go/internal/kv"
	badgerkv "costwatch-go/internal/kv/badger"
	memorykv "costwatch-go/internal/kv/memory"
	rediskv "costwatch-go/internal/kv/redis"
	"costwatch-go/internal/notification"
	"costwatch-go/internal/processor"
	"costwatch-go/internal/queue"
	kafkaqueue "costwatch-go/internal/queue/kafka"
	memoryqueue "costwatch-go/internal/queue/memory"
	"costwatch-go/internal/storage"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	banner.Print()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(&cfg.Logger)

	logger.Info("configuration loaded",
		"path", *configPath,
		"storage_mode", cfg.Storage.Mode,
	)

	// Initialize dependencies based on storage mode
	deps, cleanup, err := initDependencies(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start processor in background
	go func() {
		if err := deps.processor.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("processor error", "error", err)
			cancel()
		}
	}()

	// Start the anomaly detection session in background
	go func() {
		if err := deps.session.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("anomaly session error", "error", err)
		}
	}()

	// Start HTTP server
	go func() {
		if err := deps.server.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("CostWatch started",
		"address", cfg.Server.Address(),
		"storage_mode", cfg.Storage.Mode,
	)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := deps.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if err := deps.processor.Stop(); err != nil {
		logger.Error("processor shutdown error", "error", err)
	}

	logger.Info("CostWatch stopped")
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	server    *api.Server
	processor *processor.Service
	session   *anomaly.Session
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var (
		kvStore      kv.Store
		eng          engine.Engine
		sink         engine.Sink
		producer     queue.Producer
		consumer     queue.Consumer
		dataDir      string
		cleanupFuncs []func()
	)

	// Registered on the storage controller so a purge can release handles
	// before deleting files.
	type namedCloser struct {
		name  string
		close func() error
	}
	var closers []namedCloser

	if cfg.Storage.UseMemory() {
		// Initialize in-memory implementations
		logger.Info("initializing in-memory storage")

		memStore := memorykv.NewStore()
		kvStore = memStore
		cleanupFuncs = append(cleanupFuncs, func() { _ = memStore.Close() })

		memEngine := enginememory.NewEngine()
		eng = memEngine
		sink = memEngine

		memQueue := memoryqueue.NewQueue(10000)
		producer = memQueue
		consumer = memQueue
		cleanupFuncs = append(cleanupFuncs, func() { _ = memQueue.Close() })
	} else {
		// Initialize real storage implementations
		ctx := context.Background()

		switch cfg.Storage.KVBackend {
		case config.KVBackendRedis:
			logger.Info("initializing Redis KV store")
			redisStore, err := rediskv.NewStore(&cfg.Redis)
			if err != nil {
				return nil, nil, err
			}
			kvStore = redisStore
			cleanupFuncs = append(cleanupFuncs, func() { _ = redisStore.Close() })
		default:
			logger.Info("initializing embedded Badger KV store", "data_dir", cfg.Storage.DataDir)
			badgerStore, err := badgerkv.NewStore(badgerkv.Config{
				Path:       filepath.Join(cfg.Storage.DataDir, "kv"),
				SyncWrites: true,
				Logger:     logger,
			})
			if err != nil {
				return nil, nil, err
			}
			kvStore = badgerStore
			dataDir = cfg.Storage.DataDir
			cleanupFuncs = append(cleanupFuncs, func() { _ = badgerStore.Close() })
		}

		// Initialize PostgreSQL analytics engine
		pgEngine, err := enginepostgres.NewEngine(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := pgEngine.EnsureSchema(ctx); err != nil {
			pgEngine.Close()
			return nil, nil, err
		}
		logger.Info("database schema ensured")
		eng = pgEngine
		sink = pgEngine
		cleanupFuncs = append(cleanupFuncs, pgEngine.Close)
		closers = append(closers, namedCloser{name: "postgres", close: func() error {
			pgEngine.Close()
			return nil
		}})

		// Initialize Kafka
		kafkaProducer := kafkaqueue.NewProducer(&cfg.Kafka)
		producer = kafkaProducer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaProducer.Close() })
		closers = append(closers, namedCloser{name: "kafka_producer", close: kafkaProducer.Close})

		kafkaConsumer := kafkaqueue.NewConsumer(&cfg.Kafka, logger)
		consumer = kafkaConsumer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaConsumer.Close() })
		closers = append(closers, namedCloser{name: "kafka_consumer", close: kafkaConsumer.Close})
	}

	// Aggregation cache and cached query runner over the shared KV store
	aggCache := cache.New(kvStore, logger)
	runner := cache.NewRunner(aggCache, logger)

	// Storage lifecycle controller
	controller := storage.NewController(kvStore, storage.Config{
		DataDir:    dataDir,
		QuotaBytes: cfg.Storage.QuotaBytes,
		PurgeGrace: cfg.Storage.PurgeGrace,
	}, logger)
	for _, c := range closers {
		controller.RegisterCloser(c.name, c.close)
	}

	// Anomaly detection
	detector := anomaly.NewDetector(anomaly.Config{
		Sensitivity:        cfg.Anomaly.Sensitivity,
		Threshold:          cfg.Anomaly.Threshold,
		SeasonalAdjustment: cfg.Anomaly.Seasonal(),
	}, logger)

	notifier := notification.NewStubNotifier(logger)

	session := anomaly.NewSession(detector, eng, kvStore, notifier, anomaly.SessionConfig{
		WindowDays:      cfg.Anomaly.WindowDays,
		RefreshInterval: cfg.Anomaly.RefreshInterval,
	}, logger)

	// Ingestion and processing
	ingestService := ingest.NewService(producer, logger)
	processorService := processor.NewService(consumer, sink, kvStore, aggCache, logger)

	// Initialize API handlers
	ingestHandler := api.NewIngestHandler(ingestService, logger)
	costHandler := api.NewCostHandler(runner, eng, &cfg.Cache, logger)
	anomalyHandler := api.NewAnomalyHandler(session, logger)
	cacheHandler := api.NewCacheHandler(aggCache, logger)
	storageHandler := api.NewStorageHandler(controller, logger)

	// Initialize HTTP server
	server := api.NewServer(api.ServerDeps{
		Config:         &cfg.Server,
		Logger:         logger,
		IngestHandler:  ingestHandler,
		CostHandler:    costHandler,
		AnomalyHandler: anomalyHandler,
		CacheHandler:   cacheHandler,
		StorageHandler: storageHandler,
	})

	// Build cleanup function
	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	return &dependencies{
		server:    server,
		processor: processorService,
		session:   session,
	}, cleanup, nil
}

// initLogger creates and configures the application logger.
func initLogger(cfg *config.LoggerConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
