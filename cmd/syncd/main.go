package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Golden-forest/cardall-sync/internal/client"
	"github.com/Golden-forest/cardall-sync/internal/config"
	"github.com/Golden-forest/cardall-sync/internal/metrics"
	"github.com/Golden-forest/cardall-sync/internal/service"
	"github.com/Golden-forest/cardall-sync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		// Fall back to defaults when no config file is present.
		if os.IsNotExist(unwrapPathError(err)) {
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("client_id", cfg.Engine.ClientID),
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("remote", cfg.Remote.BaseURL),
		zap.Bool("auto_sync", cfg.Engine.AutoSyncEnabled))

	// Open the durable store
	var localStore store.LocalStore
	switch cfg.Storage.Driver {
	case "memory":
		localStore = store.NewMemoryStore()
	default:
		localStore, err = store.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			logger.Fatal("Failed to open sqlite store", zap.Error(err))
		}
	}

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry, cfg.Engine.ClientID)

	// Remote applier and connectivity signals
	remote := client.NewHTTPRemote(cfg.Remote.BaseURL, cfg.Remote.Timeout, logger)
	linkSource := &client.PingLinkSource{URL: cfg.Remote.BaseURL}
	prober := &service.HTTPProber{}

	engine, err := service.NewEngine(cfg, localStore, remote, linkSource, prober, m, logger)
	if err != nil {
		logger.Fatal("Failed to initialize sync engine", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.StartAutoSync(ctx)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			logger.Info("Metrics endpoint listening", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Sync engine started", zap.String("client_id", cfg.Engine.ClientID))

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()
	if err := engine.Close(); err != nil {
		logger.Error("Failed to close sync engine", zap.Error(err))
	}
}

// initLogger initializes the zap logger from logging config.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

func unwrapPathError(err error) error {
	for {
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
