package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fpf-engine/config"
	"fpf-engine/internal/api"
	"fpf-engine/internal/detector"
	"fpf-engine/internal/events"
	"fpf-engine/internal/feed"
	"fpf-engine/internal/history"
	"fpf-engine/internal/logging"
	"fpf-engine/internal/metrics"
	"fpf-engine/internal/outcome"
	"fpf-engine/internal/storage"
	"fpf-engine/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized")

	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()

	bus := events.NewBus(logger)
	rec := metrics.New()
	logger.Info("event bus and metrics initialized")

	ctx := context.Background()

	// Postgres is optional. Without it signals still flow to the log file,
	// the UI stream and Kafka.
	var repo *storage.Repository
	if cfg.PostgresEnabled {
		db, err := storage.NewDB(ctx, cfg.PostgresConfig)
		if err != nil {
			logger.Fatal("database connection failed", "error", err.Error())
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("database migration failed", "error", err.Error())
		}
		repo = storage.NewRepository(db)
		logger.Info("postgres connected",
			"host", cfg.PostgresConfig.Host, "database", cfg.PostgresConfig.Database)
	}

	det := detector.New(bus, cfg.DetectorConfig, logger, rec)
	tracker := outcome.New(bus, zlog, rec,
		cfg.OutcomeConfig.WindowMinutes, cfg.OutcomeConfig.StopOffsetTicks)
	manager := storage.NewSignalManager(bus, repo, zlog, cfg.SignalLogDir)

	if cfg.RedisConfig.Enabled {
		mirror, err := storage.NewLevelMirror(cfg.RedisConfig, bus, zlog)
		if err != nil {
			logger.Warn("redis level mirror disabled", "error", err.Error())
		} else {
			defer mirror.Close()
		}
	}

	var store *history.Store
	if cfg.ClickHouseConfig.Enabled {
		store, err = history.NewStore(ctx, cfg.ClickHouseConfig, zlog)
		if err != nil {
			logger.Warn("candle history disabled", "error", err.Error())
		} else {
			if n := cfg.ClickHouseConfig.BackfillMinutes; n > 0 {
				now := time.Now().UnixMilli()
				from := now - int64(n)*60_000
				for _, sym := range cfg.FeedConfig.Symbols {
					for _, tf := range cfg.FeedConfig.Timeframes {
						if _, err := store.ReplayRange(ctx, bus, sym, tf, from, now); err != nil {
							logger.Warn("history backfill failed",
								"symbol", sym, "tf", tf, "error", err.Error())
						}
					}
				}
			}
			store.StartRecorder(bus)
			defer store.Close()
		}
	}

	if cfg.KafkaConfig.Enabled {
		pub, err := stream.NewPublisher(cfg.KafkaConfig, bus, zlog)
		if err != nil {
			logger.Warn("kafka publisher disabled", "error", err.Error())
		} else {
			defer pub.Close()
		}
	}

	var marketFeed *feed.Feed
	if cfg.FeedConfig.Enabled {
		marketFeed = feed.New(cfg.FeedConfig, bus, logger, rec)
		if err := marketFeed.Start(); err != nil {
			logger.Fatal("feed start failed", "error", err.Error())
		}
		defer marketFeed.Stop()
	}

	hub := api.NewHub(bus, zlog)
	go hub.Run()

	var feedStatus api.FeedStatus
	if marketFeed != nil {
		feedStatus = marketFeed
	}
	server := api.NewServer(cfg.ServerConfig, zlog, manager, det, feedStatus, tracker, repo, hub)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("http server failed", "error", err.Error())
		}
	}()

	logger.Info("engine running",
		"symbols", len(cfg.FeedConfig.Symbols),
		"timeframes", len(cfg.FeedConfig.Timeframes),
		"port", cfg.ServerConfig.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err.Error())
	}
	logger.Info("shutdown complete")
}
