package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"filekeeper/internal/derive"
	"filekeeper/internal/events"
	"filekeeper/internal/models"
	"filekeeper/internal/operations"
	"filekeeper/internal/process"
	"filekeeper/internal/server"
	"filekeeper/internal/storage"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := models.LoadConfig(configPath)
	if err != nil {
		fatal(logger, "load config", err)
	}

	db, err := storage.NewStorage(cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "init storage", err)
	}
	defer db.Close()

	blobs, err := storage.NewBlobStore(cfg.StoragePath)
	if err != nil {
		fatal(logger, "init blob store", err)
	}

	var pub operations.Publisher
	var producer *events.Producer
	if cfg.KafkaBroker != "" {
		producer = events.NewProducer(cfg.KafkaBroker, cfg.KafkaTopic)
		pub = producer
	}

	pool := process.NewPool(cfg.WorkerCount)
	gen := derive.NewGenerator(blobs, cfg.JPEGQuality)
	svc := operations.NewService(db, gen, pool, pub, logger)

	// Resolve anything a previous unclean shutdown left behind before
	// accepting traffic.
	if err := svc.ReconcileOnStartup(context.Background()); err != nil {
		fatal(logger, "startup reconciliation", err)
	}

	srv := server.NewServer(cfg, db, blobs, svc)
	go func() {
		if err := srv.Start(); err != nil {
			fatal(logger, "start server", err)
		}
	}()
	logger.Info("server started", "addr", cfg.ServerAddr, "workers", cfg.WorkerCount)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down, draining in-flight batches")
	svc.Wait()
	pool.Close()
	if producer != nil {
		producer.Close()
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
