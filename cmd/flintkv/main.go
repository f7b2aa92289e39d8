package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flintkv/internal/config"
	"flintkv/internal/http"
	"flintkv/pkg/engine"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	opts, err := cfg.EngineOptions()
	if err != nil {
		slog.Error("invalid storage config", "error", err)
		os.Exit(1)
	}

	db, err := engine.Open(opts)
	if err != nil {
		slog.Error("failed to open database", "dir", opts.DirPath, "error", err)
		os.Exit(1)
	}
	slog.Info("database opened", "dir", opts.DirPath)

	server := http.NewServer(db, cfg.Server)
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		_ = db.Close()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	slog.Info("shutting down")
	if err := server.Stop(); err != nil {
		slog.Error("failed to stop server", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
}
