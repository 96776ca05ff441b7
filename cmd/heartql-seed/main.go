package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/heartql/heartql/internal/config"
	"github.com/heartql/heartql/internal/observability"
	"github.com/heartql/heartql/internal/seed"
	"github.com/heartql/heartql/internal/storage"
	s3store "github.com/heartql/heartql/internal/storage/s3"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("heartql-seed")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	cmd := seed.NewCommand(cfg, logger, func(ctx context.Context) (storage.ObjectStore, error) {
		return s3store.New(ctx, cfg.ObjectStore)
	})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
