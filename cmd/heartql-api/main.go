package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/heartql/heartql/internal/api"
	"github.com/heartql/heartql/internal/api/uistatic"
	"github.com/heartql/heartql/internal/auth"
	"github.com/heartql/heartql/internal/config"
	"github.com/heartql/heartql/internal/nl2sql"
	"github.com/heartql/heartql/internal/observability"
	"github.com/heartql/heartql/internal/pipeline"
	"github.com/heartql/heartql/internal/query/sqldb"
	"github.com/heartql/heartql/internal/schema"
	"github.com/heartql/heartql/internal/storage"
	s3store "github.com/heartql/heartql/internal/storage/s3"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("heartql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	output, closeLog, err := observability.LogOutput(cfg, os.Stdout)
	if err != nil {
		slog.Error("failed to open log output", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = closeLog() }()
	logger := observability.NewLogger(cfg, output)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.SourceKey != "" {
		objectStore, err := s3store.New(ctx, cfg.ObjectStore)
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		downloaded, err := storage.SyncToFile(ctx, objectStore, cfg.Database.SourceKey, cfg.Database.Path)
		if err != nil {
			logger.Error("failed to provision database", slog.String("key", cfg.Database.SourceKey), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("database provisioned",
			slog.String("key", cfg.Database.SourceKey),
			slog.String("path", cfg.Database.Path),
			slog.Bool("downloaded", downloaded),
		)
	}

	db, err := sqldb.Open(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	engine, err := sqldb.NewEngine(db, sqldb.Options{
		Dialect:      cfg.Database.Driver,
		QueryTimeout: cfg.Database.QueryTimeout,
		MaxRows:      cfg.Database.MaxRows,
	})
	if err != nil {
		logger.Error("failed to initialize query engine", slog.Any("error", err))
		os.Exit(1)
	}

	dictionary := schema.DefaultDictionary()
	if cfg.Database.SchemaFile != "" {
		dictionary, err = schema.LoadDictionaryFile(cfg.Database.SchemaFile)
		if err != nil {
			logger.Error("failed to load data dictionary", slog.Any("error", err))
			os.Exit(1)
		}
	}
	schemaContext, err := schema.Build(ctx, engine, cfg.Database.Table, dictionary, cfg.Database.SampleRows)
	if err != nil {
		logger.Error("failed to build schema context", slog.String("table", cfg.Database.Table), slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.PingCheck(engine),
		DependencyTimeout: time.Second,
		Schema:            schemaContext,
		UI:                uistatic.Handler(),
	}

	model, err := nl2sql.NewModel(nl2sql.Config{
		Provider:    cfg.AI.Provider,
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		Timeout:     cfg.AI.Timeout,
		MaxAttempts: cfg.AI.MaxAttempts,
	})
	switch {
	case errors.Is(err, nl2sql.ErrNotConfigured):
		logger.Warn("model provider is not configured; question routes are disabled", slog.String("provider", cfg.AI.Provider))
	case err != nil:
		logger.Error("failed to initialize model provider", slog.Any("error", err))
		os.Exit(1)
	default:
		coordinator, err := pipeline.New(model, engine, schemaContext, logger, pipeline.Options{
			ModelTimeout:      cfg.AI.Timeout,
			MaxQuestionLength: cfg.Pipeline.MaxQuestionLength,
			RowLimit:          cfg.Database.MaxRows,
			Dialect:           cfg.Database.Driver,
		})
		if err != nil {
			logger.Error("failed to initialize pipeline", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Pipeline = coordinator
	}

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("table", schemaContext.Table()),
			slog.Int("columns", len(schemaContext.Columns())),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down api server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return err
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		logger.Error("api server failed", slog.Any("error", err))
		os.Exit(1)
	}
}
