// Package main provides the markdown-ocr API server entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/spherical/markdown-ocr/cmd/markdown-ocr-api/handlers"
	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/convert"
	"github.com/spherical/markdown-ocr/internal/llm"
	"github.com/spherical/markdown-ocr/internal/observability"
	"github.com/spherical/markdown-ocr/internal/ocr"
	"github.com/spherical/markdown-ocr/internal/pdf"
	"github.com/spherical/markdown-ocr/internal/prompt"
	"github.com/spherical/markdown-ocr/internal/storage"
	"github.com/spherical/markdown-ocr/internal/task"
)

func main() {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	logger.Info().
		Str("provider", cfg.LLM.Provider).
		Str("base_url", cfg.BaseURL()).
		Str("model", cfg.LLM.ModelName).
		Bool("vision", cfg.LLM.UseVision).
		Str("registry", cfg.Registry.Driver).
		Msg("Starting markdown-ocr API")

	registry, err := task.New(cfg.Registry)
	if err != nil {
		return fmt.Errorf("create task registry: %w", err)
	}
	defer registry.Close()

	store, err := storage.NewFileStore(cfg.Storage.UploadDir, cfg.Storage.OutputDir)
	if err != nil {
		return fmt.Errorf("create file store: %w", err)
	}

	backend, err := llm.NewBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("create model backend: %w", err)
	}

	engine := convert.NewEngine(
		registry,
		backend,
		prompt.NewBuilder(cfg.Conversion.ContextCharBudget),
		store,
		convert.OptionsFromConfig(cfg),
		logger,
	)
	service := ocr.NewService(registry, engine, store, ocr.PDFSources(pdf.OptionsFromConfig(cfg)), logger)
	service.StartRetention(cfg.Registry.TTL)

	router := NewRouter(
		logger,
		cfg,
		handlers.NewTaskHandler(logger, service, cfg.MaxUploadBytes()),
		handlers.NewHealthHandler(logger, backend, cfg),
	)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutdown signal received")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Graceful shutdown failed")
			if err := srv.Close(); err != nil {
				logger.Error().Err(err).Msg("Forced shutdown failed")
			}
		}
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Running conversions did not stop in time")
		}

		logger.Info().Msg("Server stopped")
		return nil
	})

	return g.Wait()
}
