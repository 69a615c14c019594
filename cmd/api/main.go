// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/capitalize-ai/session-service/internal/config"
	"github.com/capitalize-ai/session-service/internal/handler"
	"github.com/capitalize-ai/session-service/internal/llm"
	"github.com/capitalize-ai/session-service/internal/middleware"
	natsclient "github.com/capitalize-ai/session-service/internal/nats"
	"github.com/capitalize-ai/session-service/internal/service"
	"github.com/capitalize-ai/session-service/internal/store"
	"github.com/capitalize-ai/session-service/internal/store/postgres"
	"github.com/capitalize-ai/session-service/internal/store/sqlite"
	"github.com/capitalize-ai/session-service/pkg/logger"
	"github.com/capitalize-ai/session-service/pkg/tracing"
)

const serviceName = "session-service"

func main() {
	// Load .env file (silently ignore if it doesn't exist)
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	var log *logger.Logger
	if os.Getenv("ENV") == "development" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server",
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("llm_provider", cfg.LLMProvider),
		zap.String("llm_model", cfg.LLMModel),
	)

	ctx := context.Background()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				if err := tracing.Shutdown(context.Background(), tp); err != nil {
					log.Warn("failed to flush traces", zap.Error(err))
				}
			}()
		}
	}

	checks := map[string]store.Pinger{}

	// Connect to NATS only when a component needs it
	var natsClient *natsclient.Client
	if cfg.UsesNATS() {
		var err error
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()
		checks["nats"] = natsClient
	}

	threads, closeStore, err := openStore(ctx, cfg, natsClient)
	if err != nil {
		return err
	}
	defer closeStore()
	if p, ok := threads.(store.Pinger); ok {
		checks["store"] = p
	}

	var events service.EventPublisher
	if cfg.EventsEnabled {
		stream := natsclient.NewEventStream(natsClient)
		if err := stream.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure event stream: %w", err)
		}
		events = stream
	}

	// Initialize LLM client
	provider := llm.Provider(cfg.LLMProvider)
	opts := llm.Options{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL}
	if provider == llm.ProviderAnthropic {
		opts = llm.Options{APIKey: cfg.AnthropicAPIKey}
	}
	llmClient, err := llm.NewClient(provider, opts)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	generator := llm.NewGenerator(llmClient, llm.GeneratorConfig{
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	})

	// Initialize services
	turns := service.NewTurnProcessor(threads, generator, events, service.Config{
		Instruction:       cfg.Instruction,
		GenerationTimeout: cfg.GenerationTimeout,
	}, log)

	// Initialize handlers
	router := handler.NewRouter(
		handler.NewSessionHandler(turns, middleware.TurnRules{MaxContentBytes: cfg.MaxContentBytes}, log),
		handler.NewHealthHandler(checks),
		handler.RouterConfig{
			AllowedOrigins:    cfg.CORSAllowedOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		},
		log,
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// openStore builds the configured thread store and a func that releases it.
func openStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client) (store.ThreadStore, func(), error) {
	backend, err := store.ParseBackend(cfg.StoreBackend)
	if err != nil {
		return nil, nil, err
	}

	switch backend {
	case store.BackendSQLite:
		s, err := sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.SQLitePath,
			BusyTimeout: int(cfg.SQLiteBusyTimeout.Milliseconds()),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil

	case store.BackendPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, s.Close, nil

	case store.BackendNATS:
		s, err := natsclient.NewThreadStore(ctx, nc, cfg.NATSKVBucket)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open nats store: %w", err)
		}
		return s, func() {}, nil

	default:
		logger.Global().Warn("using in-memory thread store; history is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
}
