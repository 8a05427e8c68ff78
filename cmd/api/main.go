// Package main is the entry point for the inbox router API server.
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-router/internal/config"
	"github.com/capitalize-ai/inbox-router/internal/handler"
	"github.com/capitalize-ai/inbox-router/internal/llm"
	natsclient "github.com/capitalize-ai/inbox-router/internal/nats"
	"github.com/capitalize-ai/inbox-router/internal/paramstore"
	"github.com/capitalize-ai/inbox-router/internal/service"
	"github.com/capitalize-ai/inbox-router/internal/store"
	"github.com/capitalize-ai/inbox-router/internal/store/postgres"
	"github.com/capitalize-ai/inbox-router/internal/store/sqlite"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
	"github.com/capitalize-ai/inbox-router/pkg/tracing"
)

// backend is a store with lifecycle management.
type backend interface {
	store.Store
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.ForEnvironment(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting inbox router")

	ctx := context.Background()
	if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
		log.Fatal("failed to load config file", zap.Error(err))
	}
	if cfg.ParamPrefix != "" {
		if err := loadSecrets(ctx, cfg); err != nil {
			log.Fatal("failed to load secrets", zap.String("prefix", cfg.ParamPrefix), zap.Error(err))
		}
	}

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "inbox-router", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Open storage
	db, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate store", zap.Error(err))
	}

	// Connect to NATS; the event stream is optional
	var (
		natsClient *natsclient.Client
		streams    *natsclient.StreamManager
		publisher  service.EventPublisher = service.NopPublisher{}
		reader     handler.EventReader
	)
	if cfg.NATSURL != "" {
		natsClient, streams, err = connectStream(ctx, cfg, log)
		if err != nil {
			log.Warn("event stream disabled", zap.Error(err))
		} else {
			defer natsClient.Close()
			publisher = streams
			reader = streams
		}
	}

	// Initialize triage
	var triage *service.TriageService
	if cfg.TriageEnabled {
		client, err := llm.FromKeys(llm.Provider(cfg.TriageProvider), cfg.AnthropicAPIKey, cfg.OpenAIAPIKey)
		if err != nil {
			log.Warn("failed to create llm client, triage disabled", zap.Error(err))
		} else if client == nil {
			log.Warn("no llm key configured, triage disabled")
		} else {
			triage = service.NewTriageService(client, cfg.RoutingSectors, log)
		}
	}

	// Initialize services
	conversationSvc := service.NewConversationService(db, publisher, cfg.IntakeSector, log)
	ledgerSvc := service.NewLedgerService(db, publisher, log)
	assignmentSvc := service.NewAssignmentService(db, publisher, cfg.IntakeSector, log)
	transferSvc := service.NewTransferService(db, ledgerSvc, assignmentSvc, publisher, log)
	ingestSvc := service.NewIngestService(db, conversationSvc, ledgerSvc, assignmentSvc, triage, cfg.ResolveTenant, log)

	// Create router
	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		WebhookRateLimit:  cfg.WebhookRateLimit,
		WebhookRateWindow: cfg.WebhookRateWindow,
	}, handler.Handlers{
		Health:        handler.NewHealthHandler(db, natsClient, streams),
		Webhook:       handler.NewWebhookHandler(ingestSvc, cfg.WebhookVerifyToken, cfg.WebhookFailOnStorageError, log),
		Routing:       handler.NewRoutingHandler(assignmentSvc, transferSvc, log),
		Conversations: handler.NewConversationHandler(conversationSvc, ledgerSvc, transferSvc, reader, log),
	}, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// loadSecrets overlays parameter store values onto cfg.
func loadSecrets(ctx context.Context, cfg *config.Config) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}
	values, err := paramstore.Load(ctx, client, cfg.ParamPrefix, config.SecretKeys...)
	if err != nil {
		return err
	}
	cfg.ApplySecrets(values)
	return nil
}

// openStore uses Postgres when DATABASE_URL is set and SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	if cfg.DatabaseURL != "" {
		return postgres.Open(ctx, cfg.DatabaseURL)
	}
	return sqlite.Open(cfg.SQLitePath)
}

func connectStream(ctx context.Context, cfg *config.Config, log *logger.Logger) (*natsclient.Client, *natsclient.StreamManager, error) {
	client, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return nil, nil, err
	}

	streams := natsclient.NewStreamManager(client)
	if err := streams.EnsureStream(ctx); err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, streams, nil
}
