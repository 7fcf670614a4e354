// Package main is the entry point for the support API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/internal/assistant"
	"github.com/capitalize-ai/support-engine/internal/broker"
	"github.com/capitalize-ai/support-engine/internal/config"
	"github.com/capitalize-ai/support-engine/internal/handler"
	"github.com/capitalize-ai/support-engine/internal/llm"
	natsclient "github.com/capitalize-ai/support-engine/internal/nats"
	"github.com/capitalize-ai/support-engine/internal/service"
	"github.com/capitalize-ai/support-engine/internal/store"
	"github.com/capitalize-ai/support-engine/pkg/logger"
	"github.com/capitalize-ai/support-engine/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting support API server",
		zap.String("store", cfg.StoreDriver),
		zap.String("broker", cfg.BrokerMode),
		zap.Bool("activity_stream", cfg.ActivityEnabled),
	)

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "support-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	backend, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	checks := map[string]handler.Pinger{"store": backend}

	var natsClient *natsclient.Client
	if cfg.NeedsNATS() {
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

	var b broker.Broker
	if cfg.BrokerMode == config.BrokerNATS {
		nb, err := broker.NewNATSBroker(natsClient.Conn(), log)
		if err != nil {
			return fmt.Errorf("failed to start NATS broker: %w", err)
		}
		defer nb.Close()
		b = nb
	} else {
		b = broker.NewHub(log)
	}

	// Nil interfaces, not typed nils, keep the feed optional downstream.
	var (
		activityPub    service.ActivityPublisher
		activityReader handler.ActivityReader
	)
	if cfg.ActivityEnabled {
		stream := natsclient.NewActivityStream(natsClient)
		if err := stream.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure activity stream: %w", err)
		}
		activityPub, activityReader = stream, stream
		go reportStreamStats(stream, log)
	}

	conversations := store.NewConversations(backend)
	notifier := service.NewNotifier(b, activityPub, log)
	dir := service.NewDirectory()
	convSvc := service.NewConversationService(conversations, notifier, dir, cfg.StoreTimeout, log)
	msgSvc := service.NewMessageService(conversations, notifier, dir, cfg.StoreTimeout, log)

	assistantSvc := assistant.NewService(newResponder(cfg, log), convSvc, log)

	h := handler.Handlers{
		Health:        handler.NewHealthHandler(checks),
		Conversations: handler.NewConversationHandler(convSvc, activityReader, log),
		Messages:      handler.NewMessageHandler(msgSvc, log),
		Stream:        handler.NewStreamHandler(msgSvc, b, cfg.HeartbeatPeriod, log),
		Socket: handler.NewSocketHandler(msgSvc, b, handler.SocketConfig{
			AllowedOrigins: cfg.AllowedOrigins,
			Heartbeat:      cfg.HeartbeatPeriod,
			RateLimit:      cfg.SocketRateLimit,
			RateWindow:     cfg.SocketRateWindow,
		}, log),
		Assistant: handler.NewAssistantHandler(assistantSvc, log),
	}

	router := handler.NewRouter(h, handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}, log)

	// No WriteTimeout: it would cut long-lived SSE and websocket connections.
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ServerReadTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return store.NewMemoryBackend(), nil
	case config.StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	case config.StoreSQLite:
		return store.NewSQLiteBackend(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// newResponder picks the configured LLM provider. Without a key the
// assistant escalates every question.
func newResponder(cfg *config.Config, log *logger.Logger) assistant.Responder {
	provider, key := llm.ProviderAnthropic, cfg.AnthropicAPIKey
	preferOpenAI := cfg.DefaultLLM == string(llm.ProviderOpenAI) && cfg.OpenAIAPIKey != ""
	if preferOpenAI || key == "" {
		provider, key = llm.ProviderOpenAI, cfg.OpenAIAPIKey
	}
	if key == "" {
		log.Info("no LLM configured, assistant will escalate every request")
		return nil
	}
	client, err := llm.NewClient(provider, key)
	if err != nil {
		log.Warn("failed to create LLM client, assistant will escalate", zap.String("provider", string(provider)), zap.Error(err))
		return nil
	}
	return assistant.NewLLMResponder(client, cfg.LLMModel)
}

func reportStreamStats(stream *natsclient.ActivityStream, log *logger.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := stream.ReportStats(ctx); err != nil {
			log.Debug("failed to report activity stream stats", zap.Error(err))
		}
		cancel()
	}
}
