// Package main is the entry point for the relay API server.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/task-relay/internal/config"
	"github.com/capitalize-ai/task-relay/internal/handler"
	"github.com/capitalize-ai/task-relay/internal/llm"
	"github.com/capitalize-ai/task-relay/internal/middleware"
	"github.com/capitalize-ai/task-relay/internal/orchestrator"
	"github.com/capitalize-ai/task-relay/internal/ratelimit"
	"github.com/capitalize-ai/task-relay/internal/relay"
	"github.com/capitalize-ai/task-relay/internal/service"
	"github.com/capitalize-ai/task-relay/pkg/logger"
	"github.com/capitalize-ai/task-relay/pkg/tracing"
)

const janitorInterval = 10 * time.Minute

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting relay server",
		zap.String("store", cfg.StoreBackend),
		zap.String("orchestrator_url", cfg.OrchestratorURL),
		zap.Bool("dev_auth", cfg.DevMode()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "task-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Conversation store
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer closeStore()

	// Orchestrator
	orch := orchestrator.NewClient(orchestrator.Config{
		BaseURL: cfg.OrchestratorURL,
		Timeout: cfg.OrchestratorTimeout,
		Logger:  log,
	})
	poller := orchestrator.NewPoller(orch, orchestrator.PollerConfig{
		Interval: cfg.PollInterval,
		Timeout:  cfg.PollTimeout,
		Logger:   log,
	})

	// Turn admission
	limiter := ratelimit.New(cfg.TurnRateLimit, cfg.TurnRateWindow)
	go limiter.RunJanitor(ctx, janitorInterval)

	// Titles for new conversations
	llmClient, err := llm.FromKeys(cfg.AnthropicAPIKey, cfg.OpenAIAPIKey)
	if err != nil {
		log.Info("LLM titles disabled, using first message", zap.Error(err))
		llmClient = nil
	}
	titler := service.NewTitler(llmClient, cfg.TitleModel, log)

	// Services
	conversationSvc := service.NewConversationService(st, titler, log)
	rl := relay.New(relay.Config{
		Store:        st,
		Submitter:    orch,
		Poller:       poller,
		Limiter:      limiter,
		Resolver:     conversationSvc,
		ChunkSize:    cfg.ChunkSize,
		ChunkDelay:   cfg.ChunkDelay,
		ContextTurns: cfg.ContextTurns,
		Logger:       log,
	})

	// Handlers
	healthHandler := handler.NewHealthHandler(st, orch, log)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	streamHandler := handler.NewStreamHandler(rl, relay.NewTracker(), log)

	authMiddleware := middleware.Auth(cfg.JWTSecret)
	if cfg.DevMode() {
		log.Warn("JWT_SECRET not set, authenticating every request as the development user",
			zap.String("user_id", cfg.DevUserID),
		)
		authMiddleware = middleware.DevAuth(cfg.DevUserID)
	}

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/chat", streamHandler.Chat)
		r.Get("/agents", healthHandler.Agents)
		r.Get("/orchestrator/health", healthHandler.OrchestratorHealth)

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Patch("/", conversationHandler.Update)
				r.Delete("/", conversationHandler.Delete)
				r.Get("/messages", conversationHandler.Messages)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
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
	<-ctx.Done()

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
