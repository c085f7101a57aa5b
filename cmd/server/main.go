// quietmind - conversational wellbeing assistant backend
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/quietmind/quietmind/internal/api"
	"github.com/quietmind/quietmind/internal/botworker"
	"github.com/quietmind/quietmind/internal/config"
	"github.com/quietmind/quietmind/internal/crypto"
	"github.com/quietmind/quietmind/internal/events"
	"github.com/quietmind/quietmind/internal/identity"
	"github.com/quietmind/quietmind/internal/message"
	"github.com/quietmind/quietmind/internal/middleware"
	"github.com/quietmind/quietmind/internal/observability"
	"github.com/quietmind/quietmind/internal/session"
	"github.com/quietmind/quietmind/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	observability.InitMetrics()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	codec, err := crypto.NewAESGCM(cfg.EncryptionKey)
	if err != nil {
		slog.Error("Failed to initialize encryption codec", "error", err)
		os.Exit(1)
	}

	// Event queue is optional: without Redis, events are logged and the
	// sweeper is the only thing that unblocks stuck sessions.
	var publisher events.Publisher = events.LogPublisher{}
	var queue *events.RedisQueue
	if cfg.Redis.Addr != "" {
		queue, err = events.NewRedisQueue(events.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			QueueKey: cfg.Redis.QueueKey,
		})
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := queue.Close(); closeErr != nil {
				slog.Error("Failed to close Redis queue", "error", closeErr)
			}
		}()
		publisher = queue
		slog.Info("Event queue connected", "addr", cfg.Redis.Addr)
	} else {
		slog.Info("Event publishing disabled (REDIS_ADDR not set)")
	}

	// Initialize services.
	sessions := session.NewService(repo)
	messages := message.NewService(repo, sessions, codec, publisher)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, sessions, messages)
	sessionHandler := api.NewSessionHandler(baseHandler)
	messageHandler := api.NewMessageHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		corsOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(corsOrigins))

	// Public routes.
	healthHandler.RegisterRoutes(r)
	r.Handle("/metrics", observability.MetricsHandler())

	// Identity-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		sessionHandler.RegisterRoutes(r)
		messageHandler.RegisterRoutes(r)
	})

	// Create server.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stale-turn sweeper: waiting_for_bot sessions the worker never
	// answered become failed so the client can offer a retry.
	session.StartSweeper(ctx, sessions, cfg.SweepInterval, cfg.BotWaitTimeout)

	// Optional in-process bot worker for development and single-node
	// deployments; production runs the external worker on the same queue.
	if cfg.Worker.Enabled && queue != nil {
		worker := botworker.New(queue, messages, botworker.NewCannedResponder())
		go worker.Run(ctx)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
