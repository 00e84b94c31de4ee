// shsh-relay - streaming relay between chat clients and a remote agent service
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shsh-relay/internal/api"
	"github.com/ashureev/shsh-relay/internal/bridge"
	"github.com/ashureev/shsh-relay/internal/config"
	"github.com/ashureev/shsh-relay/internal/convlog"
	"github.com/ashureev/shsh-relay/internal/health"
	"github.com/ashureev/shsh-relay/internal/identity"
	"github.com/ashureev/shsh-relay/internal/middleware"
	"github.com/ashureev/shsh-relay/internal/session"
	"github.com/ashureev/shsh-relay/internal/store"
	"github.com/ashureev/shsh-relay/internal/upstream"
	"github.com/ashureev/shsh-relay/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting relay", "port", cfg.Port, "upstream", cfg.Upstream.BaseURL, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional persistence for conversation handles.
	var repo *store.SQLiteStore
	dirOpts := []session.Option{session.WithLogger(logger), session.WithTTL(cfg.SessionTTL)}
	apiOpts := api.Options{
		MaxRequestBody: cfg.MaxRequestBody,
		UpstreamURL:    cfg.Upstream.BaseURL,
		OriginPatterns: cfg.AllowedOrigins,
		Logger:         logger,
	}
	if cfg.DBPath != "" {
		repo, err = store.NewSQLite(cfg.DBPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()

		if err := repo.Ping(ctx); err != nil {
			slog.Error("Database health check failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Database connected", "path", cfg.DBPath)
		dirOpts = append(dirOpts, session.WithRepository(repo))
		apiOpts.Store = repo
	} else {
		slog.Info("DB_PATH not set, conversation handles are kept in memory only")
	}

	client := upstream.NewClient(upstream.Config{
		BaseURL:       cfg.Upstream.BaseURL,
		APIKey:        cfg.Upstream.APIKey,
		AssistantID:   cfg.Upstream.AssistantID,
		CreateTimeout: cfg.Upstream.CreateTimeout,
		RunTimeout:    cfg.Upstream.RunTimeout,
	}, nil, logger)

	directory := session.NewDirectory(client, dirOpts...)
	directory.StartSweeper(ctx, 0)

	conversationLogger, err := convlog.New(convlog.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	relay := bridge.New(directory, client, bridge.Config{
		KeepAliveAfter:  cfg.Stream.KeepAliveAfter,
		MaxEmptyReads:   cfg.Stream.MaxEmptyReads,
		FallbackMessage: cfg.Stream.FallbackMessage,
	}, conversationLogger, logger)

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	limiter.StartEviction(ctx)

	handler := api.NewHandler(relay, directory, limiter, apiOpts)

	// Optional gRPC health endpoint.
	var healthServer *health.Server
	if cfg.GRPCHealthAddr != "" {
		var check health.Checker
		if repo != nil {
			check = repo.Ping
		}
		healthServer = health.NewServer(check, logger)
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "addr", cfg.GRPCHealthAddr, "error", err)
			os.Exit(1)
		}
		healthServer.Watch(ctx, 30*time.Second)
		go func() {
			if err := healthServer.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterRoutes(r)
	r.Handle("/*", web.ConsoleHandler())

	// SSE and WebSocket responses are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	if healthServer != nil {
		healthServer.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
