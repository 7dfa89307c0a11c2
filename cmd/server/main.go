// Shopdesk - customer service bot server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ashureev/shopdesk/internal/api"
	"github.com/ashureev/shopdesk/internal/config"
	"github.com/ashureev/shopdesk/internal/domain"
	"github.com/ashureev/shopdesk/internal/engine"
	"github.com/ashureev/shopdesk/internal/gateway/whatsapp"
	"github.com/ashureev/shopdesk/internal/live"
	"github.com/ashureev/shopdesk/internal/middleware"
	"github.com/ashureev/shopdesk/internal/session"
	"github.com/ashureev/shopdesk/internal/store"
	"github.com/ashureev/shopdesk/web"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
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
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Warn("Unknown log level, keeping info", "level", cfg.LogLevel)
	}

	slog.Info("Starting server", "port", cfg.Port, "session", cfg.SessionName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	gatewayLog := zerolog.New(os.Stdout).With().Timestamp().Str("component", "whatsmeow").Logger().
		Level(zerologLevel(cfg.LogLevel))

	devices, err := whatsapp.OpenDeviceStore(ctx, cfg.DeviceDBPath, gatewayLog)
	if err != nil {
		slog.Error("Failed to open device store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := devices.Close(); closeErr != nil {
			slog.Error("Failed to close device store", "error", closeErr)
		}
	}()
	slog.Info("Device store ready", "path", cfg.DeviceDBPath)

	creds := whatsapp.NewCredentialStore(store.NewCredentialStore(repo, cfg.SessionName), devices)
	factory := whatsapp.NewFactory(devices, gatewayLog, logger)

	ctrl := session.NewController(factory, creds, session.Options{
		Policy:              cfg.Policy,
		Pacing:              cfg.Pacing,
		StabilizationWindow: cfg.StabilizationWindow,
		RestartDelay:        cfg.RestartDelay,
		HistorySize:         cfg.HistorySize,
		Logger:              logger,
	})
	ctrl.Start(ctx)
	defer ctrl.Close()

	// Conversational engine with optional gRPC fallback.
	responders := []engine.Responder{}
	var fallbackCheck api.Checker
	if cfg.Fallback.Enabled() {
		fbCfg := engine.DefaultFallbackConfig(cfg.Fallback.Addr, cfg.Fallback.Method)
		fbCfg.RequestTimeout = cfg.Fallback.Timeout

		fallback, err := engine.DialFallback(ctx, fbCfg, logger)
		if err != nil {
			slog.Warn("Fallback service unavailable, using static replies only", "addr", cfg.Fallback.Addr, "error", err)
		} else {
			defer fallback.Close()
			responders = append(responders, fallback)
			fallbackCheck = fallback
			slog.Info("Fallback service connected", "addr", cfg.Fallback.Addr)
		}
	}
	responders = append(responders, engine.StaticResponder{Template: cfg.AutoReply})

	eng := engine.New(repo, engine.FirstOf(logger, responders...), ctrl, logger)
	ctrl.RegisterInboundHandler(eng.HandleInbound)

	hub := live.NewHub(func() any { return ctrl.Status() }, cfg.AllowedOrigins, logger)
	defer hub.Close()
	ctrl.RegisterObserver(hub.Observe)

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(ctrl, repo, cfg.AdminToken)
	healthHandler := api.NewHealthHandler(repo, fallbackCheck, func() domain.ConnectionStatus { return ctrl.Status().Status })

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler.RegisterRoutes(r)
	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/events", hub.ServeHTTP)

	// Serve the embedded console.
	r.Handle("/*", web.ConsoleHandler())

	// WriteTimeout stays 0 so /ws/events is not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	store.StartRetentionWorker(ctx, repo, cfg.MessageRetention)
	slog.Info("Retention worker started", "retention", cfg.MessageRetention)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	if err := ctrl.Initialize(ctx); err != nil {
		slog.Warn("Initial connection attempt failed", "error", err, "status", ctrl.Status().Status)
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	ctrl.Close()

	slog.Info("Server stopped successfully")
}

func zerologLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
