package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arasola/recoverygate/internal/auth"
	"github.com/arasola/recoverygate/internal/background"
	"github.com/arasola/recoverygate/internal/config"
	"github.com/arasola/recoverygate/internal/database"
	"github.com/arasola/recoverygate/internal/handlers"
	middlewareCustom "github.com/arasola/recoverygate/internal/middleware"
	"github.com/arasola/recoverygate/internal/repositories"
	"github.com/arasola/recoverygate/internal/routes"
	"github.com/arasola/recoverygate/internal/services"
	pkghttp "github.com/arasola/recoverygate/pkg/http"
	pkglogger "github.com/arasola/recoverygate/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.Bool("public_precheck_enabled", cfg.Precheck.Enabled))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	attemptRepo := repositories.NewAttemptRecordRepository(db)
	userDirectory := repositories.NewUserDirectoryRepository(db)

	// Initialize cleanup manager
	cleanupManager := background.NewCleanupManager(attemptRepo, logger, cfg.Recovery.CleanupInterval, cfg.Recovery.RetentionPeriod)

	// Audit logging
	auditLogger := pkglogger.NewAuditLogger(logger)

	// Abuse gate service
	gateConfig := services.GateConfig{
		InternalKey:         cfg.Recovery.InternalKey,
		Window:              cfg.Recovery.Window,
		MaxAttemptsPerKey:   cfg.Recovery.MaxAttemptsPerKey,
		MaxAttemptsPerEmail: cfg.Recovery.MaxAttemptsPerEmail,
		MaxAttemptsPerIP:    cfg.Recovery.MaxAttemptsPerIP,
		CooldownTiers: []time.Duration{
			cfg.Recovery.CooldownFirst,
			cfg.Recovery.CooldownSecond,
			cfg.Recovery.CooldownThird,
		},
	}
	gateService := services.NewRecoveryGateService(attemptRepo, userDirectory, gateConfig, logger, auditLogger)

	// Public edge collaborators
	captchaVerifier := services.NewTurnstileVerifier(cfg.Precheck.TurnstileSecretKey, logger)
	responseJitter := auth.NewResponseJitter(auth.JitterConfig{
		MinMs: cfg.Precheck.JitterMinMs,
		MaxMs: cfg.Precheck.JitterMaxMs,
	})
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}

	// Initialize handlers
	recoveryHandler := handlers.NewRecoveryHandler(gateService, captchaVerifier, responseJitter, ipConfig, cfg.Precheck, cfg.Recovery.InternalKey)

	// Setup CORS middleware
	corsConfig := middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(corsConfig))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, recoveryHandler)

	// Health check with database
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
