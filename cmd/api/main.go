package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/harborhealth/gatekeep/internal/auth"
	"github.com/harborhealth/gatekeep/internal/cache"
	"github.com/harborhealth/gatekeep/internal/config"
	"github.com/harborhealth/gatekeep/internal/database"
	"github.com/harborhealth/gatekeep/internal/handlers"
	middlewareCustom "github.com/harborhealth/gatekeep/internal/middleware"
	"github.com/harborhealth/gatekeep/internal/realtime"
	"github.com/harborhealth/gatekeep/internal/repositories"
	"github.com/harborhealth/gatekeep/internal/routes"
	"github.com/harborhealth/gatekeep/internal/services"
	pkghttp "github.com/harborhealth/gatekeep/pkg/http"
	pkglogger "github.com/harborhealth/gatekeep/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration first so the log level can honor it
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Ephemeral state store: shared Redis when configured, otherwise an
	// in-process fallback that only works for a single instance
	var store cache.Store
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		cancel()

		store = cache.NewRedisStore(client, "gk")
		logger.Info("using redis for ephemeral state", slog.String("addr", cfg.Redis.Addr))
	} else {
		store = cache.NewMemoryStore()
		logger.Warn("REDIS_ADDR not set, using in-process ephemeral state; " +
			"ceremonies will not survive restarts and cannot span instances")
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	profileRepo := repositories.NewMFAProfileRepository(db)

	// Initialize managers
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.SessionTokenExpiry, cfg.Auth.PendingTokenExpiry)
	totpManager := auth.NewTOTPManager(cfg.Auth.TOTPIssuer)
	csrfManager := auth.NewCSRFTokenManager(store, cfg.Auth.CSRFTokenTTL)
	auditLogger := pkglogger.NewAuditLogger(logger)
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}

	// Initialize services
	authService := services.NewAuthService(userRepo, profileRepo, tokenManager, logger, auditLogger, cfg.Auth.RepositoryTimeout)
	mfaService := services.NewMFAService(userRepo, profileRepo, totpManager, tokenManager, logger, auditLogger,
		cfg.Auth.BackupCodeCount, cfg.Auth.RepositoryTimeout)
	webauthnService, err := services.NewWebAuthnService(cfg.WebAuthn, store, userRepo, profileRepo, totpManager,
		tokenManager, logger, auditLogger, cfg.Auth.ChallengeExpiry, cfg.Auth.BackupCodeCount, cfg.Auth.RepositoryTimeout)
	if err != nil {
		logger.Error("failed to initialize webauthn", slog.Any("error", err))
		os.Exit(1)
	}
	ssoService := services.NewSSOService(cfg.SSO, tokenManager, userRepo, store, logger, auditLogger, cfg.Auth.RepositoryTimeout)
	if !ssoService.Enabled() {
		logger.Info("sso bridge disabled, credentials missing or placeholder")
	}

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService, csrfManager, ipConfig)
	mfaHandler := handlers.NewMFAHandler(mfaService)
	webauthnHandler := handlers.NewWebAuthnHandler(webauthnService)
	ssoHandler := handlers.NewSSOHandler(ssoService)
	gate := realtime.NewGate(tokenManager, userRepo, logger, cfg.Server.Env, cfg.Server.AllowedOrigins)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, cfg.Server.Env))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(middlewareCustom.RateLimitByIP(middlewareCustom.DefaultAPIRateLimit()))
	router.Use(middlewareCustom.CSRFProtection(csrfManager, ipConfig, routes.CSRFExemptPaths(), logger))

	healthCheck := func(w http.ResponseWriter, r *http.Request) {
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
	}

	routes.RegisterRoutes(router, authHandler, mfaHandler, webauthnHandler, ssoHandler, gate, tokenManager, healthCheck)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
