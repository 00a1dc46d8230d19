package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/totpgate/internal/auth"
	"github.com/BradenHooton/totpgate/internal/background"
	"github.com/BradenHooton/totpgate/internal/config"
	"github.com/BradenHooton/totpgate/internal/database"
	"github.com/BradenHooton/totpgate/internal/handlers"
	middlewareCustom "github.com/BradenHooton/totpgate/internal/middleware"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/internal/repositories"
	"github.com/BradenHooton/totpgate/internal/routes"
	"github.com/BradenHooton/totpgate/internal/services"
	"github.com/BradenHooton/totpgate/internal/web"
	pkghttp "github.com/BradenHooton/totpgate/pkg/http"
	pkglogger "github.com/BradenHooton/totpgate/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
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

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("store", cfg.Store.Backend),
		pkglogger.RedactedAttr("redis_addr", cfg.Store.RedisAddr, cfg.Server.Env),
		slog.Bool("database", cfg.Database.Enabled),
	)

	healthChecks := map[string]handlers.HealthCheck{}

	// Rate-limit and session stores
	var (
		rateLimitStore repositories.RateLimitStore
		sessionStore   repositories.SessionStore
		memorySessions *repositories.MemorySessionRepository
		redisClient    *redis.Client
	)
	switch cfg.Store.Backend {
	case "redis":
		redisClient, err = database.NewRedisClient(&cfg.Store, logger)
		if err != nil {
			logger.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer redisClient.Close()

		rateLimitStore = repositories.NewRedisRateLimitRepository(redisClient, cfg.RateLimit.MaxLockoutDuration+cfg.RateLimit.Retention)
		sessionStore = repositories.NewRedisSessionRepository(redisClient)
		healthChecks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	default:
		rateLimitStore = repositories.NewMemoryRateLimitRepository()
		memorySessions = repositories.NewMemorySessionRepository()
		sessionStore = memorySessions
	}

	// Security log store: Postgres when enabled, JSON file otherwise
	var logStore repositories.SecurityLogStore
	if cfg.Database.Enabled {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := database.Migrate(migrateCtx, &cfg.Database, logger)
		cancel()
		if err != nil {
			logger.Error("failed to migrate database", slog.Any("error", err))
			os.Exit(1)
		}

		db, err := database.NewConnection(&cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()

		logStore = repositories.NewPostgresSecurityLogRepository(db, cfg.SecurityLog.MaxEntries)
		healthChecks["database"] = db.HealthCheck
	} else {
		fileStore, err := repositories.NewFileSecurityLogRepository(cfg.SecurityLog.File, cfg.SecurityLog.MaxEntries)
		if err != nil {
			logger.Error("failed to open security log", slog.Any("error", err))
			os.Exit(1)
		}
		logStore = fileStore
	}

	// TOTP secret and session cookie signing
	totpManager := auth.NewTOTPManager(cfg.TOTP.Issuer, models.DefaultUser, cfg.TOTP.Skew)
	secrets, err := auth.NewSecretProvider(auth.SecretProviderConfig{
		EnvSecret: cfg.TOTP.Secret,
		FilePath:  cfg.TOTP.SecretFile,
		Cipher:    auth.NewSecretCipher(cfg.TOTP.EncryptionKey),
	}, totpManager, logger)
	if err != nil {
		logger.Error("failed to load TOTP secret", slog.Any("error", err))
		os.Exit(1)
	}

	tokenManager, err := auth.NewTokenManager(cfg.Session.Secret, cfg.TOTP.Issuer)
	if err != nil {
		logger.Error("failed to initialize session signing", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Session.Secret == "" {
		logger.Warn("SESSION_SECRET not set, sessions will not survive a restart")
	}

	// Security logging and notifications
	locations := services.NewLocationService(services.LocationConfig{
		Enabled:  cfg.Location.Enabled,
		Token:    cfg.Location.Token,
		BaseURL:  cfg.Location.BaseURL,
		Timeout:  cfg.Location.Timeout,
		CacheTTL: cfg.Location.CacheTTL,
	}, logger)
	securityLog := services.NewSecurityLogService(logStore, locations, services.SecurityLogConfig{
		Retention: cfg.SecurityLog.Retention,
	}, logger)

	channels, err := notificationChannels(cfg.Notifications, logger)
	if err != nil {
		logger.Error("failed to initialize notifications", slog.Any("error", err))
		os.Exit(1)
	}
	notifications := services.NewNotificationManager(cfg.Notifications, cfg.TOTP.ServiceName, channels, logger)
	events := services.NewEventPipeline(securityLog, notifications, logger)

	// Core services
	rateLimiter := services.NewRateLimitService(rateLimitStore, services.RateLimitConfig{
		MaxAttempts:        cfg.RateLimit.MaxAttempts,
		LockoutDuration:    cfg.RateLimit.LockoutDuration,
		ProgressiveLockout: cfg.RateLimit.ProgressiveLockout,
		MaxLockoutDuration: cfg.RateLimit.MaxLockoutDuration,
		Retention:          cfg.RateLimit.Retention,
	}, logger)

	monitor := auth.SessionMonitor{
		MaxAge:      cfg.Session.MaxAge,
		WarningTime: cfg.Session.WarningTime,
		ExtendTime:  cfg.Session.ExtendTime,
	}
	sessions := services.NewSessionService(sessionStore, monitor, events, logger)

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.RateLimit.BaseDelayMs,
		RandomDelayMs: cfg.RateLimit.RandomDelayMs,
	})
	gate := services.NewGateService(totpManager, secrets, rateLimiter, sessions, events, timingDelay, logger)

	// Handlers
	pages, err := web.NewPages()
	if err != nil {
		logger.Error("failed to parse page templates", slog.Any("error", err))
		os.Exit(1)
	}

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	cookies := auth.CookieConfig{
		Domain:   cfg.Session.CookieDomain,
		Secure:   cfg.Session.CookieSecure,
		SameSite: "strict",
	}

	authHandler := handlers.NewAuthHandler(gate, sessions, rateLimiter, tokenManager, pages, handlers.AuthOptions{
		ServiceName:   cfg.TOTP.ServiceName,
		Cookies:       cookies,
		IPConfig:      ipConfig,
		CheckInterval: cfg.Session.CheckInterval,
	}, logger)
	setupHandler := handlers.NewSetupHandler(secrets, totpManager, cfg.Server.SetupEnabled, cfg.TOTP.ServiceName, pages, logger)
	adminHandler := handlers.NewAdminHandler(handlers.AdminDeps{
		Secrets:       secrets,
		Provisioner:   totpManager,
		Limiter:       rateLimiter,
		Logs:          securityLog,
		Notifications: notifications,
		Locations:     locations,
		Events:        events,
	}, ipConfig, logger)
	healthHandler := handlers.NewHealthHandler(healthChecks)

	if cfg.Server.SetupEnabled {
		logger.Warn("setup page enabled, disable SETUP_ENABLED after enrolling your authenticator")
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, routes.Handlers{
		Auth:   authHandler,
		Setup:  setupHandler,
		Admin:  adminHandler,
		Health: healthHandler,
	}, routes.SessionDeps{
		Tokens:   tokenManager,
		Resolver: sessions,
		Cookies:  cookies,
		IPConfig: ipConfig,
	}, middlewareCustom.FloodConfig{
		RequestsPerMinute: cfg.Server.LoginFloodLimit,
		IPConfig:          ipConfig,
	}, logger)

	// Background sweeps
	tasks := []background.Task{
		{Name: "rate_limits", Interval: cfg.RateLimit.CleanupInterval, Sweep: background.Counted(rateLimiter.Sweep)},
		{Name: "sessions", Interval: cfg.Session.SweepInterval, Sweep: background.Counted(sessions.Sweep)},
		{Name: "security_log", Interval: cfg.SecurityLog.CleanupInterval, Sweep: securityLog.Cleanup},
	}
	if memorySessions != nil {
		tasks = append(tasks, background.Task{
			Name:     "session_store",
			Interval: cfg.Session.SweepInterval,
			Sweep: background.Counted(func(ctx context.Context, _ time.Time) int {
				return memorySessions.Evict(ctx)
			}),
		})
	}
	cleanupManager := background.NewCleanupManager(logger, tasks...)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup tasks
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server",
			slog.String("addr", server.Addr),
			slog.String("service", cfg.TOTP.ServiceName),
		)
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	// Let queued security events and notifications finish
	gate.Wait()

	logger.Info("server stopped gracefully")
}

// notificationChannels builds the delivery channels in fan-out order.
// Disabled channels are still registered so they can be validated.
func notificationChannels(cfg config.NotificationConfig, logger *slog.Logger) ([]services.NotificationChannel, error) {
	channels := []services.NotificationChannel{
		services.NewTelegramNotifier(cfg.Telegram, logger),
		services.NewSMTPNotifier(cfg.Email, logger),
		services.NewSendGridNotifier(cfg.SendGrid, logger),
	}

	if cfg.SES.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ses, err := services.NewSESNotifier(ctx, cfg.SES, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SES: %w", err)
		}
		channels = append(channels, ses)
	}

	return channels, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
