package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/satriahrh/lyeria/server/adapters/journal"
	"github.com/satriahrh/lyeria/server/adapters/lyria"
	"github.com/satriahrh/lyeria/server/internal/api"
	"github.com/satriahrh/lyeria/server/internal/auth"
	"github.com/satriahrh/lyeria/server/internal/config"
	"github.com/satriahrh/lyeria/server/internal/room"
	"github.com/satriahrh/lyeria/server/internal/router"
	"github.com/satriahrh/lyeria/server/internal/telemetry"
	"github.com/satriahrh/lyeria/server/internal/websocket"
)

var version = "0.1.0-dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to optional YAML configuration file")
	flag.Parse()

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load config", zap.Error(err))
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	sentryEnabled, err := telemetry.InitSentry(cfg.SentryDSN, cfg.Environment, version, logger)
	if err != nil {
		logger.Warn("Failed to initialize Sentry", zap.Error(err))
	}
	defer sentry.Flush(telemetry.SentryFlushTimeout)

	metrics := telemetry.NewNopMetrics()
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metrics, metricsHandler, err = telemetry.NewMetrics(cfg.AppName, cfg.Environment, logger)
		if err != nil {
			logger.Fatal("Failed to initialize metrics", zap.Error(err))
		}
	}

	ctx := context.Background()

	// Initialize adapters
	events, err := journal.Open(ctx, cfg.JournalMode, cfg.JournalPath, logger)
	if err != nil {
		logger.Fatal("Failed to open control event journal", zap.Error(err))
	}
	defer events.Close()

	generator, err := lyria.NewGenerator(lyria.Config{
		UseMock:         cfg.UseMockLyria,
		APIKey:          cfg.GeminiAPIKey,
		Model:           cfg.GeminiModel,
		Endpoint:        cfg.GeminiEndpoint,
		ConnectAttempts: cfg.UpstreamConnectAttempts,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize music generator", zap.Error(err))
	}

	tokens, err := auth.NewTokenService(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to initialize token service", zap.Error(err))
	}

	// Initialize rooms and sockets
	manager := room.NewManager(room.Options{
		ReservationTTL:   cfg.ReservationTTL,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ReconnectGrace:   cfg.ReconnectGrace,
		IdleTimeout:      cfg.RoomIdleTimeout,
		DedupWindow:      cfg.DedupWindow,
		AudioQueueDepth:  cfg.AudioQueueDepth,
	}, tokens, generator, metrics, telemetry.NewFaultReporter(logger, sentryEnabled), logger)

	reaper := room.NewReaper(manager, cfg.ReaperInterval, logger)
	reaper.Start()

	hub := websocket.NewHub(router.New(events, metrics, logger), metrics, cfg.AllowedOrigins(), cfg.HeartbeatTimeout, logger)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins(),
	}))
	if sentryEnabled {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true,
			Timeout: telemetry.SentryFlushTimeout,
		}))
	}

	// Initialize API routes
	api.InitRoutes(e, manager, hub, events, api.Options{
		ServiceName:    cfg.AppName + "-server",
		PublicBaseURL:  cfg.PublicBaseURL,
		MetricsHandler: metricsHandler,
	}, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.Int("port", cfg.Port),
		zap.String("environment", cfg.Environment),
		zap.Bool("mockGenerator", cfg.UseMockLyria || cfg.GeminiAPIKey == ""),
		zap.String("journal", cfg.JournalMode))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	reaper.Stop()
	manager.CloseAll()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to shut down metrics", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(cfg config.Config) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger.With(zap.String("service", cfg.AppName))
}
