package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/sundayezeilo/linkconsole/internal/config"
	"github.com/sundayezeilo/linkconsole/internal/server"
	"github.com/sundayezeilo/linkconsole/internal/stubapi"
)

// App holds the stub API dependencies and configuration.
type App struct {
	Config  *config.StubConfig
	Logger  *slog.Logger
	Store   *stubapi.Store
	Server  *server.Server
	Handler *stubapi.Handler
}

// New initializes and returns a new App instance with all dependencies wired up.
func New(ctx context.Context) (*App, error) {
	if err := loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg, err := config.LoadStub()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.App.LogLevel, os.Stdout)

	logger.Info("starting application",
		"env", cfg.App.Environment,
		"backup_retention", cfg.BackupRetention.String(),
	)

	a, err := NewWithConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("application initialized",
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
	)
	return a, nil
}

// NewWithConfig wires the stub API from an already loaded configuration.
func NewWithConfig(cfg *config.StubConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store := stubapi.NewStore(stubapi.StoreConfig{
		BackupRetention: cfg.BackupRetention,
		ShortURLBase:    cfg.Server.BaseURL,
	})

	sessions, err := stubapi.NewSessions(stubapi.SessionsConfig{
		Secret: cfg.JWTSecret,
		TTL:    cfg.SessionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session issuer: %w", err)
	}

	handler := stubapi.NewHandler(stubapi.HandlerConfig{
		Store:        store,
		Sessions:     sessions,
		Logger:       logger,
		SecureCookie: cfg.App.Environment == "production",
	})

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Server:  server.New(cfg, logger, handler),
		Handler: handler,
	}, nil
}

// Start starts the application server.
func (a *App) Start(ctx context.Context) error {
	a.Logger.Info("server starting",
		"port", a.Config.Server.Port,
		"base_url", a.Config.Server.BaseURL,
	)

	if err := a.Server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown releases application resources.
func (a *App) Shutdown() error {
	a.Logger.Info("shutting down application")
	return nil
}

// loadEnv loads .env file only in non-production environments.
func loadEnv() error {
	env := os.Getenv("APP_ENV")
	if env == "" || env == "development" || env == "test" {
		if err := godotenv.Load(); err != nil {
			log.Println("no .env file found.")
		}
	}
	return nil
}

// setupLogger creates a structured logger based on the log level.
func setupLogger(level string, w io.Writer) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewJSONHandler(w, opts)
	return slog.New(handler)
}
