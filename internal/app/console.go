package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/sundayezeilo/linkconsole/internal/config"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
	"github.com/sundayezeilo/linkconsole/internal/session"
)

// ErrNoCredentials is returned when a command needs a signed-in session and no
// credentials are configured.
var ErrNoCredentials = errors.New("not signed in: set LINK_EMAIL and LINK_PASSWORD")

// Console holds one console session and the configuration it was built from.
type Console struct {
	Config  *config.Config
	Logger  *slog.Logger
	Session *session.Session
}

// NewConsole loads configuration and opens a signed-out session. Logs go to
// logOut so command output stays clean.
func NewConsole(logOut io.Writer) (*Console, error) {
	if err := loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return NewConsoleWithConfig(cfg, setupLogger(cfg.App.LogLevel, logOut))
}

// NewConsoleWithConfig opens a signed-out session from an already loaded
// configuration.
func NewConsoleWithConfig(cfg *config.Config, logger *slog.Logger) (*Console, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sess, err := session.New(session.Config{
		Client: linkapi.ClientConfig{
			BaseURL: cfg.Client.BaseURL,
			Timeout: cfg.Client.RequestTimeout,
			Limiter: rate.NewLimiter(rate.Limit(cfg.Client.RateLimit), cfg.Client.RateBurst),
			Logger:  logger,
		},
		ListPageLimit:    cfg.Poller.PageLimit,
		TargetsPageLimit: cfg.Poller.TargetsPageLimit,
		Logger:           logger,
		OnListError: func(err error) {
			logger.Warn("list refresh failed", "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	logger.Debug("session opened", "base_url", cfg.Client.BaseURL, "env", cfg.App.Environment)

	return &Console{Config: cfg, Logger: logger, Session: sess}, nil
}

// SignIn logs in with the configured credentials.
func (c *Console) SignIn(ctx context.Context) (*linkapi.User, error) {
	if !c.Config.Client.HasCredentials() {
		return nil, ErrNoCredentials
	}

	res, err := c.Session.Login(ctx, linkapi.Credentials{
		Email:    c.Config.Client.Email,
		Password: c.Config.Client.Password,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("login failed: %s", res.Error)
	}
	return res.User, nil
}

// Close signs out and stops all background work.
func (c *Console) Close(ctx context.Context) error {
	return c.Session.Close(ctx)
}
