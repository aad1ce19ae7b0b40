package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github.com/shi-institute/shi-reverse-proxy/internal/client"
	"github.com/shi-institute/shi-reverse-proxy/internal/config"
	"github.com/shi-institute/shi-reverse-proxy/internal/handler"
	"github.com/shi-institute/shi-reverse-proxy/internal/metrics"
	"github.com/shi-institute/shi-reverse-proxy/internal/middleware"
	"github.com/shi-institute/shi-reverse-proxy/internal/navigation"
	"github.com/shi-institute/shi-reverse-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("shi-proxy"),
		kong.Description("Content-rewriting reverse proxy for the Sustainability Institute sites."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			client.NewOriginClient,
			newNavigation,
			newRouter,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newNavigation returns nil when navigation is disabled.
func newNavigation(cfg *config.Config, oc *client.OriginClient, logger *slog.Logger, m *metrics.Metrics) *navigation.Fetcher {
	f := navigation.NewFetcher(cfg, oc, logger, m)
	if f != nil {
		logger.Info("navigation enabled", "base_url", cfg.Navigation.BaseURL)
	}
	return f
}

func newRouter(cfg *config.Config, oc *client.OriginClient, nav *navigation.Fetcher, logger *slog.Logger, m *metrics.Metrics) (*service.Router, error) {
	var renderer service.Renderer
	if nav != nil {
		renderer = nav
	}
	return service.NewRouter(cfg, oc, renderer, logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0 so large binary bodies can stream; the origin
	// client timeout bounds each exchange instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, newPathLabeler(cfg)))
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// newPathLabeler labels metrics by route prefix and the proxy's own endpoints.
func newPathLabeler(cfg *config.Config) *metrics.PathLabeler {
	prefixes := []string{"/healthz", "/proxy/status", "/custom-elements", cfg.Metrics.Path}
	for _, r := range cfg.Routes {
		prefixes = append(prefixes, r.Prefixes...)
	}
	return metrics.NewPathLabeler(prefixes...)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"routes", len(cfg.Routes),
				"development", cfg.Server.Development,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
