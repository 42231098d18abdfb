package main

import (
	"context"
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

	"gemini-tunnel/internal/client"
	"gemini-tunnel/internal/config"
	"gemini-tunnel/internal/handler"
	"gemini-tunnel/internal/metrics"
	"gemini-tunnel/internal/middleware"
	"gemini-tunnel/internal/model"
	"gemini-tunnel/internal/outcome"
	"gemini-tunnel/internal/service"
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
		kong.Name("gemini-tunnel"),
		kong.Description("Transparent proxy for the Google Gemini API."),
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
			newGeminiClient,
			outcome.NewRecorder,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			handler.RegisterMetrics,
			warnConfigPermissions,
			logStartup,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Log.Level)
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

// newGeminiClient builds the shared upstream client. Its stop hook runs after
// the server has drained because fx stops hooks in reverse order.
func newGeminiClient(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *client.GeminiClient {
	c := client.NewGeminiClient(cfg, logger, m)
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			c.Close()
			logger.Info("gemini tunnel stopped")
			return nil
		},
	})
	return c
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, proxy *handler.ProxyHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so streamed generations are not cut off.
	// The upstream client timeout bounds how long a response can take.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	forwarded := middleware.ForwardedOnly(model.Prefix)

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.Metrics(m, middleware.PathSkipper(cfg.Metrics.Path)))
	}
	// Outside the limiters so their rejections still produce an outcome.
	e.Use(proxy.RecordRejections())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond, forwarded))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}
	if cfg.Server.MaxInFlight > 0 {
		e.Use(middleware.MaxInFlight(int64(cfg.Server.MaxInFlight), forwarded))
		logger.Info("in-flight limit enabled", "max", cfg.Server.MaxInFlight)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// logStartup prints the configuration summary. The fallback key is only
// reported as present or absent.
func logStartup(cfg *config.Config, logger *slog.Logger) {
	logger.Info("gemini tunnel configured",
		"version", version,
		"upstream_url", cfg.Gemini.BaseURL,
		"fallback_key_configured", cfg.Gemini.HasFallbackKey(),
		"upstream_timeout", cfg.Upstream.Timeout().String(),
		"config_file", cfg.FilePath(),
	)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
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
