// Package middleware provides Echo middleware for logging, metrics and request bounds.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// quietPaths are logged at debug level; probes hit them constantly.
var quietPaths = map[string]bool{
	"/health": true,
}

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "access")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := responseStatus(c, err)

			level := slog.LevelInfo
			if quietPaths[req.URL.Path] {
				level = slog.LevelDebug
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
