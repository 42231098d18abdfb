package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"gemini-tunnel/internal/metrics"
)

// Metrics returns an Echo middleware that records Prometheus metrics for each
// inbound request. Requests for which skipper returns true are not recorded.
func Metrics(m *metrics.Metrics, skipper echomw.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = echomw.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			status := strconv.Itoa(responseStatus(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// PathSkipper skips requests for exactly the given path.
func PathSkipper(path string) echomw.Skipper {
	return func(c echo.Context) bool {
		return c.Request().URL.Path == path
	}
}

// responseStatus resolves the status a request will finish with. When a
// handler returns an *echo.HTTPError the response has not been written yet;
// Echo's central error handler writes it after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
