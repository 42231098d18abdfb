package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gemini-tunnel/internal/config"
	"gemini-tunnel/internal/metrics"
	"gemini-tunnel/internal/model"
)

// forwardedMethods are the methods accepted under the /v1beta prefix.
var forwardedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/health", health.Health)
	e.GET("/status", health.Status)

	e.Match(forwardedMethods, model.Prefix+"*", proxy.Handle)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
