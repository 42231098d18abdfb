package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"gemini-tunnel/internal/config"
)

// ServiceName identifies the proxy in health responses.
const ServiceName = "gemini-tunnel"

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Health reports liveness. It never touches the upstream or requires a key.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":                  "ok",
		"version":                 string(h.version),
		"upstream_url":            h.cfg.Gemini.BaseURL,
		"fallback_key_configured": strconv.FormatBool(h.cfg.Gemini.HasFallbackKey()),
	})
}
