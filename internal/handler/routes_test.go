package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"gemini-tunnel/internal/client"
	"gemini-tunnel/internal/config"
	"gemini-tunnel/internal/metrics"
	"gemini-tunnel/internal/outcome"
	"gemini-tunnel/internal/service"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Gemini: config.GeminiConfig{APIKey: "test-key", BaseURL: upstream.URL},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gc := client.NewGeminiClient(cfg, logger, nil)
	defer gc.Close()
	svc, err := service.NewProxyService(gc, cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	proxy := NewProxyHandler(svc, outcome.NewRecorder(logger, nil), logger)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	RegisterRoutes(e, proxy, health)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /health", http.MethodGet, "/health", http.StatusOK},
		{"GET /status", http.MethodGet, "/status", http.StatusOK},
		{"GET /v1beta/models", http.MethodGet, "/v1beta/models?pageSize=1", http.StatusOK},
		{"POST generateContent", http.MethodPost, "/v1beta/models/gemini-pro:generateContent", http.StatusOK},
		{"PUT /v1beta/x", http.MethodPut, "/v1beta/x", http.StatusOK},
		{"DELETE /v1beta/files/abc", http.MethodDelete, "/v1beta/files/abc", http.StatusOK},
		{"PATCH /v1beta/cachedContents/abc", http.MethodPatch, "/v1beta/cachedContents/abc", http.StatusOK},
		{"HEAD /v1beta/models not forwarded", http.MethodHead, "/v1beta/models", http.StatusMethodNotAllowed},
		{"POST /health not allowed", http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{"GET /v1/models returns 404", http.MethodGet, "/v1/models", http.StatusNotFound},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterMetrics(t *testing.T) {
	m := metrics.New()
	m.ForwardOutcomes.WithLabelValues("200", "env").Inc()

	tests := []struct {
		name       string
		cfg        config.MetricsConfig
		path       string
		wantStatus int
	}{
		{"enabled default path", config.MetricsConfig{Enabled: true, Path: "/metrics"}, "/metrics", http.StatusOK},
		{"enabled custom path", config.MetricsConfig{Enabled: true, Path: "/internal/prom"}, "/internal/prom", http.StatusOK},
		{"disabled", config.MetricsConfig{Enabled: false, Path: "/metrics"}, "/metrics", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			RegisterMetrics(e, &config.Config{Metrics: tt.cfg}, m)

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && !strings.Contains(rec.Body.String(), "gemini_tunnel_forward_outcomes_total") {
				t.Error("expected gemini_tunnel_forward_outcomes_total in exposition")
			}
		})
	}
}
