package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRateLimit_Enabled(t *testing.T) {
	e := echo.New()

	// 1 request per second, burst of 1; the second request should be rejected.
	e.Use(RateLimit(1, nil))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	got429 := false
	for range 10 {
		req = httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected at least one 429 response after burst, got none")
	}
}

func TestRateLimit_SkipsHealth(t *testing.T) {
	e := echo.New()
	e.Use(RateLimit(1, ForwardedOnly("/v1beta/")))
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := range 10 {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}
}

func TestForwardedOnly(t *testing.T) {
	skip := ForwardedOnly("/v1beta/")
	e := echo.New()

	tests := []struct {
		path string
		want bool
	}{
		{"/v1beta/models", false},
		{"/v1beta/", false},
		{"/v1beta", true},
		{"/health", true},
		{"/", true},
		{"/metrics", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, tt.path, http.NoBody), httptest.NewRecorder())
			if got := skip(c); got != tt.want {
				t.Errorf("skip(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}
