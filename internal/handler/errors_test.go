package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

func TestErrorHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	e.Use(echomw.Recover())
	e.GET("/too-large", func(c echo.Context) error {
		return echo.ErrStatusRequestEntityTooLarge
	})
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("database password is hunter2")
	})
	e.GET("/panic", func(c echo.Context) error {
		panic("unexpected")
	})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantDetail string
	}{
		{"not found", http.MethodGet, "/nope", http.StatusNotFound, "Not Found"},
		{"method not allowed", http.MethodPost, "/boom", http.StatusMethodNotAllowed, "Method Not Allowed"},
		{"http error", http.MethodGet, "/too-large", http.StatusRequestEntityTooLarge, "Request Entity Too Large"},
		{"plain error is generic", http.MethodGet, "/boom", http.StatusInternalServerError, internalErrorDetail},
		{"panic is generic", http.MethodGet, "/panic", http.StatusInternalServerError, internalErrorDetail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
			}
			if body["detail"] != tt.wantDetail {
				t.Errorf("detail = %q, want %q", body["detail"], tt.wantDetail)
			}
		})
	}
}

func TestErrorHandler_HeadHasNoBody(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/nope", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}
