package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorHandler renders router and middleware errors (404, 405, 413, 429,
// recovered panics) with the same {"detail": ...} body the proxy uses.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "http_error")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		detail := internalErrorDetail
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if code != http.StatusInternalServerError {
				detail = fmt.Sprint(he.Message)
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", "err", err, "path", c.Request().URL.Path)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, errorBody(detail))
		}
		if werr != nil {
			logger.Error("writing error response", "err", werr)
		}
	}
}
