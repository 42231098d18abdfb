package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/semaphore"
)

// ErrTooManyInFlight is returned when the in-flight limit is reached.
var ErrTooManyInFlight = echo.NewHTTPError(http.StatusServiceUnavailable, "too many requests in flight")

// MaxInFlight returns an Echo middleware that admits at most n concurrent
// requests. Requests over the limit are rejected immediately with 503;
// nothing is queued. Requests for which skipper returns true are not counted.
func MaxInFlight(n int64, skipper echomw.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = echomw.DefaultSkipper
	}
	sem := semaphore.NewWeighted(n)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}
			if !sem.TryAcquire(1) {
				return ErrTooManyInFlight
			}
			defer sem.Release(1)
			return next(c)
		}
	}
}
