package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"gemini-tunnel/internal/model"
	"gemini-tunnel/internal/outcome"
	"gemini-tunnel/internal/service"
)

// apiKeyPattern matches key query parameter values in URLs embedded in error messages.
var apiKeyPattern = regexp.MustCompile(`(?i)([?&](?:key|api_?key)=)[^&\s"]+`)

const internalErrorDetail = "internal server error"

// outcomeRecordedKey marks a request context once its outcome is written.
const outcomeRecordedKey = "gemini_tunnel.outcome_recorded"

// ProxyHandler forwards /v1beta requests to the upstream Gemini API.
type ProxyHandler struct {
	service  *service.ProxyService
	recorder *outcome.Recorder
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, rec *outcome.Recorder, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		recorder: rec,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream Gemini API and streams the
// response back. Exactly one outcome is recorded per call, panics included.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	start := time.Now()

	out := model.Outcome{
		Method:    req.Method,
		Path:      req.URL.EscapedPath(),
		Source:    model.SourceUnknown,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}
	record := func(status int, errMsg string) {
		out.Status = status
		out.Error = errMsg
		out.Duration = time.Since(start)
		h.recordOnce(c, out)
	}
	defer func() {
		if p := recover(); p != nil {
			record(http.StatusInternalServerError, fmt.Sprintf("panic: %v", p))
			panic(p)
		}
	}()

	cred, err := h.service.ResolveCredential(req.Header)
	if err != nil {
		status := service.StatusCode(err)
		record(status, "")
		return c.JSON(status, errorBody(err.Error()))
	}
	out.Source = cred.Source

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			// Body limit hit mid-read; a client rejection like the 401 above.
			record(he.Code, "")
			return c.JSON(he.Code, errorBody(fmt.Sprint(he.Message)))
		}
		record(http.StatusBadRequest, err.Error())
		return c.JSON(http.StatusBadRequest, errorBody("failed to read request body"))
	}

	ir := &model.InboundRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Suffix:   strings.TrimPrefix(req.URL.EscapedPath(), model.Prefix),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	}

	resp, err := h.service.Forward(ir, cred)
	if err != nil {
		status, detail := mapError(err)
		record(status, sanitizeError(err))
		return c.JSON(status, errorBody(detail))
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream values replace anything middleware set earlier.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a copy failure can only truncate the body;
	// it is reported through the outcome record.
	var w io.Writer = c.Response()
	if isEventStream(resp.Header) {
		w = &flushWriter{res: c.Response()}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		record(resp.StatusCode, "streaming response body: "+sanitizeError(err))
		return nil
	}

	record(resp.StatusCode, "")
	return nil
}

// RecordRejections returns a middleware that records an outcome for
// forwarded requests rejected before Handle could record one: body limit,
// rate limit, in-flight limit, method not allowed, and panics in between.
// It must run outside those middlewares.
func (h *ProxyHandler) RecordRejections() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, model.Prefix) {
				return next(c)
			}

			start := time.Now()
			defer func() {
				if p := recover(); p != nil {
					h.recordRejection(c, start, http.StatusInternalServerError, fmt.Sprintf("panic: %v", p))
					panic(p)
				}
			}()

			err := next(c)
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					h.recordRejection(c, start, he.Code, "")
				} else {
					h.recordRejection(c, start, http.StatusInternalServerError, sanitizeError(err))
				}
			}
			return err
		}
	}
}

// recordRejection records an outcome for a request Handle never finished.
// The credential source is resolved from headers only; the key is not used.
func (h *ProxyHandler) recordRejection(c echo.Context, start time.Time, status int, errMsg string) {
	req := c.Request()
	cred, _ := h.service.ResolveCredential(req.Header)
	h.recordOnce(c, model.Outcome{
		Method:    req.Method,
		Path:      req.URL.EscapedPath(),
		Status:    status,
		Duration:  time.Since(start),
		Source:    cred.Source,
		Error:     errMsg,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	})
}

// recordOnce writes out unless an outcome was already recorded for c.
func (h *ProxyHandler) recordOnce(c echo.Context, out model.Outcome) {
	if done, _ := c.Get(outcomeRecordedKey).(bool); done {
		return
	}
	c.Set(outcomeRecordedKey, true)
	h.recorder.Record(c.Request().Context(), out)
}

// mapError turns a forwarding error into a status code and response detail.
func mapError(err error) (int, string) {
	status := service.StatusCode(err)
	switch status {
	case http.StatusGatewayTimeout:
		return status, service.ErrUpstreamTimeout.Error()
	case http.StatusBadGateway, http.StatusUnauthorized:
		return status, sanitizeError(err)
	default:
		return http.StatusInternalServerError, internalErrorDetail
	}
}

func errorBody(detail string) map[string]string {
	return map[string]string{"detail": detail}
}

// sanitizeError redacts API keys from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return apiKeyPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

// flushWriter pushes every chunk to the client so server-sent events are
// not held in the response buffer.
type flushWriter struct {
	res *echo.Response
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.res.Write(p)
	if err == nil {
		fw.res.Flush()
	}
	return n, err
}
