// Package client provides the upstream HTTP client for the Gemini API.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"gemini-tunnel/internal/config"
	"gemini-tunnel/internal/metrics"
	"gemini-tunnel/internal/model"
)

// GeminiClient sends requests to the upstream Gemini API. It is built once
// at startup and shared by all request handlers; http.Client and its
// transport are safe for concurrent use.
type GeminiClient struct {
	httpClient *http.Client
	transport  *http.Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewGeminiClient creates a GeminiClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewGeminiClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *GeminiClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		// Keeps Accept-Encoding off the wire and the upstream body untouched.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &GeminiClient{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport,
				otelhttp.WithTracerProvider(otel.GetTracerProvider()),
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "gemini " + r.Method
				}),
			),
			Timeout: cfg.Upstream.Timeout(),
			// Redirects go back to the caller as-is. The API key must never
			// reach the redirect target.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport: transport,
		logger:    logger.With("component", "gemini_client"),
		metrics:   m,
	}
}

// do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *GeminiClient) do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(method, errorKind(err)).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *GeminiClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	return c.do(req)
}

// Close releases pooled upstream connections. In-flight requests are not
// interrupted; they finish on their own connections.
func (c *GeminiClient) Close() {
	c.transport.CloseIdleConnections()
	c.logger.Debug("upstream connection pool released")
}

// IsTimeout reports whether err came from the request exceeding its
// deadline, either the client timeout or a context deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func errorKind(err error) string {
	switch {
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}
