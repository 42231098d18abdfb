// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gemini-tunnel/internal/client"
	"gemini-tunnel/internal/config"
	"gemini-tunnel/internal/model"
)

// APIKeyHeader carries the Gemini API key, both inbound and upstream.
const APIKeyHeader = "x-goog-api-key"

const defaultContentType = "application/json"

var (
	// ErrUnauthenticated is returned when neither the request nor the config supplies an API key.
	ErrUnauthenticated = errors.New("API key not found: send it in the x-goog-api-key header or set GEMINI_API_KEY")
	// ErrUpstreamTimeout is returned when the upstream call exceeds its deadline.
	ErrUpstreamTimeout = errors.New("timeout while requesting Gemini API")
	// ErrUpstreamUnreachable is returned for transport-level failures reaching the upstream.
	ErrUpstreamUnreachable = errors.New("error while requesting Gemini API")
)

// statusByError maps each error kind to its HTTP status. Anything else is a 500.
var statusByError = []struct {
	err    error
	status int
}{
	{ErrUnauthenticated, http.StatusUnauthorized},
	{ErrUpstreamTimeout, http.StatusGatewayTimeout},
	{ErrUpstreamUnreachable, http.StatusBadGateway},
}

// StatusCode returns the HTTP status for an error returned by ResolveCredential or Forward.
func StatusCode(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// hopByHopHeaders are connection-scoped and re-generated by the server when
// the response is written back.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.GeminiClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Gemini.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gemini base_url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("gemini base_url %q has no host", cfg.Gemini.BaseURL)
	}

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// ResolveCredential picks the API key for a request. A non-empty
// x-goog-api-key header always wins; otherwise the configured fallback key
// is used. With neither, ErrUnauthenticated is returned and no upstream call
// may be made.
func (s *ProxyService) ResolveCredential(header http.Header) (model.Credential, error) {
	if key := header.Get(APIKeyHeader); key != "" {
		return model.Credential{Key: key, Source: model.SourceHeader}, nil
	}
	if s.cfg.Gemini.APIKey != "" {
		return model.Credential{Key: s.cfg.Gemini.APIKey, Source: model.SourceEnv}, nil
	}
	return model.Credential{Source: model.SourceUnknown}, ErrUnauthenticated
}

// Forward sends an InboundRequest to the upstream Gemini API with the given
// credential and returns the response. The caller is responsible for closing
// the response body.
//
// Errors wrap ErrUpstreamTimeout or ErrUpstreamUnreachable; nothing is retried.
func (s *ProxyService) Forward(ir *model.InboundRequest, cred model.Credential) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(ir.Suffix, ir.RawQuery)
	header := s.buildRequestHeaders(ir.Header, cred)

	s.logger.Debug("forwarding request",
		"method", ir.Method,
		"path", ir.Path(),
	)

	resp, err := s.client.DoStream(ir.Ctx, ir.Method, upstreamURL, header, bytes.NewReader(ir.Body))
	if err != nil {
		return nil, classify(err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// classify wraps a client error in the matching error kind. The underlying
// error text is kept for diagnostics.
func classify(err error) error {
	switch {
	case client.IsTimeout(err):
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: client disconnected: %w", ErrUpstreamUnreachable, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
}

// buildUpstreamURL joins the base URL, the fixed prefix and the escaped
// suffix. The raw query is appended untouched so parameter order and
// encoding survive.
func (s *ProxyService) buildUpstreamURL(suffix, rawQuery string) string {
	var b strings.Builder
	b.WriteString(s.baseURL.Scheme)
	b.WriteString("://")
	b.WriteString(s.baseURL.Host)
	b.WriteString(strings.TrimSuffix(s.baseURL.EscapedPath(), "/"))
	b.WriteString(model.Prefix)
	b.WriteString(suffix)
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}

// buildRequestHeaders returns exactly the credential and content type.
// Nothing else from the inbound request is forwarded.
func (s *ProxyService) buildRequestHeaders(src http.Header, cred model.Credential) http.Header {
	contentType := src.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	dst := make(http.Header, 3)
	dst.Set(APIKeyHeader, cred.Key)
	dst.Set("Content-Type", contentType)
	// A present-but-empty User-Agent stops net/http from adding its default.
	dst["User-Agent"] = []string{""}
	return dst
}

// filterResponseHeaders copies every upstream header except hop-by-hop ones.
func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}
	return dst
}
