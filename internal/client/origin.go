// Package client provides the outbound HTTP client used to reach origin servers.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shi-institute/shi-reverse-proxy/internal/config"
	"github.com/shi-institute/shi-reverse-proxy/internal/metrics"
	"github.com/shi-institute/shi-reverse-proxy/internal/model"
)

// OriginClient sends requests to origin servers. It never follows redirects:
// 3xx responses are returned to the caller so their Location can be rewritten.
type OriginClient struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling and a
// response header timeout. The configured User-Agent is only a fallback for
// requests that carry none.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	// The timeout bounds the wait for response headers only. Streamed bodies
	// end with the request context.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &OriginClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: cfg.Upstream.UserAgent,
		logger:    logger.With("component", "origin_client"),
		metrics:   m,
	}
}

// Do executes an HTTP request against an origin and returns the raw response.
// The request's context bounds the whole exchange, including reading the body.
// The caller is responsible for closing the response body.
func (c *OriginClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("origin request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("origin request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Status:        statusText(resp),
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

// statusText returns the reason phrase sent by the origin, e.g. "Moved Permanently".
func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text, ok := strings.CutPrefix(resp.Status, code+" "); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
