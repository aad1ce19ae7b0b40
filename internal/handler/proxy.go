package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/shi-institute/shi-reverse-proxy/internal/model"
	"github.com/shi-institute/shi-reverse-proxy/internal/service"
)

// userinfoPattern matches the password part of credentials embedded in URLs.
var userinfoPattern = regexp.MustCompile(`(://[^:@/\s"]+:)[^@/\s"]+@`)

// ProxyHandler hands inbound requests to the router and streams the result back.
type ProxyHandler struct {
	router *service.Router
	logger *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(r *service.Router, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		router: r,
		logger: logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request through the matching route.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		URL:           inboundURL(c),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.router.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	if resp.Body == nil {
		return nil
	}

	// Headers are already sent, so a failed copy leaves the client with a
	// truncated body. Log it and move on.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
	}

	return nil
}

// inboundURL rebuilds the absolute URL the client asked for.
func inboundURL(c echo.Context) *url.URL {
	req := c.Request()
	return &url.URL{
		Scheme:   c.Scheme(),
		Host:     req.Host,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	msg := sanitizeError(err)

	if errors.Is(err, service.ErrNoRoute) {
		h.logger.Debug("no route", "path", c.Request().URL.Path)
		return c.String(http.StatusNotFound, http.StatusText(http.StatusNotFound))
	}

	h.logger.Error("proxy error",
		"err", msg,
		"path", c.Request().URL.Path,
	)
	return c.String(http.StatusInternalServerError, "Error: "+msg)
}

// sanitizeError redacts passwords from URLs embedded in error messages.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
