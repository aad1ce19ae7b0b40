package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shi-institute/shi-reverse-proxy/internal/config"
	"github.com/shi-institute/shi-reverse-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Everything
// not claimed by the proxy's own endpoints goes to the catch-all proxy route.
// The metrics parameter is optional.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	if cfg.Server.StaticDir != "" {
		e.Static("/custom-elements", cfg.Server.StaticDir)
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}
