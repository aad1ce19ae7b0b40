package handler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shi-institute/shi-reverse-proxy/internal/client"
	"github.com/shi-institute/shi-reverse-proxy/internal/config"
	"github.com/shi-institute/shi-reverse-proxy/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig routes /site/* to origin and redirects /old to /site/new.
func testConfig(origin string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 10},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Redirects: map[string]string{
			"/old": "/site/new",
		},
		Routes: []config.RouteConfig{
			{
				Name:     "site",
				Prefixes: []string{"/site"},
				Origin:   origin,
			},
		},
	}
}

func newTestRouter(t *testing.T, cfg *config.Config) *service.Router {
	t.Helper()
	oc := client.NewOriginClient(cfg, testLogger(), nil)
	r, err := service.NewRouter(cfg, oc, nil, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return r
}
