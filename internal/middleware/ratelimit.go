package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/shi-institute/shi-reverse-proxy/internal/config"
)

// RateLimiter returns a per-IP token bucket limiter. Requests over the limit
// get a plain-text 429, matching the proxy's other error bodies.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.String(http.StatusForbidden, "Error: could not identify client")
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.String(http.StatusTooManyRequests, "Error: rate limit exceeded")
		},
	})
}
