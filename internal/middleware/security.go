package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the inbound request and sets X-Content-Type-Options on responses that
// do not already carry it. Frame options are left to the proxied sites.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			res := c.Response()
			// Headers are flushed by the first write, so set them just before it.
			res.Before(func() {
				if res.Header().Get(echo.HeaderXContentTypeOptions) == "" {
					res.Header().Set(echo.HeaderXContentTypeOptions, "nosniff")
				}
			})

			return next(c)
		}
	}
}
