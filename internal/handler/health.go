package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shi-institute/shi-reverse-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	router  *service.Router
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(r *service.Router, v Version) *HealthHandler {
	return &HealthHandler{router: r, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of /proxy/status.
type statusResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Routes  []service.RouteInfo `json:"routes"`
}

// Status reports the build version and the configured routes.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Routes:  h.router.Routes(),
	})
}
