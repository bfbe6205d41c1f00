package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/skald-systems/openai-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// livenessBody is what the upstream API server answers on its root path.
// Clients probe it to tell a live gateway from a dead one, so the body is
// kept byte-identical.
const livenessBody = "OpenAI API Server is running"

// HealthHandler serves liveness and status endpoints. No credential is
// required for any of them.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Liveness answers GET / and GET /health.
func (h *HealthHandler) Liveness(c echo.Context) error {
	return c.String(http.StatusOK, livenessBody)
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
	})
}
