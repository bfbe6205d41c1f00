package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skald-systems/openai-proxy-go/internal/config"
	"github.com/skald-systems/openai-proxy-go/internal/metrics"
	"github.com/skald-systems/openai-proxy-go/internal/model"
	"github.com/skald-systems/openai-proxy-go/internal/route"
)

// RegisterRoutes wires the forwarding table and the operational endpoints
// onto the Echo instance. Echo resolves static segments before parameters,
// so /v1/threads/runs wins over /v1/threads/:thread_id.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	for _, entry := range route.Table() {
		if entry.Operation == route.Liveness {
			e.Add(entry.Method, entry.Path, health.Liveness)
			continue
		}
		e.Add(entry.Method, entry.Path, proxy.Handle(entry))
	}

	e.GET("/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}

// ErrorHandler returns the echo HTTPErrorHandler that renders every error
// echo raises itself (unknown route, wrong method, body limit) in the same
// JSON envelope the upstream API uses. A known path hit with the wrong
// method reads the same as an unknown path: both are "no such route".
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := model.NewErrorResponse("internal proxy error", model.ErrTypeInternal, "")

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			switch status {
			case http.StatusNotFound, http.StatusMethodNotAllowed:
				status = http.StatusNotFound
				body = model.NewErrorResponse(
					fmt.Sprintf("%s: %s %s", model.ErrUnsupportedRoute, c.Request().Method, c.Request().URL.Path),
					model.ErrTypeNotFound, "route_not_found")
			case http.StatusRequestEntityTooLarge:
				body = model.NewErrorResponse(
					"request body exceeds the configured limit",
					model.ErrTypeInvalidRequest, "body_too_large")
			default:
				errType := model.ErrTypeInvalidRequest
				if status >= http.StatusInternalServerError {
					errType = model.ErrTypeInternal
				}
				body = model.NewErrorResponse(fmt.Sprintf("%v", he.Message), errType, "")
			}
		}

		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				"err", sanitizeError(err),
				"status", status,
				"path", c.Request().URL.Path,
			)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error("write error response", "err", writeErr)
		}
	}
}
