package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/skald-systems/openai-proxy-go/internal/metrics"
	"github.com/skald-systems/openai-proxy-go/internal/model"
	"github.com/skald-systems/openai-proxy-go/internal/route"
	"github.com/skald-systems/openai-proxy-go/internal/service"
)

// bearerPattern matches bearer tokens in error messages so they never reach
// logs or response bodies.
var bearerPattern = regexp.MustCompile(`(?i)(Bearer\s+)[^\s"&]+`)

// ProxyHandler terminates every forwarding route: it builds the proxy request
// from the Echo context, hands it to the Forwarder, and relays the upstream
// response back to the caller.
type ProxyHandler struct {
	forwarder *service.Forwarder
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. m may be nil to disable metrics.
func NewProxyHandler(fwd *service.Forwarder, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		forwarder: fwd,
		logger:    logger.With("component", "proxy_handler"),
		metrics:   m,
	}
}

// Handle returns the echo handler for one route table entry. The entry is
// bound at registration time so the handler knows its forwarding mode and
// operation without re-matching the path.
func (h *ProxyHandler) Handle(entry route.Entry) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		pr := &model.ProxyRequest{
			Method:   req.Method,
			Path:     req.URL.Path,
			RawQuery: req.URL.RawQuery,
			Header:   req.Header,
			Body:     req.Body,
		}

		resp, err := h.forwarder.Forward(req.Context(), entry, pr)
		if err != nil {
			return h.mapError(c, entry, err)
		}
		defer func() { _ = resp.Body.Close() }()

		res := c.Response()
		for key, vals := range resp.Header {
			for _, v := range vals {
				res.Header().Add(key, v)
			}
		}
		if service.IsEventStream(resp.Header) {
			// Keep intermediaries (nginx et al.) from buffering the event stream.
			res.Header().Set("X-Accel-Buffering", "no")
		}
		res.WriteHeader(resp.StatusCode)

		written, err := service.Relay(res, res, resp.Body)
		if h.metrics != nil {
			h.metrics.RelayBytes.WithLabelValues(metrics.DirectionResponse).Add(float64(written))
		}
		if err != nil {
			// The status line is already on the wire, so a clean error
			// response is no longer possible. Abort the connection instead
			// of ending the body as if the stream had completed.
			h.logger.Error("relay upstream body",
				"err", sanitizeError(err),
				"operation", entry.Operation,
				"written", written,
			)
			panic(http.ErrAbortHandler)
		}

		return nil
	}
}

func (h *ProxyHandler) mapError(c echo.Context, entry route.Entry, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"operation", entry.Operation,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, model.ErrMissingCredential) {
		return c.JSON(http.StatusUnauthorized, model.NewErrorResponse(
			model.ErrMissingCredential.Error(),
			model.ErrTypeAuthentication, "missing_authorization"))
	}

	var malformed *model.MalformedRequestError
	if errors.As(err, &malformed) {
		return c.JSON(http.StatusBadRequest, model.NewErrorResponse(
			malformed.Error(), model.ErrTypeInvalidRequest, ""))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, model.NewErrorResponse(
			"upstream request timed out", model.ErrTypeGatewayTimeout, ""))
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, model.NewErrorResponse(
			"client disconnected", model.ErrTypeBadGateway, ""))
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, model.NewErrorResponse(
			"upstream host unreachable", model.ErrTypeBadGateway, ""))
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, model.NewErrorResponse(
			"upstream unreachable", model.ErrTypeBadGateway, ""))
	}

	return c.JSON(http.StatusBadGateway, model.NewErrorResponse(
		"upstream request failed", model.ErrTypeBadGateway, ""))
}

// sanitizeError redacts bearer tokens from error messages that may embed the
// original request headers or URL.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
