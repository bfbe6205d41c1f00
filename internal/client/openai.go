// Package client provides the upstream HTTP plumbing for the OpenAI API.
//
// The Factory owns the shared, credential-free connection pool. Every
// inbound request gets its own short-lived Client bound to that caller's
// bearer token; the token lives only in the Client struct and the headers
// of the single request it signs.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skald-systems/openai-proxy-go/internal/config"
	"github.com/skald-systems/openai-proxy-go/internal/metrics"
	"github.com/skald-systems/openai-proxy-go/internal/model"
)

// Factory builds per-request upstream clients over a shared transport.
type Factory struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewFactory creates a Factory with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics
// recording.
func NewFactory(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Factory {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Factory{
		httpClient: &http.Client{
			Transport: transport,
			// 0 disables the whole-request deadline so long streamed
			// completions are never cut mid-flight.
			Timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects relay to the caller verbatim instead of being
			// followed with the caller's credential.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// ForCredential returns a Client scoped to one caller's bearer token.
// The Client must not be cached, shared, or reused across requests.
func (f *Factory) ForCredential(credential string) *Client {
	return &Client{factory: f, credential: credential}
}

// Client is a short-lived upstream handle bound to a single request's
// credential.
type Client struct {
	factory    *Factory
	credential string
}

// Do executes one HTTP request against the upstream with this client's
// credential attached and returns the raw response. The caller is
// responsible for closing the response body. The context controls the
// request's lifetime: when it is canceled (client disconnect), the upstream
// call is canceled with it.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	f := c.factory

	if f.metrics != nil && body != nil && body != http.NoBody {
		body = &countingReader{r: body, c: f.metrics.RelayBytes.WithLabelValues(metrics.DirectionRequest)}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	req.Header.Set("Authorization", "Bearer "+c.credential)

	// The transport ignores the Content-Length header value and frames the
	// body from req.ContentLength; carry the caller's framing over so plain
	// JSON bodies are not re-sent as chunked.
	if cl := header.Get("Content-Length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil && n >= 0 {
			req.ContentLength = n
		}
	}

	f.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := f.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	normMethod := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if f.metrics != nil {
			f.metrics.UpstreamDuration.WithLabelValues(normMethod).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if f.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		f.metrics.UpstreamDuration.WithLabelValues(normMethod).Observe(duration)
		f.metrics.UpstreamResponses.WithLabelValues(normMethod, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// countingReader feeds the relay byte counter as the request body drains.
// It forwards Close to the wrapped reader: the transport closes req.Body on
// every path, and the multipart upload body is a pipe whose writer goroutine
// exits only when the read end closes.
type countingReader struct {
	r io.Reader
	c prometheus.Counter
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.c.Add(float64(n))
	}
	return n, err
}

func (cr *countingReader) Close() error {
	if closer, ok := cr.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
