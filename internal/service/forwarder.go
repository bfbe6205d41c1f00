// Package service implements the core proxy forwarding logic: credential
// extraction, header filtering, multipart re-encoding, and the relay of
// upstream bodies back to callers.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/skald-systems/openai-proxy-go/internal/client"
	"github.com/skald-systems/openai-proxy-go/internal/config"
	"github.com/skald-systems/openai-proxy-go/internal/model"
	"github.com/skald-systems/openai-proxy-go/internal/route"
)

// forwardableRequestHeaders are the only request headers forwarded upstream.
// Authorization is set separately from the extracted credential, never
// copied through.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Content-Type",
	"Content-Length",
	"OpenAI-Organization",
	"OpenAI-Project",
	"OpenAI-Beta",
}

// forwardableResponseHeaders are the only response headers forwarded to the
// caller, besides the openai-* and x-ratelimit-* prefixed ones.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":        true,
	"Content-Length":      true,
	"Content-Encoding":    true,
	"Content-Disposition": true,
	"Cache-Control":       true,
	"Date":                true,
	"ETag":                true,
	"Expires":             true,
	"Last-Modified":       true,
	"Location":            true,
	"Retry-After":         true,
	"Vary":                true,
	"X-Request-Id":        true,
}

const (
	userAgent = "openai-proxy-go/1.0"

	// assistantsBeta is injected on beta-family routes unless the caller
	// sent an OpenAI-Beta header of their own.
	assistantsBeta = "assistants=v2"
)

// ExtractCredential returns the bearer token from the Authorization header.
// The scheme is case-insensitive and the token is trimmed of surrounding
// whitespace; an absent header, wrong scheme, or empty token fails with
// ErrMissingCredential. The token value is never logged.
func ExtractCredential(header http.Header) (string, error) {
	auth := header.Get("Authorization")
	if auth == "" {
		return "", model.ErrMissingCredential
	}
	const scheme = "bearer "
	if len(auth) < len(scheme) || !strings.EqualFold(auth[:len(scheme)], scheme) {
		return "", model.ErrMissingCredential
	}
	token := strings.TrimSpace(auth[len(scheme):])
	if token == "" {
		return "", model.ErrMissingCredential
	}
	return token, nil
}

// Forwarder carries inbound requests to the upstream API using the
// caller's own credential. It holds no per-request state.
type Forwarder struct {
	factory *client.Factory
	logger  *slog.Logger
	baseURL *url.URL
}

// NewForwarder creates a Forwarder for the configured upstream base URL.
func NewForwarder(f *client.Factory, cfg *config.Config, logger *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	return &Forwarder{
		factory: f,
		logger:  logger.With("component", "forwarder"),
		baseURL: u,
	}, nil
}

// Forward issues exactly one upstream call for the given route entry and
// returns the response with its headers already filtered. The caller owns
// the response body and must close it. Failures before the call is issued
// are ErrMissingCredential or MalformedRequestError; transport failures
// wrap the underlying error.
func (f *Forwarder) Forward(ctx context.Context, entry route.Entry, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	credential, err := ExtractCredential(pr.Header)
	if err != nil {
		return nil, err
	}

	header := f.filterRequestHeaders(pr.Header, entry.Beta)

	body := pr.Body
	if entry.Mode == route.MultipartUpload {
		upload, contentType, err := buildUploadBody(pr.Header.Get("Content-Type"), pr.Body)
		if err != nil {
			return nil, err
		}
		body = upload
		header.Set("Content-Type", contentType)
		header.Del("Content-Length")
	}

	f.logger.Debug("forwarding request",
		"method", pr.Method,
		"operation", entry.Operation,
		"mode", entry.Mode.String(),
	)

	cl := f.factory.ForCredential(credential)
	resp, err := cl.Do(ctx, pr.Method, f.upstreamURL(pr.Path, pr.RawQuery), header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// upstreamURL joins the configured base URL with the inbound path and
// forwards the query string verbatim.
func (f *Forwarder) upstreamURL(path, rawQuery string) string {
	u := *f.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = rawQuery
	return u.String()
}

func (f *Forwarder) filterRequestHeaders(src http.Header, beta bool) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if beta && dst.Get("OpenAI-Beta") == "" {
		dst.Set("OpenAI-Beta", assistantsBeta)
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		canonical := http.CanonicalHeaderKey(key)
		if forwardableResponseHeaders[canonical] || hasForwardablePrefix(canonical) {
			dst[canonical] = vals
		}
	}
	return dst
}

// hasForwardablePrefix matches the upstream's operational headers
// (openai-organization, openai-processing-ms, x-ratelimit-remaining-*, ...).
func hasForwardablePrefix(key string) bool {
	lower := strings.ToLower(key)
	return strings.HasPrefix(lower, "openai-") || strings.HasPrefix(lower, "x-ratelimit-")
}
