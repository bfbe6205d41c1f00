// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream. Path
// carries the inbound request path with parameters already bound; RawQuery
// is forwarded verbatim.
type ProxyRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// ProxyResponse represents the upstream response to be relayed back.
// The caller owns Body and must close it.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
