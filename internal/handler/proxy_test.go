package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/skald-systems/openai-proxy-go/internal/client"
	"github.com/skald-systems/openai-proxy-go/internal/config"
	"github.com/skald-systems/openai-proxy-go/internal/model"
	"github.com/skald-systems/openai-proxy-go/internal/route"
	"github.com/skald-systems/openai-proxy-go/internal/service"
)

func testHandler(t *testing.T, upstreamURL string) *ProxyHandler {
	t.Helper()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         upstreamURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fwd, err := service.NewForwarder(client.NewFactory(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	return NewProxyHandler(fwd, logger, nil)
}

func entryFor(t *testing.T, method, path string) route.Entry {
	t.Helper()
	for _, e := range route.Table() {
		if e.Method == method && e.Path == path {
			return e
		}
	}
	t.Fatalf("no route table entry for %s %s", method, path)
	return route.Entry{}
}

func TestProxyHandler_Handle_ForwardsCredential(t *testing.T) {
	const reqBody = `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	const respBody = `{"id":"chatcmpl-1","choices":[]}`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test-123" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer sk-test-123")
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/v1/chat/completions")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != reqBody {
			t.Errorf("upstream body = %q, want %q", body, reqBody)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(respBody))
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer sk-test-123")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(entryFor(t, http.MethodPost, "/v1/chat/completions"))(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != respBody {
		t.Errorf("body = %q, want %q", got, respBody)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
}

func TestProxyHandler_Handle_MissingCredential(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(entryFor(t, http.MethodGet, "/v1/models"))(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if called {
		t.Error("upstream was called without a credential")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	var body model.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error.Type != model.ErrTypeAuthentication {
		t.Errorf("error.type = %q, want %q", body.Error.Type, model.ErrTypeAuthentication)
	}
	if body.Error.Message != "missing or malformed Authorization header" {
		t.Errorf("error.message = %q, want %q", body.Error.Message, "missing or malformed Authorization header")
	}
	if strings.Contains(rec.Body.String(), "Bearer") {
		t.Errorf("401 body must not mention a bearer line: %s", rec.Body.String())
	}
}

func TestProxyHandler_Handle_UpstreamErrorPassthrough(t *testing.T) {
	const errBody = `{"error":{"message":"Rate limit reached","type":"rate_limit_error","code":"rate_limit_exceeded"}}`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "20")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(errBody))
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{"input":"x"}`))
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(entryFor(t, http.MethodPost, "/v1/embeddings"))(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Body.String(); got != errBody {
		t.Errorf("body = %q, want byte-identical upstream body %q", got, errBody)
	}
	if got := rec.Header().Get("Retry-After"); got != "20" {
		t.Errorf("Retry-After = %q, want %q", got, "20")
	}
}

func TestProxyHandler_Handle_StreamOrder(t *testing.T) {
	chunks := []string{"data: chunk-A\n\n", "data: chunk-B\n\n", "data: [DONE]\n\n"}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, ch := range chunks {
			_, _ = w.Write([]byte(ch))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	req.Header.Set("Authorization", "Bearer sk-test")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(entryFor(t, http.MethodPost, "/v1/chat/completions"))(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got, want := rec.Body.String(), strings.Join(chunks, ""); got != want {
		t.Errorf("relayed stream = %q, want chunks in order %q", got, want)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", got, "text/event-stream")
	}
	if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering = %q, want %q", got, "no")
	}
}

func TestProxyHandler_Handle_BinaryDownload(t *testing.T) {
	payload := []byte{0x1f, 0x8b, 0x00, 0xff, 0x42, 0x00, 0x13, 0x37}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/files/file-abc/content" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/v1/files/file-abc/content")
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="batch_output.jsonl"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/files/file-abc/content", http.NoBody)
	req.Header.Set("Authorization", "Bearer sk-test")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(entryFor(t, http.MethodGet, "/v1/files/:file_id/content"))(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "batch_output.jsonl") {
		t.Errorf("Content-Disposition = %q, want filename passthrough", rec.Header().Get("Content-Disposition"))
	}
	if got := rec.Body.Bytes(); string(got) != string(payload) {
		t.Errorf("body = %x, want %x", got, payload)
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	req.Header.Set("Authorization", "Bearer sk-test")
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(entryFor(t, http.MethodGet, "/v1/models"))(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestProxyHandler_Handle_AbortsOnTruncatedUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Promise more bytes than we send so the client sees a mid-body EOF.
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	req.Header.Set("Authorization", "Bearer sk-test")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("recover() = %v, want http.ErrAbortHandler", r)
		}
		if got := rec.Body.String(); got != "partial" {
			t.Errorf("body before abort = %q, want %q", got, "partial")
		}
	}()
	_ = h.Handle(entryFor(t, http.MethodGet, "/v1/models"))(c)
	t.Fatal("expected panic on truncated upstream body")
}

func TestProxyHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantMsg    string
	}{
		{
			name:       "missing credential",
			err:        model.ErrMissingCredential,
			wantStatus: http.StatusUnauthorized,
			wantType:   model.ErrTypeAuthentication,
			wantMsg:    "missing or malformed Authorization header",
		},
		{
			name:       "malformed multipart",
			err:        &model.MalformedRequestError{Reason: "multipart form has no file part"},
			wantStatus: http.StatusBadRequest,
			wantType:   model.ErrTypeInvalidRequest,
			wantMsg:    "malformed request: multipart form has no file part",
		},
		{
			name:       "deadline exceeded",
			err:        fmt.Errorf("do upstream request: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantType:   model.ErrTypeGatewayTimeout,
			wantMsg:    "upstream request timed out",
		},
		{
			name:       "client disconnected",
			err:        fmt.Errorf("do upstream request: %w", context.Canceled),
			wantStatus: http.StatusBadGateway,
			wantType:   model.ErrTypeBadGateway,
			wantMsg:    "client disconnected",
		},
		{
			name:       "dns failure",
			err:        fmt.Errorf("do upstream request: %w", &net.DNSError{Err: "no such host", Name: "api.openai.com"}),
			wantStatus: http.StatusBadGateway,
			wantType:   model.ErrTypeBadGateway,
			wantMsg:    "upstream host unreachable",
		},
		{
			name:       "connection refused",
			err:        fmt.Errorf("do upstream request: %w", &url.Error{Op: "Post", URL: "https://api.openai.com/v1/chat/completions", Err: errors.New("connection refused")}),
			wantStatus: http.StatusBadGateway,
			wantType:   model.ErrTypeBadGateway,
			wantMsg:    "upstream unreachable",
		},
		{
			name:       "unclassified",
			err:        errors.New("boom"),
			wantStatus: http.StatusBadGateway,
			wantType:   model.ErrTypeBadGateway,
			wantMsg:    "upstream request failed",
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}
	entry := route.Entry{Operation: "create-chat-completion"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.mapError(c, entry, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body model.ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Error.Type != tt.wantType {
				t.Errorf("error.type = %q, want %q", body.Error.Type, tt.wantType)
			}
			if body.Error.Message != tt.wantMsg {
				t.Errorf("error.message = %q, want %q", body.Error.Message, tt.wantMsg)
			}
		})
	}
}

func TestProxyHandler_ErrorResponseLeaksNoCredential(t *testing.T) {
	const credential = "sk-proj-supersecret42"

	h := testHandler(t, "http://127.0.0.1:1") // nothing listens here

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+credential)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(entryFor(t, http.MethodGet, "/v1/models"))(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if strings.Contains(rec.Body.String(), credential) {
		t.Errorf("credential leaked into error response: %s", rec.Body.String())
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts bearer token",
			err:  `request rejected: Authorization: Bearer sk-proj-abc123XYZ`,
			want: `request rejected: Authorization: Bearer [REDACTED]`,
		},
		{
			name: "redacts lowercase bearer",
			err:  `invalid header "bearer sk-live-999"`,
			want: `invalid header "bearer [REDACTED]"`,
		},
		{
			name: "no token unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(fmt.Errorf("%s", tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
