// Package route defines the static forwarding table for the upstream API.
// The table is built once at package init and is read-only afterwards;
// concurrent readers need no synchronization.
package route

import (
	"fmt"
	"net/http"
)

// ForwardingMode selects how the forwarder treats a route's request body
// and upstream response.
type ForwardingMode int

const (
	// JSONEcho relays the request body as-is and returns the complete
	// upstream response.
	JSONEcho ForwardingMode = iota
	// Streaming relays the upstream response incrementally when the caller
	// asked for a streamed completion.
	Streaming
	// MultipartUpload decomposes the inbound multipart form and re-encodes
	// the file and purpose fields upstream.
	MultipartUpload
	// BinaryDownload relays a raw upstream byte stream (file content).
	BinaryDownload
	// NoBody serves a fixed local response without contacting the upstream.
	NoBody
)

func (m ForwardingMode) String() string {
	switch m {
	case JSONEcho:
		return "json"
	case Streaming:
		return "streaming"
	case MultipartUpload:
		return "multipart"
	case BinaryDownload:
		return "binary"
	case NoBody:
		return "none"
	default:
		return "unknown"
	}
}

// Entry binds one (method, path template) pair to its forwarding behavior.
// Path uses echo-style :param placeholders; static segments win over
// parameters during matching, so /v1/threads/runs is never captured by
// /v1/threads/:thread_id.
type Entry struct {
	Method    string
	Path      string
	Mode      ForwardingMode
	Operation string
	Beta      bool
}

// Liveness is the Operation of the two health routes, which short-circuit
// without credential or upstream call.
const Liveness = "liveness"

var table = buildTable()

// Table returns the route table. Callers must treat it as read-only.
func Table() []Entry {
	return table
}

func buildTable() []Entry {
	entries := []Entry{
		{http.MethodGet, "/", NoBody, Liveness, false},
		{http.MethodGet, "/health", NoBody, Liveness, false},

		{http.MethodPost, "/v1/chat/completions", Streaming, "create-chat-completion", false},
		{http.MethodPost, "/v1/completions", Streaming, "create-completion", false},

		{http.MethodPost, "/v1/embeddings", JSONEcho, "create-embedding", false},

		{http.MethodGet, "/v1/models", JSONEcho, "list-models", false},
		{http.MethodGet, "/v1/models/:model_id", JSONEcho, "get-model", false},

		{http.MethodPost, "/v1/images/generations", JSONEcho, "create-image", false},

		{http.MethodPost, "/v1/assistants", JSONEcho, "create-assistant", true},
		{http.MethodGet, "/v1/assistants", JSONEcho, "list-assistants", true},
		{http.MethodGet, "/v1/assistants/:assistant_id", JSONEcho, "get-assistant", true},
		{http.MethodPost, "/v1/assistants/:assistant_id", JSONEcho, "modify-assistant", true},
		{http.MethodDelete, "/v1/assistants/:assistant_id", JSONEcho, "delete-assistant", true},

		{http.MethodPost, "/v1/threads", JSONEcho, "create-thread", true},
		{http.MethodGet, "/v1/threads/:thread_id", JSONEcho, "get-thread", true},
		{http.MethodPost, "/v1/threads/:thread_id", JSONEcho, "modify-thread", true},
		{http.MethodDelete, "/v1/threads/:thread_id", JSONEcho, "delete-thread", true},

		{http.MethodPost, "/v1/threads/:thread_id/messages", JSONEcho, "create-message", true},
		{http.MethodGet, "/v1/threads/:thread_id/messages", JSONEcho, "list-messages", true},
		{http.MethodGet, "/v1/threads/:thread_id/messages/:message_id", JSONEcho, "get-message", true},
		{http.MethodPost, "/v1/threads/:thread_id/messages/:message_id", JSONEcho, "modify-message", true},

		// The literal "runs" segment must stay classifiable next to the
		// :thread_id parameter one level up.
		{http.MethodPost, "/v1/threads/runs", JSONEcho, "create-thread-and-run", true},
		{http.MethodPost, "/v1/threads/:thread_id/runs", JSONEcho, "create-run", true},
		{http.MethodGet, "/v1/threads/:thread_id/runs", JSONEcho, "list-runs", true},
		{http.MethodGet, "/v1/threads/:thread_id/runs/:run_id", JSONEcho, "get-run", true},
		{http.MethodPost, "/v1/threads/:thread_id/runs/:run_id", JSONEcho, "modify-run", true},
		{http.MethodPost, "/v1/threads/:thread_id/runs/:run_id/cancel", JSONEcho, "cancel-run", true},
		{http.MethodPost, "/v1/threads/:thread_id/runs/:run_id/submit_tool_outputs", JSONEcho, "submit-tool-outputs", true},

		{http.MethodPost, "/v1/files", MultipartUpload, "upload-file", false},
		{http.MethodGet, "/v1/files", JSONEcho, "list-files", false},
		{http.MethodGet, "/v1/files/:file_id", JSONEcho, "get-file", false},
		{http.MethodDelete, "/v1/files/:file_id", JSONEcho, "delete-file", false},
		{http.MethodGet, "/v1/files/:file_id/content", BinaryDownload, "download-file", false},

		{http.MethodPost, "/v1/responses", Streaming, "create-response", false},
		{http.MethodGet, "/v1/responses/:response_id", JSONEcho, "get-response", false},
		{http.MethodDelete, "/v1/responses/:response_id", JSONEcho, "delete-response", false},
		{http.MethodPost, "/v1/responses/:response_id/cancel", JSONEcho, "cancel-response", false},
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		key := e.Method + " " + e.Path
		if _, dup := seen[key]; dup {
			panic(fmt.Sprintf("route: duplicate table entry %s", key))
		}
		seen[key] = struct{}{}
	}
	return entries
}
