package service

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// relayBufferSize bounds the hand-off between an upstream read and the
// caller write. The loop is synchronous, so a slow caller backpressures
// the upstream read instead of growing a queue.
const relayBufferSize = 32 * 1024

// Relay copies src to w in bounded chunks, flushing after every write so
// streamed responses reach the caller as they arrive, in order. It returns
// the bytes written and the first error from either side. A write error
// means the caller went away; the upstream read is abandoned to its owner
// for cleanup (closing the body cancels it).
func Relay(w io.Writer, flusher http.Flusher, src io.Reader) (int64, error) {
	buf := make([]byte, relayBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, fmt.Errorf("write to caller: %w", werr)
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read upstream stream: %w", rerr)
		}
	}
}

// IsEventStream reports whether a response Content-Type announces
// server-sent events; those responses must never sit in proxy buffers.
func IsEventStream(header http.Header) bool {
	return strings.Contains(strings.ToLower(header.Get("Content-Type")), "text/event-stream")
}
