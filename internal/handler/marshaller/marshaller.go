// Package marshaller renders protocol frames onto the HTTP surfaces. The
// socket writes frames directly; the SSE stream and the REST endpoints
// share the helpers here so every surface emits identical shapes.
package marshaller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/meshline/ds-gateway/internal/domain/wire"
)

// WriteFrame renders one frame as a JSON response body.
func WriteFrame(w http.ResponseWriter, status int, f wire.Frame) {
	data, err := f.Encode()
	if err != nil {
		// Unreachable for well-formed frames; keep the surface JSON anyway.
		http.Error(w, `{"code":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// WriteError maps the coded error onto status and retry headers and
// renders the standard error frame as the body.
func WriteError(w http.ResponseWriter, e *wire.Error) {
	status := e.Code.HTTPStatus()
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="ds-gateway"`)
	}
	if e.RetryAfterS > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(e.RetryAfterS, 10))
	}
	WriteFrame(w, status, wire.ErrorFrame("", e))
}

// WriteJSON renders a plain DTO body for the management endpoints.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		WriteError(w, wire.Internal("response encoding failed"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// SSEFrame renders a frame as one event-stream block. The event name is
// the frame type; conv.event blocks carry the seq as the stream id, so a
// reconnecting client can read its own resume hint out of Last-Event-ID.
func SSEFrame(f wire.Frame) ([]byte, error) {
	data, err := f.Encode()
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "event: %s\n", f.T)
	if f.T == wire.TConvEvent {
		if ev, err := wire.DecodeBody[wire.ConvEvent](f); err == nil {
			fmt.Fprintf(&b, "id: %d\n", ev.Seq)
		}
	}
	// JSON escapes newlines, so the payload always fits one data line.
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes(), nil
}

// SSEComment is the keepalive line; proxies reset idle timers on it.
func SSEComment() []byte { return []byte(": keepalive\n\n") }
