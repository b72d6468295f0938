package sseutil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer emits server-sent events over an http.ResponseWriter, flushing
// after every frame.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewWriter sets SSE response headers and returns a Writer. It fails when
// the ResponseWriter cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, f: f}, nil
}

// Connected writes the initial handshake frame.
func (w *Writer) Connected() error {
	return w.Event("connected", []byte("ok"))
}

// Event writes one named event frame.
func (w *Writer) Event(name string, data []byte) error {
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}

// Data marshals v and writes it as an unnamed data frame.
func (w *Writer) Data(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", b); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}

// Comment writes a keepalive comment frame.
func (w *Writer) Comment(s string) error {
	if _, err := fmt.Fprintf(w.w, ": %s\n\n", s); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}
