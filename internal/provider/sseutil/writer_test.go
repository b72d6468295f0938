package sseutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type noFlush struct{ http.ResponseWriter }

func TestNewWriterHeaders(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q", got)
	}

	if err := w.Connected(); err != nil {
		t.Fatalf("Connected: %v", err)
	}
	if got := rec.Body.String(); got != "event: connected\ndata: ok\n\n" {
		t.Errorf("handshake frame = %q", got)
	}
	if !rec.Flushed {
		t.Error("frame not flushed")
	}
}

func TestNewWriterRequiresFlusher(t *testing.T) {
	t.Parallel()

	if _, err := NewWriter(noFlush{httptest.NewRecorder()}); err == nil {
		t.Fatal("expected error for non-flushing writer")
	}
}

func TestWriterFrames(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := w.Event("summary", []byte(`{"id":"r1"}`)); err != nil {
		t.Fatalf("Event: %v", err)
	}
	if err := w.Data(map[string]int{"n": 3}); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if err := w.Comment("ping"); err != nil {
		t.Fatalf("Comment: %v", err)
	}

	want := "event: summary\ndata: {\"id\":\"r1\"}\n\n" +
		"data: {\"n\":3}\n\n" +
		": ping\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("frames = %q, want %q", got, want)
	}
}
