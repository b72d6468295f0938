package server

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/events"
	"github.com/eugener/shadowfax/internal/logging"
	"github.com/eugener/shadowfax/internal/strategy"
	"github.com/eugener/shadowfax/internal/testutil"
)

// sseLines pumps the stream's lines into a channel so reads can time out.
func sseLines(t *testing.T, body io.Reader) <-chan string {
	t.Helper()
	ch := make(chan string, 32)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(body)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// nextLine returns the next non-blank line or fails the test after 2s.
func nextLine(t *testing.T, ch <-chan string) string {
	t.Helper()
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				t.Fatal("stream closed before expected line")
			}
			if line == "" {
				continue
			}
			return line
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for stream line")
		}
	}
}

func TestRequestStreamDelivery(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/requests/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	// Closing the body cancels the request context, which lets the handler
	// return before srv.Close waits for it.
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	lines := sseLines(t, resp.Body)
	if got := nextLine(t, lines); got != "event: connected" {
		t.Fatalf("first line = %q, want %q", got, "event: connected")
	}
	if got := nextLine(t, lines); got != "data: ok" {
		t.Fatalf("second line = %q, want %q", got, "data: ok")
	}

	// The connected frame is written after the subscription is registered,
	// so publishing now is race-free.
	ts.bus.PublishRequest(relay.EventSummary, relay.RequestSummaryEvent{
		RequestRecord: relay.RequestRecord{ID: "req-9", Success: true},
	})

	if got := nextLine(t, lines); got != "event: summary" {
		t.Fatalf("event line = %q, want %q", got, "event: summary")
	}
	data := nextLine(t, lines)
	if !strings.HasPrefix(data, "data: ") || !strings.Contains(data, "req-9") {
		t.Fatalf("data line = %q, want summary payload with req-9", data)
	}
}

func TestLogStreamDelivery(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/logs/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	lines := sseLines(t, resp.Body)
	if got := nextLine(t, lines); got != "event: connected" {
		t.Fatalf("first line = %q, want %q", got, "event: connected")
	}
	nextLine(t, lines) // data: ok

	ts.bus.PublishLog(relay.LogEvent{Level: "INFO", Message: "upstream selected"})

	if got := nextLine(t, lines); got != "event: log" {
		t.Fatalf("event line = %q, want %q", got, "event: log")
	}
	if data := nextLine(t, lines); !strings.Contains(data, "upstream selected") {
		t.Fatalf("data line = %q, want log message", data)
	}
}

func TestStreamSubscriberLimit(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	for range events.MaxSubscribers {
		_, cancel, err := ts.bus.Subscribe(relay.TopicRequests)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		t.Cleanup(cancel)
	}

	// Subscribe fails before any stream bytes are written, so a plain
	// recorder suffices.
	rec := ts.do(http.MethodGet, "/api/requests/stream", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "overloaded_error") {
		t.Errorf("body should carry overloaded_error, got: %s", rec.Body.String())
	}
}

func TestLogHistory(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore()
	keyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		t.Fatalf("NewAPIKeyAuth: %v", err)
	}
	logs := logging.New(io.Discard, slog.LevelInfo, "text", nil)
	logger := slog.New(logs)
	logger.Info("first")
	logger.Warn("second")
	logger.Error("third")

	h := New(Deps{
		Store:           store,
		Auth:            keyAuth,
		Proxy:           http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}),
		Strategies:      strategy.NewRegistry(store, strategy.Options{}),
		Bus:             events.NewBus(nil),
		Logs:            logs,
		DefaultStrategy: relay.StrategySession,
	})

	get := func(target string) logHistoryResponse {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", target, rec.Code)
		}
		var resp logHistoryResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	resp := get("/api/logs/history?limit=2")
	if resp.Count != 2 || len(resp.Logs) != 2 {
		t.Fatalf("count = %d, logs = %d, want 2 each", resp.Count, len(resp.Logs))
	}
	if resp.Logs[0].Message != "third" || resp.Logs[1].Message != "second" {
		t.Errorf("logs = [%q %q], want newest first", resp.Logs[0].Message, resp.Logs[1].Message)
	}

	resp = get("/api/logs/history?level=error")
	if resp.Count != 1 || resp.Logs[0].Message != "third" {
		t.Errorf("error filter: count = %d, logs = %+v", resp.Count, resp.Logs)
	}
}

func TestLogHistoryWithoutHandler(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t) // Logs nil

	rec := ts.do(http.MethodGet, "/api/logs/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp logHistoryResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 0 || len(resp.Logs) != 0 {
		t.Errorf("resp = %+v, want empty history", resp)
	}
}
