package sseutil

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func collect(t *testing.T, input string) []Event {
	t.Helper()
	r := NewReader(strings.NewReader(input))
	var events []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		events = append(events, ev)
	}
}

func TestReaderEvents(t *testing.T) {
	t.Parallel()

	input := "event: message_start\ndata: {\"a\":1}\n\n" +
		"event: ping\ndata: {}\n\n" +
		"event: message_stop\ndata: {\"b\":2}\n\n"
	events := collect(t, input)

	want := []Event{
		{Name: "message_start", Data: `{"a":1}`},
		{Name: "ping", Data: "{}"},
		{Name: "message_stop", Data: `{"b":2}`},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestReaderDataOnly(t *testing.T) {
	t.Parallel()

	events := collect(t, "data: one\n\ndata: two\n\n")
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Name != "" || events[0].Data != "one" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Data != "two" {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestReaderMultiLineData(t *testing.T) {
	t.Parallel()

	events := collect(t, "event: doc\ndata: line1\ndata: line2\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Data != "line1\nline2" {
		t.Errorf("data = %q", events[0].Data)
	}
}

func TestReaderSkipsCommentsAndUnknownFields(t *testing.T) {
	t.Parallel()

	input := ": keepalive\nretry: 3000\nid: 7\nevent: e\ndata: d\n\n: trailing\n"
	events := collect(t, input)
	if len(events) != 1 || events[0] != (Event{Name: "e", Data: "d"}) {
		t.Errorf("events = %v", events)
	}
}

func TestReaderUnterminatedFinalEvent(t *testing.T) {
	t.Parallel()

	events := collect(t, "event: last\ndata: payload")
	if len(events) != 1 || events[0].Data != "payload" {
		t.Fatalf("events = %v", events)
	}

	// Reader stays at EOF afterwards.
	r := NewReader(strings.NewReader("data: x"))
	if _, err := r.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("second Next err = %v, want EOF", err)
	}
}

func TestReaderEmptyStream(t *testing.T) {
	t.Parallel()

	r := NewReader(strings.NewReader(""))
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestReaderValueWithColon(t *testing.T) {
	t.Parallel()

	events := collect(t, "data: {\"url\":\"https://example.com\"}\n\n")
	if len(events) != 1 || events[0].Data != `{"url":"https://example.com"}` {
		t.Errorf("events = %v", events)
	}
}

func TestScannerLongLine(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 50*1024)
	s := NewScanner(strings.NewReader("data: " + long + "\n"))
	if !s.Scan() {
		t.Fatalf("scan failed: %v", s.Err())
	}
	if got := len(s.Text()); got != len("data: ")+len(long) {
		t.Errorf("line length = %d", got)
	}
}
