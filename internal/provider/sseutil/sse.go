// Package sseutil reads and writes server-sent event streams.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// NewScanner returns a bufio.Scanner sized for SSE lines.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// Event is one server-sent event assembled from consecutive field lines.
type Event struct {
	Name string
	Data string
}

// Reader assembles events from an SSE byte stream. Comment lines and unknown
// fields are skipped; multi-line data is joined with newlines per the SSE
// dispatch rules.
type Reader struct {
	s    *bufio.Scanner
	done bool
}

// NewReader wraps r in an event reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{s: NewScanner(r)}
}

// Next returns the next complete event. It returns io.EOF when the stream
// ends; an event left unterminated by the final blank line is still returned.
func (r *Reader) Next() (Event, error) {
	if r.done {
		return Event{}, io.EOF
	}

	var ev Event
	var haveData bool
	for r.s.Scan() {
		line := r.s.Text()
		if line == "" {
			if haveData {
				return ev, nil
			}
			ev = Event{}
			continue
		}
		if line[0] == ':' {
			continue
		}
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		val = strings.TrimPrefix(val, " ")
		switch key {
		case "event":
			ev.Name = val
		case "data":
			if haveData {
				ev.Data += "\n" + val
			} else {
				ev.Data = val
				haveData = true
			}
		}
	}

	r.done = true
	if err := r.s.Err(); err != nil {
		return Event{}, err
	}
	if haveData {
		return ev, nil
	}
	return Event{}, io.EOF
}
