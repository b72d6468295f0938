package provider

import (
	"io"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/provider/sseutil"
)

// frameBuffer bounds the tee between response forwarding and usage parsing.
// Forwarding never waits on the parser; overflow loses accounting, not bytes.
const frameBuffer = 256

// usageState accumulates token accounting from Anthropic-style SSE events.
// Anthropic reports output_tokens cumulatively, so each message_delta
// overwrites rather than adds.
type usageState struct {
	usage    relay.Usage
	model    string
	stop     string
	errMsg   string
	complete bool
}

func (s *usageState) handle(event, data string) {
	switch event {
	case "message_start":
		r := gjson.Parse(data)
		s.model = r.Get("message.model").String()
		s.usage.InputTokens = r.Get("message.usage.input_tokens").Int()
		s.usage.CacheReadInputTokens = r.Get("message.usage.cache_read_input_tokens").Int()
		s.usage.CacheCreationInputTokens = r.Get("message.usage.cache_creation_input_tokens").Int()
		s.usage.OutputTokens = r.Get("message.usage.output_tokens").Int()
	case "message_delta":
		r := gjson.Parse(data)
		if v := r.Get("usage.output_tokens"); v.Exists() {
			s.usage.OutputTokens = v.Int()
		}
		if v := r.Get("delta.stop_reason"); v.Exists() && v.String() != "" {
			s.stop = v.String()
		}
	case "message_stop":
		s.complete = true
	case "error":
		s.errMsg = gjson.Get(data, "error.message").String()
	}
}

// UsageScan parses usage out of a streamed response body without slowing the
// byte path. The forwarding loop Writes each chunk; a goroutine reassembles
// SSE events and feeds the state machine. Call Finish after the last Write,
// then wait on Done before reading results.
type UsageScan struct {
	frames  chan []byte
	done    chan struct{}
	dropped int64

	state usageState
}

// NewUsageScan starts the parser goroutine.
func NewUsageScan() *UsageScan {
	s := &UsageScan{
		frames: make(chan []byte, frameBuffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Write hands a copy of p to the parser. It never blocks: when the parser
// lags behind frameBuffer chunks the frame is dropped and counted.
func (s *UsageScan) Write(p []byte) (int, error) {
	frame := make([]byte, len(p))
	copy(frame, p)
	select {
	case s.frames <- frame:
	default:
		s.dropped++
	}
	return len(p), nil
}

// Finish signals end of stream.
func (s *UsageScan) Finish() { close(s.frames) }

// Done is closed once the parser has consumed the stream.
func (s *UsageScan) Done() <-chan struct{} { return s.done }

func (s *UsageScan) run() {
	defer close(s.done)
	rd := sseutil.NewReader(&frameReader{frames: s.frames})
	for {
		ev, err := rd.Next()
		if err != nil {
			return
		}
		name := ev.Name
		if name == "" {
			// Some upstreams omit the event line; the payload type field
			// carries the same information.
			name = gjson.Get(ev.Data, "type").String()
		}
		s.state.handle(name, ev.Data)
	}
}

// Results below are valid only after Done.

// Usage returns the accumulated token counts.
func (s *UsageScan) Usage() relay.Usage { return s.state.usage }

// Model returns the model the upstream reported in message_start.
func (s *UsageScan) Model() string { return s.state.model }

// StopReason returns the final stop reason, if any.
func (s *UsageScan) StopReason() string { return s.state.stop }

// ErrorMessage returns the message of a mid-stream error event, if any.
func (s *UsageScan) ErrorMessage() string { return s.state.errMsg }

// Complete reports whether a message_stop event arrived.
func (s *UsageScan) Complete() bool { return s.state.complete }

// Dropped returns how many chunks the parser missed.
func (s *UsageScan) Dropped() int64 { return s.dropped }

// frameReader adapts the frame channel into an io.Reader for the scanner.
type frameReader struct {
	frames chan []byte
	buf    []byte
}

func (r *frameReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		frame, ok := <-r.frames
		if !ok {
			return 0, io.EOF
		}
		r.buf = frame
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// ParseUsageBody extracts usage, model, and stop reason from a non-streamed
// Anthropic-style response body.
func ParseUsageBody(body []byte) (relay.Usage, string, string) {
	r := gjson.ParseBytes(body)
	u := relay.Usage{
		InputTokens:              r.Get("usage.input_tokens").Int(),
		OutputTokens:             r.Get("usage.output_tokens").Int(),
		CacheReadInputTokens:     r.Get("usage.cache_read_input_tokens").Int(),
		CacheCreationInputTokens: r.Get("usage.cache_creation_input_tokens").Int(),
	}
	return u, r.Get("model").String(), r.Get("stop_reason").String()
}
