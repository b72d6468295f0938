// Package logging configures the process logger. The installed handler
// mirrors records onto the event bus for the live log stream and keeps a
// bounded history so new subscribers can backfill.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	relay "github.com/eugener/shadowfax/internal"
)

// HistorySize is how many mirrored records the in-memory ring retains.
const HistorySize = 500

// Publisher is the slice of the event bus the handler needs.
type Publisher interface {
	PublishLog(data any)
}

// ParseLevel maps a config string onto a slog level. Unknown strings select
// info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BusHandler delegates output to a wrapped handler and mirrors records at
// info and above onto the log topic. Mirroring never blocks: the bus drops
// on slow subscribers and the ring overwrites its oldest entry.
type BusHandler struct {
	inner  slog.Handler
	mirror *mirror
	attrs  []slog.Attr
	groups []string
}

// mirror is shared across WithAttrs and WithGroup clones so every derived
// logger feeds the same ring.
type mirror struct {
	bus Publisher

	mu    sync.Mutex
	ring  []relay.LogEvent
	next  int
	count int
}

// New wraps output and bus mirroring in one handler. Format "json" selects
// JSON output, anything else logs text. The bus may be nil.
func New(w io.Writer, level slog.Level, format string, bus Publisher) *BusHandler {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return &BusHandler{
		inner:  inner,
		mirror: &mirror{bus: bus, ring: make([]relay.LogEvent, HistorySize)},
	}
}

// Setup installs a bus-mirroring handler over stdout as the process default
// and returns it so the history ring can be served.
func Setup(level, format string, bus Publisher) *BusHandler {
	h := New(os.Stdout, ParseLevel(level), format, bus)
	slog.SetDefault(slog.New(h))
	return h
}

func (h *BusHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *BusHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		h.mirror.add(h.event(r))
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs qualifies the bound attrs with the open group path so the
// mirrored flat map reads the same as nested handler output.
func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cl := *h
	cl.inner = h.inner.WithAttrs(attrs)
	if len(h.groups) > 0 {
		prefix := strings.Join(h.groups, ".") + "."
		qualified := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			qualified[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
		}
		attrs = qualified
	}
	cl.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &cl
}

func (h *BusHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cl := *h
	cl.inner = h.inner.WithGroup(name)
	cl.groups = append(append([]string(nil), h.groups...), name)
	return &cl
}

// History returns up to limit mirrored records at or above min, newest
// first. limit <= 0 means everything retained.
func (h *BusHandler) History(limit int, min slog.Level) []relay.LogEvent {
	m := h.mirror
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > m.count {
		limit = m.count
	}
	out := make([]relay.LogEvent, 0, limit)
	for i := 1; i <= m.count && len(out) < limit; i++ {
		ev := m.ring[(m.next-i+len(m.ring))%len(m.ring)]
		if ParseLevel(ev.Level) < min {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (h *BusHandler) event(r slog.Record) relay.LogEvent {
	ev := relay.LogEvent{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	n := r.NumAttrs() + len(h.attrs)
	if n == 0 {
		return ev
	}
	attrs := make(map[string]any, n)
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Resolve().Any()
		return true
	})
	ev.Attrs = attrs
	return ev
}

func (m *mirror) add(ev relay.LogEvent) {
	m.mu.Lock()
	m.ring[m.next] = ev
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.PublishLog(ev)
	}
}
