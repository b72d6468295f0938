// Package lifecycle tracks disposable resources and releases them in
// reverse registration order, so nothing is torn down before the things
// built on top of it.
package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

type entry struct {
	name string
	fn   func(context.Context) error
}

// Registry collects shutdown functions as the process wires itself up.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

func New() *Registry { return &Registry{} }

// Register adds a named shutdown function. Registration after Close is
// ignored.
func (r *Registry) Register(name string, fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.entries = append(r.entries, entry{name: name, fn: fn})
}

// RegisterCloser adapts an io.Closer.
func (r *Registry) RegisterCloser(name string, c io.Closer) {
	r.Register(name, func(context.Context) error { return c.Close() })
}

// Close runs every registered function newest-first and returns the joined
// errors. A second Close is a no-op.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.fn(ctx); err != nil {
			slog.Error("shutdown step failed", "step", e.name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
