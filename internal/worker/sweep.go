package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/shadowfax/internal/ratelimit"
)

const sweepInterval = 30 * time.Second

// SessionStore prunes expired PKCE login sessions.
type SessionStore interface {
	DeleteExpiredOAuthSessions(ctx context.Context, now time.Time) (int64, error)
}

// SweepWorker returns rate-limited accounts to rotation once their windows
// elapse and prunes stale OAuth login sessions on the same cadence.
type SweepWorker struct {
	tracker  *ratelimit.Tracker
	sessions SessionStore
}

// NewSweepWorker creates a SweepWorker.
func NewSweepWorker(tracker *ratelimit.Tracker, sessions SessionStore) *SweepWorker {
	return &SweepWorker{tracker: tracker, sessions: sessions}
}

// Name returns the worker identifier.
func (w *SweepWorker) Name() string { return "ratelimit_sweep" }

// Run sweeps every 30 seconds until ctx is cancelled.
func (w *SweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *SweepWorker) sweep(ctx context.Context) {
	now := time.Now()
	if _, err := w.tracker.SweepExpired(ctx, now); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rate limit sweep failed",
			slog.String("error", err.Error()),
		)
	}
	n, err := w.sessions.DeleteExpiredOAuthSessions(ctx, now)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "oauth session prune failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		slog.Debug("expired oauth sessions pruned", "sessions", n)
	}
}
