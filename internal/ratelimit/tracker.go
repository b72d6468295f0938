package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Repo is the slice of the store the tracker needs.
type Repo interface {
	SetRateLimit(ctx context.Context, id string, until *time.Time, status string, reset *time.Time, remaining *int64) error
	ClearExpiredRateLimits(ctx context.Context, now time.Time) (int64, error)
}

// Tracker persists observed rate-limit windows and clears them once elapsed.
type Tracker struct {
	repo    Repo
	metrics *telemetry.Metrics
}

// NewTracker wires a Tracker over the given repository. Metrics may be nil.
func NewTracker(repo Repo, m *telemetry.Metrics) *Tracker {
	return &Tracker{repo: repo, metrics: m}
}

// MarkLimited records the window a limited response announces for the account,
// taking it out of rotation until the window ends, and returns that moment.
// The account's in-memory fields are updated to match the persisted state. The
// reset column is only written when the provider announced a concrete reset,
// not when the default cooldown applied.
func (t *Tracker) MarkLimited(ctx context.Context, a *relay.Account, resp *http.Response, body []byte) (time.Time, error) {
	until, announced := resetTime(resp.Header, body, time.Now())
	status := limitStatus(resp.Header)
	rem := remaining(resp.Header)

	var reset *time.Time
	if announced {
		reset = &until
	}
	if err := t.repo.SetRateLimit(ctx, a.ID, &until, status, reset, rem); err != nil {
		return time.Time{}, err
	}
	a.RateLimitedUntil = &until
	a.RateLimitStatus = status
	a.RateLimitReset = reset
	a.RateLimitRemaining = rem

	slog.Warn("account rate limited",
		"account", a.Name,
		"status", status,
		"until", until.UTC().Format(time.RFC3339),
	)
	if t.metrics != nil {
		t.metrics.RateLimitMarks.WithLabelValues(a.Name).Inc()
	}
	return until, nil
}

// SweepExpired clears windows that have elapsed, returning how many accounts
// came back into rotation.
func (t *Tracker) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := t.repo.ClearExpiredRateLimits(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("rate limit windows cleared", "accounts", n)
	}
	return n, nil
}
