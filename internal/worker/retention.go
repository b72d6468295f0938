package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
)

const retentionInterval = time.Hour

// RetentionStore is the persistence slice retention needs.
type RetentionStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	CleanupOldRequests(ctx context.Context, payloadAge, requestAge *time.Duration) (storage.CleanupResult, error)
}

// RetentionWorker applies the retention windows once an hour. Settings rows
// override the configured defaults at every tick, so changes made over the
// management API take effect without a restart.
type RetentionWorker struct {
	store       RetentionStore
	payloadDays int
	requestDays int
}

// NewRetentionWorker creates a RetentionWorker with the configured default
// windows in days.
func NewRetentionWorker(store RetentionStore, payloadDays, requestDays int) *RetentionWorker {
	return &RetentionWorker{store: store, payloadDays: payloadDays, requestDays: requestDays}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "retention" }

// Run applies retention hourly until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *RetentionWorker) cleanup(ctx context.Context) {
	payloadAge := w.age(ctx, relay.SettingRetentionPayloadDays, w.payloadDays)
	requestAge := w.age(ctx, relay.SettingRetentionRequestDays, w.requestDays)
	if payloadAge == nil && requestAge == nil {
		return
	}

	res, err := w.store.CleanupOldRequests(ctx, payloadAge, requestAge)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retention cleanup failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if res.RemovedRequests > 0 || res.RemovedPayloads > 0 {
		slog.Info("retention applied",
			"requests", res.RemovedRequests, "payloads", res.RemovedPayloads)
	}
}

// age resolves one retention class to a cutoff age. Zero or negative days
// disable the class.
func (w *RetentionWorker) age(ctx context.Context, key string, days int) *time.Duration {
	v, err := w.store.GetSetting(ctx, key)
	switch {
	case err == nil:
		if n, perr := strconv.Atoi(strings.TrimSpace(v)); perr == nil {
			days = n
		}
	case !errors.Is(err, relay.ErrNotFound):
		slog.Warn("read retention setting", "key", key, "error", err)
	}
	if days <= 0 {
		return nil
	}
	d := time.Duration(days) * 24 * time.Hour
	return &d
}
