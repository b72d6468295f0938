package worker

import (
	"context"
	"log/slog"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/pricing"
)

// AccountLister reports the account pool so provider-specific feeds are
// fetched only when an account can use them.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]*relay.Account, error)
}

// PricingWorker re-pulls the rate feeds so long-running processes keep cost
// estimates current. The initial load happens at startup; this worker only
// refreshes.
type PricingWorker struct {
	catalog  *pricing.Catalog
	accounts AccountLister
	interval time.Duration
}

// NewPricingWorker creates a PricingWorker. A non-positive interval selects
// 24 hours.
func NewPricingWorker(catalog *pricing.Catalog, accounts AccountLister, interval time.Duration) *PricingWorker {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &PricingWorker{catalog: catalog, accounts: accounts, interval: interval}
}

// Name returns the worker identifier.
func (w *PricingWorker) Name() string { return "pricing_refresh" }

// Run refreshes on the configured interval until ctx is cancelled.
func (w *PricingWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

func (w *PricingWorker) refresh(ctx context.Context) {
	w.catalog.Load(ctx)

	accounts, err := w.accounts.ListAccounts(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "pricing account scan failed",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, a := range accounts {
		if a.Provider == relay.ProviderNanoGPT {
			if err := w.catalog.RefreshNanoGPT(ctx); err != nil {
				slog.Warn("nanogpt pricing refresh failed", "error", err)
			}
			return
		}
	}
}
