package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// RoundRobin rotates through the available accounts with a cursor persisted
// in the strategies table, so the rotation survives restarts.
type RoundRobin struct {
	repo Repo
	mu   sync.Mutex
}

// NewRoundRobin wires a RoundRobin over the given repository.
func NewRoundRobin(repo Repo) *RoundRobin {
	return &RoundRobin{repo: repo}
}

func (r *RoundRobin) Name() string { return relay.StrategyRoundRobin }

type cursorConfig struct {
	Cursor int64 `json:"cursor"`
}

// Select rotates the ring of available accounts. The ring follows the input
// order, which ListAccounts keeps stable.
func (r *RoundRobin) Select(ctx context.Context, accounts []*relay.Account, _ relay.RequestMeta) ([]*relay.Account, error) {
	avail := filterAvailable(accounts, time.Now())
	if len(avail) == 0 {
		return avail, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cursor, err := r.loadCursor(ctx)
	if err != nil {
		return nil, err
	}
	start := int(cursor % int64(len(avail)))
	out := make([]*relay.Account, 0, len(avail))
	out = append(out, avail[start:]...)
	out = append(out, avail[:start]...)

	if err := r.saveCursor(ctx, cursor+1); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RoundRobin) loadCursor(ctx context.Context) (int64, error) {
	sc, err := r.repo.GetStrategyConfig(ctx, relay.StrategyRoundRobin)
	if errors.Is(err, relay.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var c cursorConfig
	if err := json.Unmarshal([]byte(sc.Config), &c); err != nil {
		slog.Warn("round robin cursor malformed, restarting rotation", "config", sc.Config)
		return 0, nil
	}
	return c.Cursor, nil
}

func (r *RoundRobin) saveCursor(ctx context.Context, n int64) error {
	b, err := json.Marshal(cursorConfig{Cursor: n})
	if err != nil {
		return err
	}
	return r.repo.SetStrategyConfig(ctx, relay.StrategyRoundRobin, string(b))
}
