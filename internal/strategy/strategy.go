// Package strategy implements the load-balancing strategies that turn the
// account pool into an ordered candidate list. The first candidate is tried
// first; the rest exist for failover.
package strategy

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// DefaultSessionWindow is the sticky-session duration when none is configured.
const DefaultSessionWindow = 5 * time.Hour

// Strategy orders available accounts for one dispatch.
type Strategy interface {
	Name() string
	Select(ctx context.Context, accounts []*relay.Account, meta relay.RequestMeta) ([]*relay.Account, error)
}

// Repo is the slice of the store the stateful strategies need.
type Repo interface {
	GetStrategyConfig(ctx context.Context, name string) (*relay.StrategyConfig, error)
	SetStrategyConfig(ctx context.Context, name, configJSON string) error
	StartAccountSession(ctx context.Context, id string, at time.Time) error
	ResetSessionCounts(ctx context.Context, ids []string) error
}

// Options configures the registry. Zero values select defaults.
type Options struct {
	SessionWindow time.Duration
}

// Valid reports whether name belongs to the closed strategy set.
func Valid(name string) bool {
	switch name {
	case relay.StrategyLeastRequests, relay.StrategyRoundRobin, relay.StrategySession,
		relay.StrategyWeighted, relay.StrategyWeightedRoundRobin:
		return true
	}
	return false
}

// Registry holds one instance of every strategy.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry constructs all five strategies over the given repository.
func NewRegistry(repo Repo, opts Options) *Registry {
	if opts.SessionWindow <= 0 {
		opts.SessionWindow = DefaultSessionWindow
	}
	r := &Registry{strategies: make(map[string]Strategy, 5)}
	for _, s := range []Strategy{
		LeastRequests{},
		NewRoundRobin(repo),
		NewSession(repo, opts.SessionWindow),
		Weighted{},
		NewSmoothWeighted(),
	} {
		r.strategies[s.Name()] = s
	}
	return r
}

// Get returns the named strategy.
func (r *Registry) Get(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", relay.ErrInvalidStrategy, name)
	}
	return s, nil
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LeastRequests orders by session request count, preferring accounts used
// longest ago.
type LeastRequests struct{}

func (LeastRequests) Name() string { return relay.StrategyLeastRequests }

func (LeastRequests) Select(_ context.Context, accounts []*relay.Account, _ relay.RequestMeta) ([]*relay.Account, error) {
	out := filterAvailable(accounts, time.Now())
	slices.SortFunc(out, byLeastRequests)
	return out, nil
}

// filterAvailable keeps accounts that may serve traffic, preserving input
// order.
func filterAvailable(accounts []*relay.Account, now time.Time) []*relay.Account {
	out := make([]*relay.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.AvailableAt(now) {
			out = append(out, a)
		}
	}
	return out
}

// byLeastRequests orders by request_count asc, last_used asc with never-used
// first, priority desc, then name for stability.
func byLeastRequests(a, b *relay.Account) int {
	if c := cmp.Compare(a.RequestCount, b.RequestCount); c != 0 {
		return c
	}
	if c := compareLastUsed(a.LastUsed, b.LastUsed); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.Name, b.Name)
}

func compareLastUsed(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return a.Compare(*b)
	}
}

// weight maps priority to a sampling weight. Priority 0 still gets weight 1
// so every account keeps a nonzero share.
func weight(a *relay.Account) int64 {
	if a.Priority < 0 {
		return 1
	}
	return int64(a.Priority) + 1
}
