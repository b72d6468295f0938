package strategy

import (
	"cmp"
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// Weighted samples the first candidate with probability proportional to
// priority+1; the failover tail is deterministic, priority desc then least
// requests.
type Weighted struct{}

func (Weighted) Name() string { return relay.StrategyWeighted }

func (Weighted) Select(_ context.Context, accounts []*relay.Account, _ relay.RequestMeta) ([]*relay.Account, error) {
	pool := filterAvailable(accounts, time.Now())
	if len(pool) < 2 {
		return pool, nil
	}

	i := sampleIndex(pool)
	head := pool[i]
	rest := make([]*relay.Account, 0, len(pool)-1)
	rest = append(rest, pool[:i]...)
	rest = append(rest, pool[i+1:]...)
	slices.SortFunc(rest, byPriorityThenLeast)
	return append([]*relay.Account{head}, rest...), nil
}

// sampleIndex draws one index with probability proportional to weight.
func sampleIndex(pool []*relay.Account) int {
	var total int64
	for _, a := range pool {
		total += weight(a)
	}
	n := rand.Int64N(total)
	for i, a := range pool {
		n -= weight(a)
		if n < 0 {
			return i
		}
	}
	return len(pool) - 1
}

func byPriorityThenLeast(a, b *relay.Account) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	return byLeastRequests(a, b)
}

// SmoothWeighted is deterministic smooth weighted round-robin: each pass adds
// every account's weight to its running current, picks the highest current,
// and subtracts the weight total from the winner. Proportions converge to the
// weights with no long runs on one account.
type SmoothWeighted struct {
	mu      sync.Mutex
	current map[string]int64
}

// NewSmoothWeighted constructs an empty interleaving state.
func NewSmoothWeighted() *SmoothWeighted {
	return &SmoothWeighted{current: make(map[string]int64)}
}

func (s *SmoothWeighted) Name() string { return relay.StrategyWeightedRoundRobin }

func (s *SmoothWeighted) Select(_ context.Context, accounts []*relay.Account, _ relay.RequestMeta) ([]*relay.Account, error) {
	avail := filterAvailable(accounts, time.Now())
	if len(avail) == 0 {
		return avail, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(accounts)

	var total int64
	for _, a := range avail {
		w := weight(a)
		total += w
		s.current[a.ID] += w
	}
	out := slices.Clone(avail)
	slices.SortFunc(out, func(a, b *relay.Account) int {
		if c := cmp.Compare(s.current[b.ID], s.current[a.ID]); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	s.current[out[0].ID] -= total
	return out, nil
}

// prune drops interleaving state for accounts that no longer exist.
func (s *SmoothWeighted) prune(accounts []*relay.Account) {
	keep := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		keep[a.ID] = true
	}
	for id := range s.current {
		if !keep[id] {
			delete(s.current, id)
		}
	}
}
