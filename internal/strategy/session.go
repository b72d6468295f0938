package strategy

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// Session pins traffic to one account for the duration of a global session
// window. The owner is the account with the most recent session_start inside
// the window; when the window elapses, counters reset and a new owner is
// elected by least requests.
type Session struct {
	repo   Repo
	window time.Duration
	mu     sync.Mutex
}

// NewSession wires a Session strategy with the given window duration.
func NewSession(repo Repo, window time.Duration) *Session {
	return &Session{repo: repo, window: window}
}

func (s *Session) Name() string { return relay.StrategySession }

func (s *Session) Select(ctx context.Context, accounts []*relay.Account, _ relay.RequestMeta) ([]*relay.Account, error) {
	now := time.Now()
	avail := filterAvailable(accounts, now)
	if len(avail) == 0 {
		return avail, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner := sessionOwner(accounts, now, s.window); owner != nil {
		out := slices.Clone(avail)
		slices.SortFunc(out, byLeastRequests)
		// The owner leads when it can serve. When it is paused or limited
		// the ordering stands and ownership is untouched, so traffic
		// returns to the owner once it recovers.
		if i := slices.Index(out, owner); i > 0 {
			out = slices.Delete(out, i, i+1)
			out = slices.Insert(out, 0, owner)
		}
		return out, nil
	}

	if err := s.resetElapsed(ctx, accounts); err != nil {
		return nil, err
	}
	out := slices.Clone(avail)
	slices.SortFunc(out, byLeastRequests)
	winner := out[0]
	if err := s.repo.StartAccountSession(ctx, winner.ID, now); err != nil {
		return nil, err
	}
	winner.SessionStart = &now
	winner.SessionRequestCount = 0
	slog.Info("session owner elected", "account", winner.Name)
	return out, nil
}

// resetElapsed zeroes the session counters left over from a previous window,
// both in the store and on the in-memory accounts the election is about to
// order.
func (s *Session) resetElapsed(ctx context.Context, accounts []*relay.Account) error {
	var ids []string
	var stale []*relay.Account
	for _, a := range accounts {
		if a.SessionStart != nil || a.RequestCount > 0 || a.SessionRequestCount > 0 {
			ids = append(ids, a.ID)
			stale = append(stale, a)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.repo.ResetSessionCounts(ctx, ids); err != nil {
		return err
	}
	for _, a := range stale {
		a.RequestCount = 0
		a.SessionStart = nil
		a.SessionRequestCount = 0
	}
	slog.Info("session window elapsed", "accounts", len(ids))
	return nil
}

// sessionOwner returns the account with the most recent session_start inside
// the window, or nil when no session is active.
func sessionOwner(accounts []*relay.Account, now time.Time, window time.Duration) *relay.Account {
	var owner *relay.Account
	for _, a := range accounts {
		if a.SessionStart == nil || now.Sub(*a.SessionStart) >= window {
			continue
		}
		if owner == nil || a.SessionStart.After(*owner.SessionStart) {
			owner = a
		}
	}
	return owner
}
