package strategy

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	if err != nil {
		t.Fatal("open store:", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func acct(id, name string, priority int) *relay.Account {
	return &relay.Account{
		ID:        id,
		Name:      name,
		Provider:  relay.ProviderAnthropic,
		AuthType:  relay.AuthTypeAPIKey,
		APIKey:    "sk-" + id,
		CreatedAt: time.Now().UTC(),
		Priority:  priority,
	}
}

func names(accounts []*relay.Account) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.Name
	}
	return out
}

func TestValid(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		relay.StrategyLeastRequests,
		relay.StrategyRoundRobin,
		relay.StrategySession,
		relay.StrategyWeighted,
		relay.StrategyWeightedRoundRobin,
	} {
		if !Valid(name) {
			t.Errorf("Valid(%q) = false", name)
		}
	}
	for _, name := range []string{"", "max", "random", "Round-Robin"} {
		if Valid(name) {
			t.Errorf("Valid(%q) = true", name)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(newTestStore(t), Options{})
	want := []string{
		relay.StrategyLeastRequests,
		relay.StrategyRoundRobin,
		relay.StrategySession,
		relay.StrategyWeighted,
		relay.StrategyWeightedRoundRobin,
	}
	slices.Sort(want)
	if got := reg.Names(); !slices.Equal(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	for _, name := range want {
		s, err := reg.Get(name)
		if err != nil {
			t.Fatalf("Get(%q): %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("Get(%q).Name() = %q", name, s.Name())
		}
	}

	if _, err := reg.Get("bogus"); !errors.Is(err, relay.ErrInvalidStrategy) {
		t.Errorf("Get(bogus) err = %v, want invalid strategy", err)
	}
}

func TestLeastRequestsOrdering(t *testing.T) {
	t.Parallel()

	hourAgo := time.Now().Add(-time.Hour)
	twoHoursAgo := time.Now().Add(-2 * time.Hour)
	limited := time.Now().Add(time.Hour)

	busy := acct("a", "busy", 0)
	busy.RequestCount = 5
	recent := acct("b", "recent", 0)
	recent.RequestCount = 1
	recent.LastUsed = &hourAgo
	idle := acct("c", "idle", 0)
	idle.RequestCount = 1
	idle.LastUsed = &twoHoursAgo
	paused := acct("d", "paused", 0)
	paused.Paused = true
	blocked := acct("e", "blocked", 0)
	blocked.RateLimitedUntil = &limited

	got, err := LeastRequests{}.Select(context.Background(),
		[]*relay.Account{busy, recent, idle, paused, blocked}, relay.RequestMeta{})
	if err != nil {
		t.Fatal("select:", err)
	}
	if want := []string{"idle", "recent", "busy"}; !slices.Equal(names(got), want) {
		t.Errorf("order = %v, want %v", names(got), want)
	}
}

func TestLeastRequestsPriorityTiebreak(t *testing.T) {
	t.Parallel()

	low := acct("x", "low", 0)
	high := acct("y", "high", 5)

	got, err := LeastRequests{}.Select(context.Background(),
		[]*relay.Account{low, high}, relay.RequestMeta{})
	if err != nil {
		t.Fatal("select:", err)
	}
	if names(got)[0] != "high" {
		t.Errorf("order = %v, want higher priority first on equal counts", names(got))
	}
}
