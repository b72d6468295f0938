package strategy

import (
	"context"
	"slices"
	"testing"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

func TestWeightedHeadDistribution(t *testing.T) {
	t.Parallel()

	a := acct("a", "alpha", 3) // weight 4
	b := acct("b", "bravo", 0) // weight 1
	accounts := []*relay.Account{a, b}

	const iters = 2000
	heads := 0
	for range iters {
		got, err := Weighted{}.Select(context.Background(), accounts, relay.RequestMeta{})
		if err != nil {
			t.Fatal("select:", err)
		}
		if len(got) != 2 {
			t.Fatalf("candidates = %d, want 2", len(got))
		}
		if got[0].Name == "alpha" {
			heads++
		}
	}

	share := float64(heads) / iters
	if share < 0.70 || share > 0.90 {
		t.Errorf("alpha led %.2f of selections, want around 0.80", share)
	}
}

func TestWeightedTailDeterministic(t *testing.T) {
	t.Parallel()

	a := acct("a", "alpha", 5)
	b := acct("b", "bravo", 2)
	b.RequestCount = 3
	c := acct("c", "charlie", 2)
	c.RequestCount = 1
	accounts := []*relay.Account{a, b, c}

	for range 50 {
		got, err := Weighted{}.Select(context.Background(), accounts, relay.RequestMeta{})
		if err != nil {
			t.Fatal("select:", err)
		}
		if len(got) != 3 {
			t.Fatalf("candidates = %d, want 3", len(got))
		}
		tail := got[1:]
		if !slices.IsSortedFunc(tail, byPriorityThenLeast) {
			t.Fatalf("tail %v not in priority-then-least order", names(tail))
		}
	}
}

func TestWeightedSmallPools(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if got, err := (Weighted{}).Select(ctx, nil, relay.RequestMeta{}); err != nil || len(got) != 0 {
		t.Errorf("empty pool: got %v, %v", got, err)
	}

	solo := acct("a", "alpha", 0)
	got, err := Weighted{}.Select(ctx, []*relay.Account{solo}, relay.RequestMeta{})
	if err != nil || len(got) != 1 || got[0] != solo {
		t.Errorf("single account: got %v, %v", names(got), err)
	}

	paused := acct("b", "bravo", 0)
	paused.Paused = true
	if got, err := (Weighted{}).Select(ctx, []*relay.Account{paused}, relay.RequestMeta{}); err != nil || len(got) != 0 {
		t.Errorf("paused-only pool: got %v, %v", names(got), err)
	}
}

func TestSmoothWeightedSequence(t *testing.T) {
	t.Parallel()

	sw := NewSmoothWeighted()
	a := acct("a", "alpha", 4) // weight 5
	b := acct("b", "bravo", 0) // weight 1
	accounts := []*relay.Account{a, b}

	want := []string{"alpha", "alpha", "alpha", "bravo", "alpha", "alpha"}
	for i, lead := range want {
		got, err := sw.Select(context.Background(), accounts, relay.RequestMeta{})
		if err != nil {
			t.Fatal("select:", err)
		}
		if len(got) != 2 {
			t.Fatalf("pick %d: candidates = %d, want 2", i, len(got))
		}
		if got[0].Name != lead {
			t.Errorf("pick %d = %q, want %q", i, got[0].Name, lead)
		}
	}
}

func TestSmoothWeightedTieAlternates(t *testing.T) {
	t.Parallel()

	sw := NewSmoothWeighted()
	accounts := []*relay.Account{acct("a", "alpha", 0), acct("b", "bravo", 0)}

	want := []string{"alpha", "bravo", "alpha", "bravo"}
	for i, lead := range want {
		got, err := sw.Select(context.Background(), accounts, relay.RequestMeta{})
		if err != nil {
			t.Fatal("select:", err)
		}
		if got[0].Name != lead {
			t.Errorf("pick %d = %q, want %q", i, got[0].Name, lead)
		}
	}
}

func TestSmoothWeightedPrunes(t *testing.T) {
	t.Parallel()

	sw := NewSmoothWeighted()
	a := acct("a", "alpha", 0)
	b := acct("b", "bravo", 0)
	ctx := context.Background()

	if _, err := sw.Select(ctx, []*relay.Account{a, b}, relay.RequestMeta{}); err != nil {
		t.Fatal("select:", err)
	}
	if _, ok := sw.current["a"]; !ok {
		t.Fatal("interleaving state for alpha should exist")
	}

	if _, err := sw.Select(ctx, []*relay.Account{b}, relay.RequestMeta{}); err != nil {
		t.Fatal("select:", err)
	}
	if _, ok := sw.current["a"]; ok {
		t.Error("state for a removed account should be pruned")
	}
}

func TestSmoothWeightedSkipsLimited(t *testing.T) {
	t.Parallel()

	sw := NewSmoothWeighted()
	limited := time.Now().Add(time.Hour)
	a := acct("a", "alpha", 4)
	a.RateLimitedUntil = &limited
	b := acct("b", "bravo", 0)

	got, err := sw.Select(context.Background(), []*relay.Account{a, b}, relay.RequestMeta{})
	if err != nil {
		t.Fatal("select:", err)
	}
	if len(got) != 1 || got[0].Name != "bravo" {
		t.Errorf("candidates = %v, want only bravo", names(got))
	}
}
