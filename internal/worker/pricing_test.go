package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/pricing"
)

type fakeAccounts struct {
	accounts []*relay.Account
}

func (f *fakeAccounts) ListAccounts(context.Context) ([]*relay.Account, error) {
	return f.accounts, nil
}

func TestPricingRefreshFetchesNanoGPT(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"data":[{"id":"nano-model","pricing":{"prompt":"0.000001","completion":"0.000002"}}]}`)
	}))
	defer feed.Close()

	cat := pricing.New(pricing.Options{
		Offline:      true,
		SnapshotPath: filepath.Join(t.TempDir(), "pricing.json"),
		NanoGPTURL:   feed.URL,
	})
	lister := &fakeAccounts{accounts: []*relay.Account{{Provider: relay.ProviderNanoGPT}}}
	w := NewPricingWorker(cat, lister, 0)

	w.refresh(context.Background())

	if hits.Load() != 1 {
		t.Errorf("nanogpt feed hits = %d, want 1", hits.Load())
	}
	if _, ok := cat.Lookup("nano-model"); !ok {
		t.Error("nanogpt rates missing after refresh")
	}
}

func TestPricingRefreshSkipsNanoGPTWithoutAccounts(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer feed.Close()

	cat := pricing.New(pricing.Options{
		Offline:      true,
		SnapshotPath: filepath.Join(t.TempDir(), "pricing.json"),
		NanoGPTURL:   feed.URL,
	})
	lister := &fakeAccounts{accounts: []*relay.Account{{Provider: relay.ProviderAnthropic}}}
	w := NewPricingWorker(cat, lister, 0)

	w.refresh(context.Background())

	if hits.Load() != 0 {
		t.Errorf("nanogpt feed hits = %d, want 0 when no account uses it", hits.Load())
	}
}
