// Package pricing maintains the model cost catalog used to price request
// usage. Rates come from the remote LiteLLM feed, a disk snapshot, and a
// compiled-in fallback table, merged in that order of preference.
package pricing

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	relay "github.com/eugener/shadowfax/internal"
)

// Providers whose remote rates override the bundled table. For everything
// else the bundled table wins and remote data only fills missing models.
var preferredProviders = map[string]bool{
	"anthropic": true,
	"zai":       true,
}

// Remote provider name suffixes that duplicate a base provider with plan
// specific zero or placeholder pricing. Skipped during merge.
var skippedProviderSuffixes = []string{"-coding-plan", "-special", "-demo", "-free", "-trial"}

// Rates holds per-token dollar rates for one model.
type Rates struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cache_read"`
	CacheWrite float64 `json:"cache_write"`
}

func (r Rates) zero() bool {
	return r.Input == 0 && r.Output == 0 && r.CacheRead == 0 && r.CacheWrite == 0
}

// Options configures a Catalog.
type Options struct {
	RefreshHours int  // snapshot TTL, default 24
	Offline      bool // skip all remote fetches
	HTTPClient   *http.Client
	SnapshotPath string // default under os.TempDir()
	RemoteURL    string // default LiteLLM feed
	NanoGPTURL   string // default NanoGPT models feed
}

// Catalog resolves model ids to rates and prices usage. Construct with New,
// then call Load once at startup; RefreshNanoGPT may be called concurrently.
type Catalog struct {
	opts   Options
	client *http.Client

	mu     sync.RWMutex
	models map[string]Rates

	nano      singleflight.Group
	warnOnce  sync.Map // model id -> struct{}
	cacheWarn sync.Map // model id -> struct{}
}

// New builds a Catalog with defaults filled in. No I/O happens until Load.
func New(opts Options) *Catalog {
	if opts.RefreshHours <= 0 {
		opts.RefreshHours = 24
	}
	if opts.SnapshotPath == "" {
		opts.SnapshotPath = filepath.Join(os.TempDir(), "shadowfax-pricing.json")
	}
	if opts.RemoteURL == "" {
		opts.RemoteURL = litellmURL
	}
	if opts.NanoGPTURL == "" {
		opts.NanoGPTURL = nanoGPTURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Catalog{
		opts:   opts,
		client: client,
		models: make(map[string]Rates),
	}
}

// feed is a fetched rate set split by merge behavior: preferred-provider
// models replace bundled entries, the rest only fill gaps.
type feed struct {
	Preferred map[string]Rates `json:"preferred"`
	Fill      map[string]Rates `json:"fill"`
}

func (f *feed) size() int {
	if f == nil {
		return 0
	}
	return len(f.Preferred) + len(f.Fill)
}

// Load assembles the catalog: bundled table first, then the best available
// feed (remote fetch once per process start, else a fresh-enough snapshot).
// Load never fails the process; on total feed loss the bundled table serves.
func (c *Catalog) Load(ctx context.Context) {
	merged := bundledRates()

	var f *feed
	if !c.opts.Offline {
		remote, err := c.fetchRemote(ctx)
		if err != nil {
			slog.Warn("pricing fetch failed, trying snapshot", "error", err)
		} else {
			f = remote
			c.writeSnapshot(remote)
		}
	}
	if f == nil {
		if snap, ok := c.readSnapshot(); ok {
			f = snap
		}
	}
	if f != nil {
		for id, r := range f.Fill {
			if _, exists := merged[id]; !exists {
				merged[id] = r
			}
		}
		for id, r := range f.Preferred {
			merged[id] = r
		}
	}

	c.mu.Lock()
	c.models = merged
	c.mu.Unlock()
	slog.Info("pricing catalog loaded", "models", len(merged), "feed", f.size())
}

// EstimateCostUSD prices the usage of one request. Unknown models cost zero
// and warn once per model id.
func (c *Catalog) EstimateCostUSD(model string, u relay.Usage) float64 {
	if u.Zero() {
		return 0
	}
	rates, ok := c.Lookup(model)
	if !ok {
		if _, loaded := c.warnOnce.LoadOrStore(model, struct{}{}); !loaded {
			slog.Warn("no pricing for model, counting zero cost", "model", model)
		}
		return 0
	}
	if (u.CacheReadInputTokens > 0 && rates.CacheRead == 0) ||
		(u.CacheCreationInputTokens > 0 && rates.CacheWrite == 0) {
		if _, loaded := c.cacheWarn.LoadOrStore(model, struct{}{}); !loaded {
			slog.Warn("model has no cache rates, cache tokens priced at zero", "model", model)
		}
	}
	return float64(u.InputTokens)*rates.Input +
		float64(u.OutputTokens)*rates.Output +
		float64(u.CacheReadInputTokens)*rates.CacheRead +
		float64(u.CacheCreationInputTokens)*rates.CacheWrite
}

var dateSuffix = regexp.MustCompile(`-\d{8}$`)

// Lookup resolves rates for a model id: exact match, then without a
// "provider/" prefix, then with trailing date or -latest suffixes stripped.
func (c *Catalog) Lookup(model string) (Rates, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if r, ok := c.models[model]; ok {
		return r, true
	}
	if i := strings.IndexByte(model, '/'); i >= 0 {
		if r, ok := c.models[model[i+1:]]; ok {
			return r, true
		}
	}
	if stripped := dateSuffix.ReplaceAllString(model, ""); stripped != model {
		if r, ok := c.models[stripped]; ok {
			return r, true
		}
	}
	if stripped, found := strings.CutSuffix(model, "-latest"); found {
		if r, ok := c.models[stripped]; ok {
			return r, true
		}
	}
	return Rates{}, false
}

// Size reports the number of priced models.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}
