package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const litellmURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

// litellmEntry is one model in the LiteLLM price feed. Costs are dollars per
// token.
type litellmEntry struct {
	InputCostPerToken           float64 `json:"input_cost_per_token"`
	OutputCostPerToken          float64 `json:"output_cost_per_token"`
	CacheReadInputTokenCost     float64 `json:"cache_read_input_token_cost"`
	CacheCreationInputTokenCost float64 `json:"cache_creation_input_token_cost"`
	Provider                    string  `json:"litellm_provider"`
}

// fetchRemote downloads and filters the LiteLLM feed, splitting entries by
// merge behavior.
func (c *Catalog) fetchRemote(ctx context.Context) (*feed, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.RemoteURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing feed status %d", resp.StatusCode)
	}

	var entries map[string]litellmEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode pricing feed: %w", err)
	}

	f := &feed{
		Preferred: make(map[string]Rates),
		Fill:      make(map[string]Rates),
	}
	for key, e := range entries {
		if key == "sample_spec" || skipProvider(e.Provider) {
			continue
		}
		r := Rates{
			Input:      e.InputCostPerToken,
			Output:     e.OutputCostPerToken,
			CacheRead:  e.CacheReadInputTokenCost,
			CacheWrite: e.CacheCreationInputTokenCost,
		}
		if r.zero() {
			continue
		}
		id := key
		if i := strings.LastIndexByte(id, '/'); i >= 0 && i < len(id)-1 {
			id = id[i+1:]
		}
		if preferredProviders[e.Provider] {
			f.Preferred[id] = r
		} else if _, taken := f.Preferred[id]; !taken {
			f.Fill[id] = r
		}
	}
	return f, nil
}

// skipProvider reports whether a remote provider name is a plan-specific
// duplicate carrying placeholder pricing.
func skipProvider(provider string) bool {
	for _, suffix := range skippedProviderSuffixes {
		if strings.HasSuffix(provider, suffix) {
			return true
		}
	}
	return false
}

// snapshot is the on-disk cache of the last successful fetch.
type snapshot struct {
	FetchedAt time.Time `json:"fetched_at"`
	Feed      feed      `json:"feed"`
}

func (c *Catalog) writeSnapshot(f *feed) {
	data, err := json.Marshal(snapshot{FetchedAt: time.Now().UTC(), Feed: *f})
	if err != nil {
		return
	}
	if err := os.WriteFile(c.opts.SnapshotPath, data, 0o644); err != nil {
		slog.Warn("pricing snapshot write failed", "path", c.opts.SnapshotPath, "error", err)
	}
}

// readSnapshot loads the disk cache when it is within the refresh TTL.
func (c *Catalog) readSnapshot() (*feed, bool) {
	data, err := os.ReadFile(c.opts.SnapshotPath)
	if err != nil {
		return nil, false
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false
	}
	age := time.Since(snap.FetchedAt)
	if age > time.Duration(c.opts.RefreshHours)*time.Hour {
		slog.Debug("pricing snapshot expired", "age", age)
		return nil, false
	}
	return &snap.Feed, true
}
