package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const nanoGPTURL = "https://nano-gpt.com/api/v1/models"

// nanoGPTModel is one entry in the NanoGPT model list. Prices are decimal
// strings in dollars per token.
type nanoGPTModel struct {
	ID      string `json:"id"`
	Pricing struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
}

// RefreshNanoGPT fetches the NanoGPT model feed and overlays its rates.
// Concurrent callers share one in-flight fetch; on failure previously loaded
// rates stay in place.
func (c *Catalog) RefreshNanoGPT(ctx context.Context) error {
	_, err, _ := c.nano.Do("nanogpt", func() (any, error) {
		rates, err := c.fetchNanoGPT(ctx)
		if err != nil {
			slog.Warn("nanogpt pricing fetch failed, keeping cached rates", "error", err)
			return nil, err
		}
		c.mu.Lock()
		for id, r := range rates {
			c.models[id] = r
		}
		c.mu.Unlock()
		slog.Debug("nanogpt pricing refreshed", "models", len(rates))
		return nil, nil
	})
	return err
}

func (c *Catalog) fetchNanoGPT(ctx context.Context) (map[string]Rates, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.NanoGPTURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nanogpt feed status %d", resp.StatusCode)
	}

	var body struct {
		Data []nanoGPTModel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode nanogpt feed: %w", err)
	}

	rates := make(map[string]Rates, len(body.Data))
	for _, m := range body.Data {
		if m.ID == "" {
			continue
		}
		in, errIn := strconv.ParseFloat(m.Pricing.Prompt, 64)
		out, errOut := strconv.ParseFloat(m.Pricing.Completion, 64)
		if errIn != nil || errOut != nil {
			continue
		}
		r := Rates{Input: in, Output: out}
		if r.zero() {
			continue
		}
		rates[m.ID] = r
	}
	return rates, nil
}
