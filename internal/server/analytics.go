package server

import (
	"net/http"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
)

// rangeSpec maps a range query value to its lookback window and bucket width.
// Narrow ranges get fine buckets, wide ranges coarse ones, keeping the series
// below ~100 points either way.
type rangeSpec struct {
	lookback time.Duration
	bucket   time.Duration
}

var analyticsRanges = map[string]rangeSpec{
	"1h":  {time.Hour, time.Minute},
	"6h":  {6 * time.Hour, 5 * time.Minute},
	"24h": {24 * time.Hour, 15 * time.Minute},
	"7d":  {7 * 24 * time.Hour, 2 * time.Hour},
	"30d": {30 * 24 * time.Hour, 8 * time.Hour},
}

type analyticsTotals struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type analyticsResponse struct {
	Range         string                    `json:"range"`
	Mode          string                    `json:"mode"`
	BucketSeconds int64                     `json:"bucket_seconds"`
	Buckets       []storage.AnalyticsBucket `json:"buckets"`
	Totals        analyticsTotals           `json:"totals"`
	Accounts      []storage.AccountTotals   `json:"accounts"`
}

func (s *server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng := q.Get("range")
	if rng == "" {
		rng = "24h"
	}
	spec, ok := analyticsRanges[rng]
	if !ok {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(relay.KindValidation, "range: must be one of 1h, 6h, 24h, 7d, 30d"))
		return
	}
	mode := q.Get("mode")
	if mode == "" {
		mode = "normal"
	}
	if mode != "normal" && mode != "cumulative" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(relay.KindValidation, "mode: must be normal or cumulative"))
		return
	}

	now := time.Now().UTC()
	since := now.Add(-spec.lookback)

	sparse, err := s.deps.Store.AnalyticsBuckets(r.Context(), since, spec.bucket)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	accounts, err := s.deps.Store.AccountTotals(r.Context(), since)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []storage.AccountTotals{}
	}

	var totals analyticsTotals
	for _, b := range sparse {
		totals.Requests += b.Requests
		totals.Errors += b.Errors
		totals.InputTokens += b.InputTokens
		totals.OutputTokens += b.OutputTokens
		totals.CostUSD += b.CostUSD
	}

	buckets := fillBuckets(sparse, since, now, spec.bucket)
	if mode == "cumulative" {
		cumulate(buckets)
	}

	writeJSON(w, http.StatusOK, analyticsResponse{
		Range:         rng,
		Mode:          mode,
		BucketSeconds: int64(spec.bucket / time.Second),
		Buckets:       buckets,
		Totals:        totals,
		Accounts:      accounts,
	})
}

// fillBuckets expands the sparse store rows into a dense series, zero-filling
// quiet windows so charts keep a continuous x-axis. Boundaries are aligned to
// epoch multiples of the width, matching the store's GROUP BY truncation.
func fillBuckets(sparse []storage.AnalyticsBucket, since, now time.Time, width time.Duration) []storage.AnalyticsBucket {
	sec := int64(width / time.Second)
	if sec <= 0 {
		sec = 60
	}
	start := (since.Unix() / sec) * sec
	end := (now.Unix() / sec) * sec

	byStart := make(map[int64]storage.AnalyticsBucket, len(sparse))
	for _, b := range sparse {
		byStart[b.Start.Unix()] = b
	}

	out := make([]storage.AnalyticsBucket, 0, (end-start)/sec+1)
	for ts := start; ts <= end; ts += sec {
		if b, ok := byStart[ts]; ok {
			out = append(out, b)
		} else {
			out = append(out, storage.AnalyticsBucket{Start: time.Unix(ts, 0).UTC()})
		}
	}
	return out
}

// cumulate turns the series into running sums in place.
func cumulate(buckets []storage.AnalyticsBucket) {
	for i := 1; i < len(buckets); i++ {
		buckets[i].Requests += buckets[i-1].Requests
		buckets[i].Errors += buckets[i-1].Errors
		buckets[i].InputTokens += buckets[i-1].InputTokens
		buckets[i].OutputTokens += buckets[i-1].OutputTokens
		buckets[i].CostUSD += buckets[i-1].CostUSD
	}
}
