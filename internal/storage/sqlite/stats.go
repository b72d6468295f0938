package sqlite

import (
	"context"
	"time"

	"github.com/eugener/shadowfax/internal/storage"
)

// AnalyticsBuckets aggregates request telemetry since the cutoff into fixed
// windows. Buckets with no traffic are omitted; the caller fills gaps.
func (s *Store) AnalyticsBuckets(ctx context.Context, since time.Time, bucket time.Duration) ([]storage.AnalyticsBucket, error) {
	sec := int64(bucket / time.Second)
	if sec <= 0 {
		sec = 60
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT (CAST(strftime('%s', timestamp) AS INTEGER) / ?) * ? AS bucket,
		        COUNT(*),
		        SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM requests
		 WHERE timestamp >= ?
		 GROUP BY bucket
		 ORDER BY bucket`,
		sec, sec, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.AnalyticsBucket
	for rows.Next() {
		var b storage.AnalyticsBucket
		var start int64
		if err := rows.Scan(&start, &b.Requests, &b.Errors, &b.InputTokens, &b.OutputTokens, &b.CostUSD); err != nil {
			return nil, err
		}
		b.Start = time.Unix(start, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// AccountTotals aggregates telemetry per account since the cutoff.
func (s *Store) AccountTotals(ctx context.Context, since time.Time) ([]storage.AccountTotals, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT account_used,
		        COUNT(*),
		        SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
		        COALESCE(SUM(total_tokens), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM requests
		 WHERE timestamp >= ? AND account_used IS NOT NULL
		 GROUP BY account_used
		 HAVING COUNT(*) > 0
		 ORDER BY COUNT(*) DESC`,
		since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.AccountTotals
	for rows.Next() {
		var t storage.AccountTotals
		if err := rows.Scan(&t.AccountUsed, &t.Requests, &t.Errors, &t.TotalTokens, &t.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountRequests returns the total number of telemetry rows.
func (s *Store) CountRequests(ctx context.Context) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n)
	return n, err
}
