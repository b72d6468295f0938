package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
)

const requestColumns = `id, timestamp, method, path, account_used, status_code, success,
	error_message, response_time_ms, failover_attempts, model, input_tokens,
	output_tokens, cache_read_input_tokens, cache_creation_input_tokens,
	total_tokens, cost_usd, output_tokens_per_second, agent_used, api_key_id`

// InsertRequest creates the telemetry row at dispatch start. Only the meta
// fields are populated; FinalizeRequest fills the rest.
func (s *Store) InsertRequest(ctx context.Context, r *relay.RequestRecord) error {
	_, err := s.exec(ctx,
		`INSERT INTO requests (id, timestamp, method, path, success, failover_attempts, agent_used, api_key_id)
		 VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
		r.ID, r.Timestamp.UTC().Format(time.RFC3339), r.Method, r.Path,
		nullStr(r.AgentUsed), nullStr(r.APIKeyID),
	)
	return err
}

// FinalizeRequest writes the terminal state of a request row in one update.
func (s *Store) FinalizeRequest(ctx context.Context, r *relay.RequestRecord) error {
	result, err := s.exec(ctx,
		`UPDATE requests SET account_used=?, status_code=?, success=?, error_message=?,
		 response_time_ms=?, failover_attempts=?, model=?, input_tokens=?,
		 output_tokens=?, cache_read_input_tokens=?, cache_creation_input_tokens=?,
		 total_tokens=?, cost_usd=?, output_tokens_per_second=?, agent_used=?, api_key_id=?
		 WHERE id=?`,
		nullStr(r.AccountUsed), r.StatusCode, boolToInt(r.Success), nullStr(r.ErrorMessage),
		r.ResponseTimeMs, r.FailoverAttempts, nullStr(r.Model),
		nullInt64(r.InputTokens), nullInt64(r.OutputTokens),
		nullInt64(r.CacheReadInputTokens), nullInt64(r.CacheCreationTokens),
		nullInt64(r.TotalTokens), nullFloat64(r.CostUSD), nullFloat64(r.OutputTokensPerSecond),
		nullStr(r.AgentUsed), nullStr(r.APIKeyID),
		r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "request")
}

// GetRequest retrieves a telemetry row by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*relay.RequestRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// ListRequests returns telemetry rows newest first.
func (s *Store) ListRequests(ctx context.Context, offset, limit int) ([]*relay.RequestRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		 ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.RequestRecord
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SavePayload archives the request/response JSON pair for a telemetry row.
func (s *Store) SavePayload(ctx context.Context, p *relay.RequestPayload) error {
	_, err := s.exec(ctx,
		`INSERT INTO request_payloads (id, request_body, response_body, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET request_body=excluded.request_body,
		 response_body=excluded.response_body`,
		p.ID, p.RequestBody, p.ResponseBody, p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetPayload retrieves the archived payload for a request id.
func (s *Store) GetPayload(ctx context.Context, id string) (*relay.RequestPayload, error) {
	var p relay.RequestPayload
	var createdAt string
	err := s.read.QueryRowContext(ctx,
		`SELECT id, request_body, response_body, created_at
		 FROM request_payloads WHERE id = ?`, id,
	).Scan(&p.ID, &p.RequestBody, &p.ResponseBody, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		p.CreatedAt = *t
	}
	return &p, nil
}

// CleanupOldRequests applies retention: payloads older than payloadAge are
// removed, request rows older than requestAge are removed along with their
// payloads, and orphaned payloads go regardless of age. A nil age skips that
// class. Counts reflect actual deletions.
func (s *Store) CleanupOldRequests(ctx context.Context, payloadAge, requestAge *time.Duration) (storage.CleanupResult, error) {
	var res storage.CleanupResult
	now := time.Now().UTC()
	var n int64
	var result sql.Result
	var err error

	if payloadAge != nil {
		payloadCutoff := now.Add(-*payloadAge).Format(time.RFC3339)
		result, err = s.exec(ctx,
			`DELETE FROM request_payloads WHERE created_at < ?`, payloadCutoff)
		if err != nil {
			return res, err
		}
		if n, err = result.RowsAffected(); err != nil {
			return res, err
		}
		res.RemovedPayloads += n
	}

	if requestAge != nil {
		requestCutoff := now.Add(-*requestAge).Format(time.RFC3339)
		result, err = s.exec(ctx,
			`DELETE FROM request_payloads WHERE id IN
			 (SELECT id FROM requests WHERE timestamp < ?)`, requestCutoff)
		if err != nil {
			return res, err
		}
		if n, err = result.RowsAffected(); err != nil {
			return res, err
		}
		res.RemovedPayloads += n

		result, err = s.exec(ctx,
			`DELETE FROM requests WHERE timestamp < ?`, requestCutoff)
		if err != nil {
			return res, err
		}
		if n, err = result.RowsAffected(); err != nil {
			return res, err
		}
		res.RemovedRequests += n
	}

	result, err = s.exec(ctx,
		`DELETE FROM request_payloads WHERE id NOT IN (SELECT id FROM requests)`)
	if err != nil {
		return res, err
	}
	if n, err = result.RowsAffected(); err != nil {
		return res, err
	}
	res.RemovedPayloads += n

	return res, nil
}

func scanRequest(sc scanner) (*relay.RequestRecord, error) {
	var r relay.RequestRecord
	var timestamp string
	var accountUsed, errorMessage, model, agentUsed, apiKeyID sql.NullString
	var statusCode, responseTimeMs sql.NullInt64
	var success int
	var inputTokens, outputTokens, cacheRead, cacheCreation, totalTokens sql.NullInt64
	var costUSD, otps sql.NullFloat64

	err := sc.Scan(
		&r.ID, &timestamp, &r.Method, &r.Path, &accountUsed, &statusCode, &success,
		&errorMessage, &responseTimeMs, &r.FailoverAttempts, &model,
		&inputTokens, &outputTokens, &cacheRead, &cacheCreation,
		&totalTokens, &costUSD, &otps, &agentUsed, &apiKeyID,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if t := parseTime(sql.NullString{String: timestamp, Valid: true}); t != nil {
		r.Timestamp = *t
	}
	r.AccountUsed = accountUsed.String
	r.StatusCode = int(statusCode.Int64)
	r.Success = success != 0
	r.ErrorMessage = errorMessage.String
	r.ResponseTimeMs = responseTimeMs.Int64
	r.Model = model.String
	r.InputTokens = int64Ptr(inputTokens)
	r.OutputTokens = int64Ptr(outputTokens)
	r.CacheReadInputTokens = int64Ptr(cacheRead)
	r.CacheCreationTokens = int64Ptr(cacheCreation)
	r.TotalTokens = int64Ptr(totalTokens)
	r.CostUSD = float64Ptr(costUSD)
	r.OutputTokensPerSecond = float64Ptr(otps)
	r.AgentUsed = agentUsed.String
	r.APIKeyID = apiKeyID.String
	return &r, nil
}

func nullFloat64(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func float64Ptr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
