package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// CreateAccount inserts a new upstream account.
func (s *Store) CreateAccount(ctx context.Context, a *relay.Account) error {
	_, err := s.exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Provider, a.AuthType,
		nullStr(a.AccessToken), nullStr(a.RefreshToken), nullStr(a.APIKey),
		nullInt64(a.ExpiresAt), a.CreatedAt.UTC().Format(time.RFC3339), timeToStr(a.LastUsed),
		a.RequestCount, a.TotalRequests,
		timeToStr(a.SessionStart), a.SessionRequestCount,
		timeToStr(a.RateLimitedUntil), nullStr(a.RateLimitStatus),
		timeToStr(a.RateLimitReset), nullInt64(a.RateLimitRemaining),
		boolToInt(a.Paused), a.Priority,
		boolToInt(a.AutoFallbackEnabled), boolToInt(a.AutoRefreshEnabled),
		nullStr(a.CustomEndpoint), nullStr(a.ModelMappings),
	)
	return conflictErr(err)
}

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*relay.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByName retrieves an account by its unique name.
func (s *Store) GetAccountByName(ctx context.Context, name string) (*relay.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE name = ?`, name)
	return scanAccount(row)
}

// ListAccounts returns all accounts in creation order.
func (s *Store) ListAccounts(ctx context.Context) ([]*relay.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*relay.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateAccount rewrites all mutable columns of an account.
func (s *Store) UpdateAccount(ctx context.Context, a *relay.Account) error {
	result, err := s.exec(ctx,
		`UPDATE accounts SET name=?, provider=?, auth_type=?, access_token=?,
		 refresh_token=?, api_key=?, expires_at=?, last_used=?, request_count=?,
		 total_requests=?, session_start=?, session_request_count=?,
		 rate_limited_until=?, rate_limit_status=?, rate_limit_reset=?,
		 rate_limit_remaining=?, paused=?, priority=?, auto_fallback_enabled=?,
		 auto_refresh_enabled=?, custom_endpoint=?, model_mappings=?
		 WHERE id=?`,
		a.Name, a.Provider, a.AuthType,
		nullStr(a.AccessToken), nullStr(a.RefreshToken), nullStr(a.APIKey),
		nullInt64(a.ExpiresAt), timeToStr(a.LastUsed),
		a.RequestCount, a.TotalRequests,
		timeToStr(a.SessionStart), a.SessionRequestCount,
		timeToStr(a.RateLimitedUntil), nullStr(a.RateLimitStatus),
		timeToStr(a.RateLimitReset), nullInt64(a.RateLimitRemaining),
		boolToInt(a.Paused), a.Priority,
		boolToInt(a.AutoFallbackEnabled), boolToInt(a.AutoRefreshEnabled),
		nullStr(a.CustomEndpoint), nullStr(a.ModelMappings),
		a.ID,
	)
	if err != nil {
		return conflictErr(err)
	}
	return checkRowsAffected(result, "account")
}

// DeleteAccount removes an account by id.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM accounts WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// RenameAccount changes the unique account name.
func (s *Store) RenameAccount(ctx context.Context, id, newName string) error {
	result, err := s.exec(ctx, `UPDATE accounts SET name=? WHERE id=?`, newName, id)
	if err != nil {
		return conflictErr(err)
	}
	return checkRowsAffected(result, "account")
}

// SetAccountPaused toggles the paused flag.
func (s *Store) SetAccountPaused(ctx context.Context, id string, paused bool) error {
	result, err := s.exec(ctx, `UPDATE accounts SET paused=? WHERE id=?`, boolToInt(paused), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// SetAccountPriority updates the selection priority.
func (s *Store) SetAccountPriority(ctx context.Context, id string, priority int) error {
	result, err := s.exec(ctx, `UPDATE accounts SET priority=? WHERE id=?`, priority, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// SetAccountEndpoint updates the custom endpoint (empty clears it).
func (s *Store) SetAccountEndpoint(ctx context.Context, id, endpoint string) error {
	result, err := s.exec(ctx, `UPDATE accounts SET custom_endpoint=? WHERE id=?`, nullStr(endpoint), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// SetAccountMappings replaces the model mappings JSON (empty clears it).
func (s *Store) SetAccountMappings(ctx context.Context, id, mappingsJSON string) error {
	result, err := s.exec(ctx, `UPDATE accounts SET model_mappings=? WHERE id=?`, nullStr(mappingsJSON), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// UpdateAccountTokens persists a refreshed token pair.
func (s *Store) UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt int64) error {
	result, err := s.exec(ctx,
		`UPDATE accounts SET access_token=?, refresh_token=?, expires_at=? WHERE id=?`,
		nullStr(accessToken), nullStr(refreshToken), expiresAt, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// MarkAccountUsed records a dispatched request: bumps the session and total
// counters and stamps last_used.
func (s *Store) MarkAccountUsed(ctx context.Context, id string, at time.Time) error {
	result, err := s.exec(ctx,
		`UPDATE accounts SET last_used=?, request_count=request_count+1,
		 total_requests=total_requests+1, session_request_count=session_request_count+1
		 WHERE id=?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// StartAccountSession elects the account as session owner and zeroes its
// session counter.
func (s *Store) StartAccountSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.exec(ctx,
		`UPDATE accounts SET session_start=?, session_request_count=0 WHERE id=?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// SetRateLimit records a rate-limit window observed from an upstream response.
// A nil until clears the window.
func (s *Store) SetRateLimit(ctx context.Context, id string, until *time.Time, status string, reset *time.Time, remaining *int64) error {
	result, err := s.exec(ctx,
		`UPDATE accounts SET rate_limited_until=?, rate_limit_status=?,
		 rate_limit_reset=?, rate_limit_remaining=? WHERE id=?`,
		timeToStr(until), nullStr(status), timeToStr(reset), nullInt64(remaining), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// ClearExpiredRateLimits removes rate-limit windows that have elapsed and
// returns the number of accounts cleared.
func (s *Store) ClearExpiredRateLimits(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.exec(ctx,
		`UPDATE accounts SET rate_limited_until=NULL, rate_limit_status=NULL
		 WHERE rate_limited_until IS NOT NULL AND rate_limited_until < ?`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ResetSessionCounts zeroes the session window for the given accounts.
func (s *Store) ResetSessionCounts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.exec(ctx,
		`UPDATE accounts SET request_count=0, session_start=NULL, session_request_count=0
		 WHERE id IN (`+placeholders+`)`, args...)
	return err
}

func scanAccount(sc scanner) (*relay.Account, error) {
	var a relay.Account
	var accessToken, refreshToken, apiKey sql.NullString
	var expiresAt, remaining sql.NullInt64
	var createdAt string
	var lastUsed, sessionStart, limitedUntil, limitReset sql.NullString
	var status, endpoint, mappings sql.NullString
	var paused, fallback, refresh int

	err := sc.Scan(
		&a.ID, &a.Name, &a.Provider, &a.AuthType,
		&accessToken, &refreshToken, &apiKey,
		&expiresAt, &createdAt, &lastUsed,
		&a.RequestCount, &a.TotalRequests,
		&sessionStart, &a.SessionRequestCount,
		&limitedUntil, &status, &limitReset, &remaining,
		&paused, &a.Priority, &fallback, &refresh,
		&endpoint, &mappings,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	a.AccessToken = accessToken.String
	a.RefreshToken = refreshToken.String
	a.APIKey = apiKey.String
	a.ExpiresAt = int64Ptr(expiresAt)
	a.RateLimitRemaining = int64Ptr(remaining)
	a.LastUsed = parseTime(lastUsed)
	a.SessionStart = parseTime(sessionStart)
	a.RateLimitedUntil = parseTime(limitedUntil)
	a.RateLimitReset = parseTime(limitReset)
	a.RateLimitStatus = status.String
	a.CustomEndpoint = endpoint.String
	a.ModelMappings = mappings.String
	a.Paused = paused != 0
	a.AutoFallbackEnabled = fallback != 0
	a.AutoRefreshEnabled = refresh != 0
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		a.CreatedAt = *t
	}
	return &a, nil
}

// helpers

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to relay.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return relay.ErrNotFound
	}
	return err
}

// conflictErr translates UNIQUE constraint violations to relay.ErrConflict.
func conflictErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %v", relay.ErrConflict, err)
	}
	return err
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, relay.ErrNotFound)
	}
	return nil
}
