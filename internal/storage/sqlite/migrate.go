package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

// legacyRewriteVersion is the first migration that rewrites existing rows or
// rebuilds tables. Databases behind it get a file backup before Up runs.
const legacyRewriteVersion = 3

// migrations returns the ordered migration set. All steps are written to be
// safe on databases created by the legacy implementation: tables use IF NOT
// EXISTS, columns are added only when absent, and rewrites introspect first.
func migrations() []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1, &goose.GoFunc{RunTx: baseSchemaUp}, nil),
		goose.NewGoMigration(2, &goose.GoFunc{RunTx: additiveColumnsUp}, nil),
		goose.NewGoMigration(3, &goose.GoFunc{RunTx: legacyRewritesUp}, nil),
	}
}

func baseSchemaUp(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			provider TEXT NOT NULL DEFAULT 'anthropic',
			auth_type TEXT NOT NULL DEFAULT 'oauth',
			access_token TEXT,
			refresh_token TEXT,
			api_key TEXT,
			expires_at INTEGER,
			created_at TEXT NOT NULL,
			last_used TEXT,
			request_count INTEGER NOT NULL DEFAULT 0,
			total_requests INTEGER NOT NULL DEFAULT 0,
			session_start TEXT,
			session_request_count INTEGER NOT NULL DEFAULT 0,
			rate_limited_until TEXT,
			rate_limit_status TEXT,
			rate_limit_reset TEXT,
			rate_limit_remaining INTEGER,
			paused INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			auto_fallback_enabled INTEGER NOT NULL DEFAULT 1,
			auto_refresh_enabled INTEGER NOT NULL DEFAULT 1,
			custom_endpoint TEXT,
			model_mappings TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			account_used TEXT,
			status_code INTEGER,
			success INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			response_time_ms INTEGER,
			failover_attempts INTEGER NOT NULL DEFAULT 0,
			model TEXT,
			input_tokens INTEGER,
			output_tokens INTEGER,
			cache_read_input_tokens INTEGER,
			cache_creation_input_tokens INTEGER,
			total_tokens INTEGER,
			cost_usd REAL,
			output_tokens_per_second REAL,
			agent_used TEXT,
			api_key_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_account ON requests(account_used)`,
		`CREATE TABLE IF NOT EXISTS request_payloads (
			id TEXT PRIMARY KEY REFERENCES requests(id) ON DELETE CASCADE,
			request_body TEXT,
			response_body TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_sessions (
			id TEXT PRIMARY KEY,
			account_name TEXT NOT NULL,
			pkce_verifier TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'claude-oauth',
			custom_endpoint TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS strategies (
			name TEXT PRIMARY KEY,
			config TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_preferences (
			agent TEXT PRIMARY KEY,
			account_name TEXT,
			model TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			hashed_key TEXT NOT NULL UNIQUE,
			prefix_last_8 TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			role TEXT NOT NULL DEFAULT 'admin'
		)`,
		`CREATE TABLE IF NOT EXISTS model_translations (
			id TEXT PRIMARY KEY,
			source_pattern TEXT NOT NULL UNIQUE,
			target_model TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("base schema: %w", err)
		}
	}
	return nil
}

// additiveColumn describes one column that later schema versions require.
// Columns are added with their documented default when absent, which covers
// databases created by older releases or by the legacy implementation.
type additiveColumn struct {
	table string
	name  string
	decl  string
}

var additiveColumns = []additiveColumn{
	{"accounts", "provider", "TEXT NOT NULL DEFAULT 'anthropic'"},
	{"accounts", "auth_type", "TEXT NOT NULL DEFAULT 'oauth'"},
	{"accounts", "api_key", "TEXT"},
	{"accounts", "session_start", "TEXT"},
	{"accounts", "session_request_count", "INTEGER NOT NULL DEFAULT 0"},
	{"accounts", "rate_limit_status", "TEXT"},
	{"accounts", "rate_limit_reset", "TEXT"},
	{"accounts", "rate_limit_remaining", "INTEGER"},
	{"accounts", "priority", "INTEGER NOT NULL DEFAULT 0"},
	{"accounts", "auto_fallback_enabled", "INTEGER NOT NULL DEFAULT 1"},
	{"accounts", "auto_refresh_enabled", "INTEGER NOT NULL DEFAULT 1"},
	{"accounts", "custom_endpoint", "TEXT"},
	{"accounts", "model_mappings", "TEXT"},
	{"requests", "cache_read_input_tokens", "INTEGER"},
	{"requests", "cache_creation_input_tokens", "INTEGER"},
	{"requests", "output_tokens_per_second", "REAL"},
	{"requests", "agent_used", "TEXT"},
	{"requests", "api_key_id", "TEXT"},
	{"oauth_sessions", "custom_endpoint", "TEXT"},
	{"api_keys", "role", "TEXT NOT NULL DEFAULT 'admin'"},
}

func additiveColumnsUp(ctx context.Context, tx *sql.Tx) error {
	for _, col := range additiveColumns {
		ok, err := hasColumn(ctx, tx, col.table, col.name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.name, col.decl)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", col.table, col.name, err)
		}
	}
	return nil
}

// legacyRewritesUp performs the fixed set of rewrites for databases carried
// over from the legacy implementation:
//   - drop obsolete account_tier/tier columns via table rebuild and swap
//   - rewrite oauth session mode 'max' to 'claude-oauth'
//   - move API keys stored in refresh_token into api_key
//   - sanitize account names to [A-Za-z0-9_-]+, de-duplicating by suffix
func legacyRewritesUp(ctx context.Context, tx *sql.Tx) error {
	hasTier, err := hasColumn(ctx, tx, "accounts", "tier")
	if err != nil {
		return err
	}
	hasAccountTier, err := hasColumn(ctx, tx, "accounts", "account_tier")
	if err != nil {
		return err
	}
	if hasTier || hasAccountTier {
		if err := rebuildAccounts(ctx, tx); err != nil {
			return fmt.Errorf("rebuild accounts: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE oauth_sessions SET mode='claude-oauth' WHERE mode='max'`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET api_key=refresh_token, refresh_token=NULL
		 WHERE auth_type='api_key'
		   AND (api_key IS NULL OR api_key='')
		   AND refresh_token IS NOT NULL AND refresh_token != ''`); err != nil {
		return err
	}

	return sanitizeAccountNames(ctx, tx)
}

// accountColumns is the canonical column list, used when rebuilding the
// accounts table to shed legacy columns.
const accountColumns = `id, name, provider, auth_type, access_token, refresh_token, api_key,
	expires_at, created_at, last_used, request_count, total_requests,
	session_start, session_request_count, rate_limited_until, rate_limit_status,
	rate_limit_reset, rate_limit_remaining, paused, priority,
	auto_fallback_enabled, auto_refresh_enabled, custom_endpoint, model_mappings`

func rebuildAccounts(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE accounts_new (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			provider TEXT NOT NULL DEFAULT 'anthropic',
			auth_type TEXT NOT NULL DEFAULT 'oauth',
			access_token TEXT,
			refresh_token TEXT,
			api_key TEXT,
			expires_at INTEGER,
			created_at TEXT NOT NULL,
			last_used TEXT,
			request_count INTEGER NOT NULL DEFAULT 0,
			total_requests INTEGER NOT NULL DEFAULT 0,
			session_start TEXT,
			session_request_count INTEGER NOT NULL DEFAULT 0,
			rate_limited_until TEXT,
			rate_limit_status TEXT,
			rate_limit_reset TEXT,
			rate_limit_remaining INTEGER,
			paused INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 0,
			auto_fallback_enabled INTEGER NOT NULL DEFAULT 1,
			auto_refresh_enabled INTEGER NOT NULL DEFAULT 1,
			custom_endpoint TEXT,
			model_mappings TEXT
		)`,
		`INSERT INTO accounts_new (` + accountColumns + `)
		 SELECT ` + accountColumns + ` FROM accounts`,
		`DROP TABLE accounts`,
		`ALTER TABLE accounts_new RENAME TO accounts`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func sanitizeAccountNames(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, name FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return err
	}
	type acct struct{ id, name string }
	var accts []acct
	taken := make(map[string]bool)
	for rows.Next() {
		var a acct
		if err := rows.Scan(&a.id, &a.name); err != nil {
			rows.Close()
			return err
		}
		accts = append(accts, a)
		taken[a.name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, a := range accts {
		clean := invalidNameChars.ReplaceAllString(a.name, "-")
		clean = strings.Trim(clean, "-")
		if clean == "" {
			clean = "account"
		}
		if clean == a.name {
			continue
		}
		delete(taken, a.name)
		unique := clean
		for n := 2; taken[unique]; n++ {
			unique = clean + "-" + strconv.Itoa(n)
		}
		taken[unique] = true
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET name=? WHERE id=?`, unique, a.id); err != nil {
			return err
		}
	}
	return nil
}

func hasColumn(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
