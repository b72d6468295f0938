package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

const apiKeyColumns = `id, name, hashed_key, prefix_last_8, created_at, last_used,
	usage_count, is_active, role`

// CreateKey inserts a new management API key.
func (s *Store) CreateKey(ctx context.Context, key *relay.APIKey) error {
	role := key.Role
	if role == "" {
		role = relay.RoleAdmin
	}
	_, err := s.exec(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.HashedKey, key.PrefixLast,
		key.CreatedAt.UTC().Format(time.RFC3339), timeToStr(key.LastUsed),
		key.UsageCount, boolToInt(key.IsActive), role,
	)
	return conflictErr(err)
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*relay.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE hashed_key = ?`, hash)
	return scanAPIKey(row)
}

// ListKeys returns all management keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*relay.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*relay.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CountActiveKeys returns the number of active keys. The auth gate is enabled
// iff this is nonzero.
func (s *Store) CountActiveKeys(ctx context.Context) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE is_active = 1`).Scan(&n)
	return n, err
}

// SetKeyActive toggles a key's active flag.
func (s *Store) SetKeyActive(ctx context.Context, id string, active bool) error {
	result, err := s.exec(ctx,
		`UPDATE api_keys SET is_active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes a management key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed stamps last_used and bumps the usage counter.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.exec(ctx,
		`UPDATE api_keys SET last_used=?, usage_count=usage_count+1 WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func scanAPIKey(sc scanner) (*relay.APIKey, error) {
	var k relay.APIKey
	var createdAt string
	var lastUsed sql.NullString
	var active int

	err := sc.Scan(&k.ID, &k.Name, &k.HashedKey, &k.PrefixLast,
		&createdAt, &lastUsed, &k.UsageCount, &active, &k.Role)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.IsActive = active != 0
	k.LastUsed = parseTime(lastUsed)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
