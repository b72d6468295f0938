package sqlite

import (
	"context"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// CreateOAuthSession inserts a pending PKCE login.
func (s *Store) CreateOAuthSession(ctx context.Context, sess *relay.OAuthSession) error {
	_, err := s.exec(ctx,
		`INSERT INTO oauth_sessions (id, account_name, pkce_verifier, mode, custom_endpoint, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AccountName, sess.PKCEVerifier, sess.Mode,
		nullStr(sess.CustomEndpoint),
		sess.CreatedAt.UTC().Format(time.RFC3339),
		sess.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetOAuthSession retrieves a pending login by id.
func (s *Store) GetOAuthSession(ctx context.Context, id string) (*relay.OAuthSession, error) {
	var sess relay.OAuthSession
	var endpoint, createdAt, expiresAt string
	err := s.read.QueryRowContext(ctx,
		`SELECT id, account_name, pkce_verifier, mode, COALESCE(custom_endpoint, ''), created_at, expires_at
		 FROM oauth_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.AccountName, &sess.PKCEVerifier, &sess.Mode, &endpoint, &createdAt, &expiresAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	sess.CustomEndpoint = endpoint
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, expiresAt); err == nil {
		sess.ExpiresAt = t
	}
	return &sess, nil
}

// DeleteOAuthSession removes a pending login.
func (s *Store) DeleteOAuthSession(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM oauth_sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "oauth session")
}

// DeleteExpiredOAuthSessions sweeps logins past their TTL and returns the
// number removed.
func (s *Store) DeleteExpiredOAuthSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.exec(ctx,
		`DELETE FROM oauth_sessions WHERE expires_at < ?`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
