package sqlite

import (
	"context"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// GetStrategyConfig retrieves the persisted config for a strategy name.
func (s *Store) GetStrategyConfig(ctx context.Context, name string) (*relay.StrategyConfig, error) {
	var sc relay.StrategyConfig
	var updatedAt string
	err := s.read.QueryRowContext(ctx,
		`SELECT name, config, updated_at FROM strategies WHERE name = ?`, name,
	).Scan(&sc.Name, &sc.Config, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		sc.UpdatedAt = t
	}
	return &sc, nil
}

// SetStrategyConfig upserts a strategy config row.
func (s *Store) SetStrategyConfig(ctx context.Context, name, configJSON string) error {
	_, err := s.exec(ctx,
		`INSERT INTO strategies (name, config, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET config=excluded.config, updated_at=excluded.updated_at`,
		name, configJSON, time.Now().UTC().Format(time.RFC3339))
	return err
}

// ListStrategyConfigs returns all persisted strategy configs.
func (s *Store) ListStrategyConfigs(ctx context.Context) ([]*relay.StrategyConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT name, config, updated_at FROM strategies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.StrategyConfig
	for rows.Next() {
		var sc relay.StrategyConfig
		var updatedAt string
		if err := rows.Scan(&sc.Name, &sc.Config, &updatedAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			sc.UpdatedAt = t
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}
