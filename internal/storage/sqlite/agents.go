package sqlite

import (
	"context"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// GetAgentPreference retrieves the routing preference for an agent.
func (s *Store) GetAgentPreference(ctx context.Context, agent string) (*relay.AgentPreference, error) {
	var p relay.AgentPreference
	var accountName, model string
	var updatedAt string
	err := s.read.QueryRowContext(ctx,
		`SELECT agent, COALESCE(account_name, ''), COALESCE(model, ''), updated_at
		 FROM agent_preferences WHERE agent = ?`, agent,
	).Scan(&p.Agent, &accountName, &model, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.AccountName = accountName
	p.Model = model
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}

// SetAgentPreference upserts an agent preference row.
func (s *Store) SetAgentPreference(ctx context.Context, p *relay.AgentPreference) error {
	_, err := s.exec(ctx,
		`INSERT INTO agent_preferences (agent, account_name, model, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent) DO UPDATE SET account_name=excluded.account_name,
		 model=excluded.model, updated_at=excluded.updated_at`,
		p.Agent, nullStr(p.AccountName), nullStr(p.Model),
		time.Now().UTC().Format(time.RFC3339))
	return err
}

// ListAgentPreferences returns all agent preference rows.
func (s *Store) ListAgentPreferences(ctx context.Context) ([]*relay.AgentPreference, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT agent, COALESCE(account_name, ''), COALESCE(model, ''), updated_at
		 FROM agent_preferences ORDER BY agent`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.AgentPreference
	for rows.Next() {
		var p relay.AgentPreference
		var updatedAt string
		if err := rows.Scan(&p.Agent, &p.AccountName, &p.Model, &updatedAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			p.UpdatedAt = t
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteAgentPreference removes an agent preference.
func (s *Store) DeleteAgentPreference(ctx context.Context, agent string) error {
	result, err := s.exec(ctx, `DELETE FROM agent_preferences WHERE agent=?`, agent)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "agent preference")
}
