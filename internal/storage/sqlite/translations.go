package sqlite

import (
	"context"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// CreateTranslation inserts a global model rewrite rule. An existing rule for
// the same source pattern is replaced.
func (s *Store) CreateTranslation(ctx context.Context, t *relay.ModelTranslation) error {
	_, err := s.exec(ctx,
		`INSERT INTO model_translations (id, source_pattern, target_model, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(source_pattern) DO UPDATE SET target_model=excluded.target_model,
		 enabled=excluded.enabled`,
		t.ID, t.SourcePattern, t.TargetModel, boolToInt(t.Enabled),
		t.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// ListTranslations returns all rewrite rules, longest source pattern first so
// callers can apply the most specific match.
func (s *Store) ListTranslations(ctx context.Context) ([]*relay.ModelTranslation, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, source_pattern, target_model, enabled, created_at
		 FROM model_translations ORDER BY LENGTH(source_pattern) DESC, source_pattern`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.ModelTranslation
	for rows.Next() {
		var t relay.ModelTranslation
		var enabled int
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SourcePattern, &t.TargetModel, &enabled, &createdAt); err != nil {
			return nil, err
		}
		t.Enabled = enabled != 0
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			t.CreatedAt = ts
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteTranslation removes a rewrite rule by id.
func (s *Store) DeleteTranslation(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM model_translations WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model translation")
}
