package rules

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists detection rules in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the detection_rules table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS detection_rules (
			id          VARCHAR(64) PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category    VARCHAR(20) NOT NULL,
			expression  TEXT NOT NULL,
			score       INT NOT NULL CHECK (score >= 0 AND score <= 100),
			action      VARCHAR(10) NOT NULL CHECK (action IN ('score', 'block', 'flag')),
			priority    INT NOT NULL DEFAULT 0,
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			version     INT NOT NULL DEFAULT 1,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_detection_rules_active
			ON detection_rules (priority DESC) WHERE active;
	`)
	return err
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]DetectionRule, error) {
	return s.list(ctx, `
		SELECT id, name, description, category, expression, score, action, priority, active, version, updated_at
		FROM detection_rules
		WHERE active
		ORDER BY priority DESC, id
	`)
}

func (s *PostgresStore) List(ctx context.Context) ([]DetectionRule, error) {
	return s.list(ctx, `
		SELECT id, name, description, category, expression, score, action, priority, active, version, updated_at
		FROM detection_rules
		ORDER BY priority DESC, id
	`)
}

func (s *PostgresStore) list(ctx context.Context, query string) ([]DetectionRule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DetectionRule
	for rows.Next() {
		var r DetectionRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Category, &r.Expression,
			&r.Score, &r.Action, &r.Priority, &r.Active, &r.Version, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*DetectionRule, error) {
	var r DetectionRule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, category, expression, score, action, priority, active, version, updated_at
		FROM detection_rules
		WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Description, &r.Category, &r.Expression,
		&r.Score, &r.Action, &r.Priority, &r.Active, &r.Version, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rule *DetectionRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO detection_rules (id, name, description, category, expression, score, action, priority, active, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
		ON CONFLICT (id) DO UPDATE SET
			name        = EXCLUDED.name,
			description = EXCLUDED.description,
			category    = EXCLUDED.category,
			expression  = EXCLUDED.expression,
			score       = EXCLUDED.score,
			action      = EXCLUDED.action,
			priority    = EXCLUDED.priority,
			active      = EXCLUDED.active,
			version     = detection_rules.version + 1,
			updated_at  = EXCLUDED.updated_at
		RETURNING version
	`,
		rule.ID, rule.Name, rule.Description, string(rule.Category), rule.Expression,
		rule.Score, string(rule.Action), rule.Priority, rule.Active, rule.UpdatedAt,
	).Scan(&rule.Version)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM detection_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
