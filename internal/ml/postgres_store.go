package ml

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists model versions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed model version store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the model_versions table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS model_versions (
			id         VARCHAR(64) PRIMARY KEY,
			active     BOOLEAN NOT NULL DEFAULT FALSE,
			weights    JSONB NOT NULL DEFAULT '{}',
			trained_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_model_versions_active
			ON model_versions ((TRUE)) WHERE active;
	`)
	return err
}

func (s *PostgresStore) List(ctx context.Context) ([]*ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, active, weights, trained_at, created_at
		FROM model_versions
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list model versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ModelVersion
	for rows.Next() {
		mv, err := scanModelVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*ModelVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, active, weights, trained_at, created_at
		FROM model_versions
		WHERE id = $1
	`, id)

	mv, err := scanModelVersion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model version: %w", err)
	}
	return mv, nil
}

func (s *PostgresStore) Put(ctx context.Context, mv *ModelVersion) error {
	if err := mv.Validate(); err != nil {
		return err
	}
	weightsJSON, err := json.Marshal(mv.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_versions (id, active, weights, trained_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			active     = EXCLUDED.active,
			weights    = EXCLUDED.weights,
			trained_at = EXCLUDED.trained_at
	`, mv.ID, mv.Active, weightsJSON, mv.TrainedAt, mv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to put model version: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM model_versions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check model version: %w", err)
	}
	if !exists {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `UPDATE model_versions SET active = (id = $1) WHERE active OR id = $1`, id); err != nil {
		return fmt.Errorf("failed to set active model: %w", err)
	}
	return tx.Commit()
}

func scanModelVersion(scan func(...any) error) (*ModelVersion, error) {
	var mv ModelVersion
	var weightsJSON []byte
	if err := scan(&mv.ID, &mv.Active, &weightsJSON, &mv.TrainedAt, &mv.CreatedAt); err != nil {
		return nil, err
	}
	mv.Weights = make(map[string]float64)
	if err := json.Unmarshal(weightsJSON, &mv.Weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights for %s: %w", mv.ID, err)
	}
	return &mv, nil
}
