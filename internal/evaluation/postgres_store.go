package evaluation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
)

// PostgresStore persists evaluation results in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed evaluation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the evaluations table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS evaluations (
			id               VARCHAR(36) PRIMARY KEY,
			transaction_id   VARCHAR(64) NOT NULL,
			customer_id      VARCHAR(64) NOT NULL,
			risk_score       INT NOT NULL CHECK (risk_score >= 0 AND risk_score <= 100),
			risk_level       VARCHAR(10) NOT NULL,
			decision         VARCHAR(15) NOT NULL CHECK (decision IN ('approve', 'require_auth', 'block')),
			detail           JSONB NOT NULL DEFAULT '{}',
			fail_open        BOOLEAN NOT NULL DEFAULT FALSE,
			evaluated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_evaluations_transaction
			ON evaluations (transaction_id, evaluated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_evaluations_customer
			ON evaluations (customer_id, evaluated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_evaluations_blocks
			ON evaluations (evaluated_at DESC) WHERE decision = 'block';
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, result *EvaluationResult) error {
	detail, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, transaction_id, customer_id, risk_score, risk_level, decision, detail, fail_open, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		result.ID,
		result.TransactionID,
		result.CustomerID,
		result.RiskScore,
		string(result.RiskLevel),
		string(result.Decision),
		detail,
		result.FailOpen,
		result.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record evaluation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*EvaluationResult, error) {
	var detail []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT detail
		FROM evaluations
		WHERE transaction_id = $1
		ORDER BY evaluated_at DESC
		LIMIT 1
	`, transactionID).Scan(&detail)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation: %w", err)
	}

	var result EvaluationResult
	if err := json.Unmarshal(detail, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal evaluation: %w", err)
	}
	return &result, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*EvaluationResult, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT detail FROM evaluations WHERE risk_score >= $1`
	args := []any{filter.MinScore}

	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		query += ` AND customer_id = $` + strconv.Itoa(len(args))
	}
	if filter.Decision != "" {
		args = append(args, string(filter.Decision))
		query += ` AND decision = $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY evaluated_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EvaluationResult
	for rows.Next() {
		var detail []byte
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		var result EvaluationResult
		if err := json.Unmarshal(detail, &result); err != nil {
			continue
		}
		out = append(out, &result)
	}
	return out, rows.Err()
}
