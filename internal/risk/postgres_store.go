package risk

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
// The risk_assessments table must exist (see migrations).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, assessment *Assessment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments
			(id, identity_key, risk_score, action, anomaly, reason, model_version, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		assessment.ID,
		assessment.IdentityKey,
		assessment.RiskScore,
		string(assessment.Action),
		assessment.Anomaly,
		assessment.Reason,
		assessment.ModelVersion,
		assessment.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByIdentity(ctx context.Context, identityKey string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_key, risk_score, action, anomaly, reason, model_version, evaluated_at
		FROM risk_assessments
		WHERE identity_key = $1
		ORDER BY evaluated_at DESC
		LIMIT $2`,
		identityKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		if err := rows.Scan(&a.ID, &a.IdentityKey, &a.RiskScore, &a.Action, &a.Anomaly,
			&a.Reason, &a.ModelVersion, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assessments: %w", err)
	}
	return result, nil
}
