package matcher

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore is a TemplateStore backed by PostgreSQL so every replica
// matches against the same enrolled set. Embeddings are float8[] columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed template store.
// The templates table must exist (see migrations).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Put implements TemplateStore. The upsert makes re-registration last-write-wins.
func (s *PostgresStore) Put(ctx context.Context, tpl Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (identity_key, embedding, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_key) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			registered_at = EXCLUDED.registered_at`,
		tpl.IdentityKey, pq.Array(tpl.Embedding), tpl.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// Get implements TemplateStore.
func (s *PostgresStore) Get(ctx context.Context, identityKey string) (Template, bool, error) {
	var tpl Template
	var embedding pq.Float64Array
	err := s.db.QueryRowContext(ctx, `
		SELECT identity_key, embedding, registered_at
		FROM templates
		WHERE identity_key = $1`,
		identityKey,
	).Scan(&tpl.IdentityKey, &embedding, &tpl.RegisteredAt)
	if err == sql.ErrNoRows {
		return Template{}, false, nil
	}
	if err != nil {
		return Template{}, false, fmt.Errorf("get template: %w", err)
	}
	tpl.Embedding = []float64(embedding)
	return tpl, true, nil
}

// Delete implements TemplateStore.
func (s *PostgresStore) Delete(ctx context.Context, identityKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE identity_key = $1`, identityKey); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}

// Snapshot implements TemplateStore. A single query gives a consistent view.
func (s *PostgresStore) Snapshot(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity_key, embedding, registered_at
		FROM templates
		ORDER BY identity_key`)
	if err != nil {
		return nil, fmt.Errorf("snapshot templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var tpl Template
		var embedding pq.Float64Array
		if err := rows.Scan(&tpl.IdentityKey, &embedding, &tpl.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		tpl.Embedding = []float64(embedding)
		out = append(out, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return out, nil
}

// Count implements TemplateStore.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count templates: %w", err)
	}
	return n, nil
}
