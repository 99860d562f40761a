package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskplane/taskplane/internal/domain"
)

// VariableStore is a Postgres-backed implementation of api.VariableStore.
// Values arrive already encrypted; this store never sees plaintext.
type VariableStore struct {
	pool *pgxpool.Pool
}

// NewVariableStore creates a VariableStore backed by the given pool.
func NewVariableStore(pool *pgxpool.Pool) *VariableStore {
	return &VariableStore{pool: pool}
}

// UpsertVariable creates or replaces a variable. The created_at and
// created_by of an existing row are preserved.
func (s *VariableStore) UpsertVariable(ctx context.Context, v *domain.Variable) error {
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO variables (name, encrypted_value, description, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (name) DO UPDATE SET
			encrypted_value = EXCLUDED.encrypted_value,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at, created_by`,
		v.Name, v.EncryptedValue, v.Description, v.CreatedBy, now,
	).Scan(&v.CreatedAt, &v.UpdatedAt, &v.CreatedBy)
	if err != nil {
		return fmt.Errorf("upsert variable %s: %w", v.Name, err)
	}
	return nil
}

// GetVariable fetches a variable by name, including its encrypted value.
func (s *VariableStore) GetVariable(ctx context.Context, name string) (*domain.Variable, error) {
	var v domain.Variable
	err := s.pool.QueryRow(ctx, `
		SELECT name, encrypted_value, description, created_by, created_at, updated_at
		FROM variables WHERE name = $1`, name,
	).Scan(&v.Name, &v.EncryptedValue, &v.Description, &v.CreatedBy, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: variable %s", domain.ErrTaskNotFound, name)
		}
		return nil, fmt.Errorf("get variable %s: %w", name, err)
	}
	return &v, nil
}

// ListVariables returns all variables ordered by name. Encrypted values are
// included so the manager can resolve them; the API layer must not expose
// them.
func (s *VariableStore) ListVariables(ctx context.Context) ([]domain.Variable, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, encrypted_value, description, created_by, created_at, updated_at
		FROM variables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer rows.Close()

	var vars []domain.Variable
	for rows.Next() {
		var v domain.Variable
		if err := rows.Scan(&v.Name, &v.EncryptedValue, &v.Description,
			&v.CreatedBy, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan variable row: %w", err)
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// DeleteVariable removes a variable by name.
func (s *VariableStore) DeleteVariable(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM variables WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("delete variable %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: variable %s", domain.ErrTaskNotFound, name)
	}
	return nil
}
