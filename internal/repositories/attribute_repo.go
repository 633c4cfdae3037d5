package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// AttributeRepository stores per-account key/value attributes
type AttributeRepository struct {
	db *database.DB
}

func NewAttributeRepository(db *database.DB) *AttributeRepository {
	return &AttributeRepository{db: db}
}

func (r *AttributeRepository) Get(ctx context.Context, accountID, key string) (string, bool, error) {
	if !validID(accountID) {
		return "", false, nil
	}
	query := `SELECT value FROM account_attributes WHERE account_id = $1::uuid AND key = $2`

	var value string
	err := r.db.Pool.QueryRow(ctx, query, accountID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read attribute %s: %w", key, err)
	}
	return value, true, nil
}

func (r *AttributeRepository) Set(ctx context.Context, accountID, key, value string) error {
	return setAttribute(ctx, r.db.Pool, accountID, key, value)
}

func setAttribute(ctx context.Context, q querier, accountID, key, value string) error {
	query := `
		INSERT INTO account_attributes (account_id, key, value, updated_at)
		VALUES ($1::uuid, $2, $3, NOW())
		ON CONFLICT (account_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := q.Exec(ctx, query, accountID, key, value); err != nil {
		return fmt.Errorf("failed to write attribute %s: %w", key, database.MapPostgresError(err))
	}
	return nil
}

func (r *AttributeRepository) Delete(ctx context.Context, accountID string, keys ...string) error {
	if len(keys) == 0 || !validID(accountID) {
		return nil
	}
	query := `DELETE FROM account_attributes WHERE account_id = $1::uuid AND key = ANY($2)`
	if _, err := r.db.Pool.Exec(ctx, query, accountID, keys); err != nil {
		return fmt.Errorf("failed to delete attributes: %w", err)
	}
	return nil
}

// Update serializes writers of the same key with a transaction-scoped
// advisory lock, which also covers keys that do not exist yet
func (r *AttributeRepository) Update(ctx context.Context, accountID, key string, fn func(current string, found bool) (string, error)) error {
	if !validID(accountID) {
		return models.ErrNotFound
	}

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "attr:"+accountID+":"+key); err != nil {
			return fmt.Errorf("failed to lock attribute %s: %w", key, err)
		}

		var current string
		found := true
		err := tx.QueryRow(ctx,
			`SELECT value FROM account_attributes WHERE account_id = $1::uuid AND key = $2`,
			accountID, key).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			found = false
		} else if err != nil {
			return fmt.Errorf("failed to read attribute %s: %w", key, err)
		}

		next, err := fn(current, found)
		if err != nil {
			return err
		}
		return setAttribute(ctx, tx, accountID, key, next)
	})
}

func (r *AttributeRepository) GetAll(ctx context.Context, accountID string, keys ...string) (map[string]string, error) {
	if !validID(accountID) {
		return map[string]string{}, nil
	}
	query := `SELECT key, value FROM account_attributes WHERE account_id = $1::uuid AND key = ANY($2)`

	rows, err := r.db.Pool.Query(ctx, query, accountID, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to read attributes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(keys))
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan attribute: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
