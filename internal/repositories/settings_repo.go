package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/jackc/pgx/v5"
)

// SettingsRepository is the global settings store
type SettingsRepository struct {
	db *database.DB
}

func NewSettingsRepository(db *database.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Get(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", name, err)
	}
	return value, true, nil
}

func (r *SettingsRepository) Set(ctx context.Context, name, value string) error {
	query := `
		INSERT INTO settings (name, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, name, value); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", name, err)
	}
	return nil
}

func (r *SettingsRepository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT name, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
