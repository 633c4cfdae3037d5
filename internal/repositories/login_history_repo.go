package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// LoginHistoryRepository keeps the newest login outcomes, trimming the table
// to a fixed capacity on every append
type LoginHistoryRepository struct {
	db *database.DB
}

func NewLoginHistoryRepository(db *database.DB) *LoginHistoryRepository {
	return &LoginHistoryRepository{db: db}
}

func scanHistoryEntry(scanner rowScanner) (*models.LoginHistoryEntry, error) {
	var e models.LoginHistoryEntry
	if err := scanner.Scan(&e.ID, &e.Address, &e.Identity, &e.Timestamp, &e.Success, &e.ClientSignature); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

func (r *LoginHistoryRepository) Append(ctx context.Context, entry *models.LoginHistoryEntry, capacity int) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO login_history (id, address, identity, occurred_at, success, client_signature)
			VALUES ($1::uuid, $2, $3, $4, $5, $6)`,
			entry.ID, entry.Address, entry.Identity, entry.Timestamp, entry.Success, entry.ClientSignature)
		if err != nil {
			return fmt.Errorf("failed to append login history: %w", database.MapPostgresError(err))
		}

		if capacity <= 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM login_history
			WHERE seq <= (SELECT seq FROM login_history ORDER BY seq DESC OFFSET $1 LIMIT 1)`,
			capacity)
		if err != nil {
			return fmt.Errorf("failed to trim login history: %w", err)
		}
		return nil
	})
}

// List returns up to limit entries, newest first
func (r *LoginHistoryRepository) List(ctx context.Context, limit int) ([]*models.LoginHistoryEntry, error) {
	query := `
		SELECT id::text, address, identity, occurred_at, success, client_signature
		FROM login_history
		ORDER BY seq DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list login history: %w", err)
	}
	return scanRows(rows, scanHistoryEntry)
}

func (r *LoginHistoryRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM login_history WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete login history: %w", err)
	}
	return tag.RowsAffected(), nil
}
