package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
)

// AddressListRepository stores allowlist and denylist membership. The
// address is the primary key, so an address sits on at most one list.
type AddressListRepository struct {
	db *database.DB
}

func NewAddressListRepository(db *database.DB) *AddressListRepository {
	return &AddressListRepository{db: db}
}

func scanListEntry(scanner rowScanner) (*models.AddressListEntry, error) {
	var e models.AddressListEntry
	if err := scanner.Scan(&e.Address, &e.List, &e.Reason, &e.AddedAt); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

// Add inserts the entry, moving the address if it is on the other list
func (r *AddressListRepository) Add(ctx context.Context, entry *models.AddressListEntry) error {
	query := `
		INSERT INTO address_lists (address, list, reason, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE
		SET list = EXCLUDED.list, reason = EXCLUDED.reason, added_at = EXCLUDED.added_at
	`
	if _, err := r.db.Pool.Exec(ctx, query, entry.Address, entry.List, entry.Reason, entry.AddedAt); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", entry.Address, entry.List, database.MapPostgresError(err))
	}
	return nil
}

// Remove deletes address from list, or returns models.ErrNotFound
func (r *AddressListRepository) Remove(ctx context.Context, address, list string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM address_lists WHERE address = $1 AND list = $2`, address, list)
	if err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", address, list, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *AddressListRepository) Lookup(ctx context.Context, address string) (*models.AddressListEntry, error) {
	query := `SELECT address, list, reason, added_at FROM address_lists WHERE address = $1`
	return scanListEntry(r.db.Pool.QueryRow(ctx, query, address))
}

func (r *AddressListRepository) List(ctx context.Context, list string) ([]*models.AddressListEntry, error) {
	query := `SELECT address, list, reason, added_at FROM address_lists WHERE list = $1 ORDER BY added_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, list)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", list, err)
	}
	return scanRows(rows, scanListEntry)
}
