package repositories

import (
	"context"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{pool: db.Pool}
}

const accountColumns = `id, login, email, password_hash, roles, created_at, updated_at`

func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var account models.Account
	var roles []string

	err := scanner.Scan(
		&account.ID, &account.Login, &account.Email, &account.PasswordHash,
		pq.Array(&roles), &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	account.Roles = roles
	return &account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if !validID(id) {
		return nil, models.ErrNotFound
	}
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1::uuid`
	return scanAccountRow(r.pool.QueryRow(ctx, query, id))
}

// GetByLogin accepts either the login name or the email address
func (r *AccountRepository) GetByLogin(ctx context.Context, login string) (*models.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE lower(login) = lower($1) OR lower(email) = lower($1)
		ORDER BY (lower(login) = lower($1)) DESC
		LIMIT 1
	`
	return scanAccountRow(r.pool.QueryRow(ctx, query, login))
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	query := `
		INSERT INTO accounts (login, email, password_hash, roles)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + accountColumns

	return scanAccountRow(r.pool.QueryRow(ctx, query,
		account.Login, account.Email, account.PasswordHash, pq.Array(account.Roles),
	))
}
