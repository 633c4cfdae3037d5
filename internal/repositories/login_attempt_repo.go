package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// LoginAttemptRepository handles database operations for the per-address
// failure ledger
type LoginAttemptRepository struct {
	db *database.DB
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

const attemptColumns = `address, fail_count, lockout_count, attempted_identities, last_attempt_time, lockout_until`

func scanAttemptRow(scanner rowScanner) (*models.LoginAttemptRecord, error) {
	rec := models.NewLoginAttemptRecord("")
	var identities []byte
	var lockoutUntil *time.Time

	err := scanner.Scan(&rec.Address, &rec.FailCount, &rec.LockoutCount, &identities, &rec.LastAttemptTime, &lockoutUntil)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if len(identities) > 0 {
		if err := json.Unmarshal(identities, &rec.AttemptedIdentities); err != nil {
			return nil, fmt.Errorf("malformed attempted identities for %s: %w", rec.Address, err)
		}
	}
	if rec.AttemptedIdentities == nil {
		rec.AttemptedIdentities = make(map[string]int)
	}
	if lockoutUntil != nil {
		rec.LockoutUntil = *lockoutUntil
	}
	return rec, nil
}

// Get returns the record for address or models.ErrNotFound
func (r *LoginAttemptRepository) Get(ctx context.Context, address string) (*models.LoginAttemptRecord, error) {
	query := `SELECT ` + attemptColumns + ` FROM login_attempts WHERE address = $1`
	return scanAttemptRow(r.db.Pool.QueryRow(ctx, query, address))
}

// Update reads the record under a row lock (a fresh one if absent), applies
// fn and writes the result back in the same transaction
func (r *LoginAttemptRepository) Update(ctx context.Context, address string, fn func(*models.LoginAttemptRecord) error) (*models.LoginAttemptRecord, error) {
	var result *models.LoginAttemptRecord

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		// make sure a row exists so FOR UPDATE has something to lock
		if _, err := tx.Exec(ctx,
			`INSERT INTO login_attempts (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`,
			address); err != nil {
			return fmt.Errorf("failed to create attempt record: %w", err)
		}

		rec, err := scanAttemptRow(tx.QueryRow(ctx,
			`SELECT `+attemptColumns+` FROM login_attempts WHERE address = $1 FOR UPDATE`, address))
		if err != nil {
			return fmt.Errorf("failed to lock attempt record: %w", err)
		}

		if err := fn(rec); err != nil {
			return err
		}

		if err := writeAttempt(ctx, tx, rec); err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func writeAttempt(ctx context.Context, q querier, rec *models.LoginAttemptRecord) error {
	identities, err := json.Marshal(rec.AttemptedIdentities)
	if err != nil {
		return fmt.Errorf("failed to encode attempted identities: %w", err)
	}

	var lockoutUntil *time.Time
	if !rec.LockoutUntil.IsZero() {
		lockoutUntil = &rec.LockoutUntil
	}

	query := `
		UPDATE login_attempts
		SET fail_count = $2, lockout_count = $3, attempted_identities = $4,
		    last_attempt_time = $5, lockout_until = $6
		WHERE address = $1
	`
	if _, err := q.Exec(ctx, query, rec.Address, rec.FailCount, rec.LockoutCount, identities, rec.LastAttemptTime, lockoutUntil); err != nil {
		return fmt.Errorf("failed to write attempt record: %w", err)
	}
	return nil
}

// Delete removes the record for address
func (r *LoginAttemptRepository) Delete(ctx context.Context, address string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM login_attempts WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("failed to delete attempt record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// List returns every record ordered by address
func (r *LoginAttemptRepository) List(ctx context.Context) ([]*models.LoginAttemptRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+attemptColumns+` FROM login_attempts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempt records: %w", err)
	}
	return scanRows(rows, scanAttemptRow)
}

// ResetExpired clears lockouts that have run out, together with their
// failure counts
func (r *LoginAttemptRepository) ResetExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE login_attempts
		SET lockout_until = NULL, fail_count = 0
		WHERE lockout_until IS NOT NULL AND lockout_until <= $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reset expired lockouts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeStale handles records idle since before. Records that never locked
// out are deleted; the rest keep their lockout count so repeat offenders
// still escalate.
func (r *LoginAttemptRepository) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	var total int64

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM login_attempts WHERE last_attempt_time < $1 AND lockout_count = 0`, before)
		if err != nil {
			return fmt.Errorf("failed to delete stale records: %w", err)
		}
		total += tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
			UPDATE login_attempts
			SET fail_count = 0, attempted_identities = '{}', lockout_until = NULL
			WHERE last_attempt_time < $1
			  AND (fail_count <> 0 OR lockout_until IS NOT NULL OR attempted_identities <> '{}')`, before)
		if err != nil {
			return fmt.Errorf("failed to trim stale records: %w", err)
		}
		total += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

