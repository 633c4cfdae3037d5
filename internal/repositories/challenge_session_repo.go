package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
)

// ChallengeSessionRepository stores in-progress login handshakes in postgres
type ChallengeSessionRepository struct {
	db *database.DB
}

func NewChallengeSessionRepository(db *database.DB) *ChallengeSessionRepository {
	return &ChallengeSessionRepository{db: db}
}

func (r *ChallengeSessionRepository) Get(ctx context.Context, token string) (*models.ChallengeSession, error) {
	query := `
		SELECT token, account_id::text, pending, created_at, expires_at
		FROM challenge_sessions WHERE token = $1
	`
	var s models.ChallengeSession
	err := r.db.Pool.QueryRow(ctx, query, token).Scan(&s.Token, &s.AccountID, &s.Pending, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

func (r *ChallengeSessionRepository) Save(ctx context.Context, session *models.ChallengeSession) error {
	query := `
		INSERT INTO challenge_sessions (token, account_id, pending, created_at, expires_at)
		VALUES ($1, $2::uuid, $3, $4, $5)
		ON CONFLICT (token) DO UPDATE
		SET account_id = EXCLUDED.account_id, pending = EXCLUDED.pending, expires_at = EXCLUDED.expires_at
	`
	_, err := r.db.Pool.Exec(ctx, query, session.Token, session.AccountID, session.Pending, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save challenge session: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *ChallengeSessionRepository) Delete(ctx context.Context, token string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM challenge_sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to delete challenge session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *ChallengeSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM challenge_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired challenge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ChallengeSessionRepository) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	if !validID(accountID) {
		return 0, nil
	}
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM challenge_sessions WHERE account_id = $1::uuid`, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete account challenge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
