// Package boltstore keeps in-progress login handshakes in an embedded BBolt
// database, for deployments that prefer not to write them to postgres.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"go.etcd.io/bbolt"
)

var sessionsBucket = []byte("challenge_sessions")

type sessionRecord struct {
	AccountID string    `json:"account_id"`
	Pending   bool      `json:"pending"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store implements the challenge session store on BBolt
type Store struct {
	db *bbolt.DB
}

// New returns a Store backed by db, creating its bucket if needed
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens the BBolt database at path and returns a Store over it
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, token string) (*models.ChallengeSession, error) {
	var session *models.ChallengeSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(token))
		if data == nil {
			return models.ErrNotFound
		}
		var rec sessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding session: %w", err)
		}
		session = &models.ChallengeSession{
			Token:     token,
			AccountID: rec.AccountID,
			Pending:   rec.Pending,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) Save(ctx context.Context, session *models.ChallengeSession) error {
	data, err := json.Marshal(sessionRecord{
		AccountID: session.AccountID,
		Pending:   session.Pending,
		CreatedAt: session.CreatedAt,
		ExpiresAt: session.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(session.Token), data)
	})
}

func (s *Store) Delete(ctx context.Context, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(token)) == nil {
			return models.ErrNotFound
		}
		return b.Delete([]byte(token))
	})
}

// DeleteExpired scans every session; the bucket only ever holds live
// handshakes so it stays small
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.deleteWhere(func(rec sessionRecord) bool {
		return !now.Before(rec.ExpiresAt)
	})
}

// DeleteByAccount removes every handshake of accountID
func (s *Store) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	return s.deleteWhere(func(rec sessionRecord) bool {
		return rec.AccountID == accountID
	})
}

// deleteWhere removes the sessions matched by drop. Records that no longer
// decode are removed as well.
func (s *Store) deleteWhere(drop func(sessionRecord) bool) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)

		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec sessionRecord
			if err := json.Unmarshal(v, &rec); err != nil || drop(rec) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = int64(len(doomed))
		return nil
	})
	return n, err
}
