package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories care about
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeNotNullViolation    = "23502"
	codeInvalidText         = "22P02"
	codeLockNotAvailable    = "55P03"
)

// ErrLockTimeout is returned when a row or advisory lock was not granted
// within the configured lock timeout
var ErrLockTimeout = errors.New("timed out waiting for a database lock")

// MapPostgresError translates driver errors into the models error taxonomy.
// Errors with no mapping are returned unchanged.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeUniqueViolation:
		return models.ErrConflict
	case codeForeignKeyViolation, codeNotNullViolation, codeInvalidText:
		return models.ErrBadRequest
	case codeLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
	}
	return err
}

// WithTransaction runs fn inside a transaction. The transaction commits when
// fn returns nil and rolls back otherwise, including when fn panics.
func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, db.Pool, fn)
}
