// Package integration holds the helpers shared by the integration tests.
// The tests themselves run against a disposable PostgreSQL container and
// are only built with the integration tag.
package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB is a migrated database running in a container
type TestDB struct {
	Container *postgres.PostgresContainer
	DB        *database.DB
	Pool      *pgxpool.Pool
}

// SetupTestDatabase starts PostgreSQL in a container and applies the
// embedded migrations
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("bastion"),
		postgres.WithUsername("bastion"),
		postgres.WithPassword("bastion"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := database.NewFromPool(pool, QuietLogger())
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &TestDB{Container: container, DB: db, Pool: pool}, nil
}

// MustSetupTestDatabase is SetupTestDatabase for use from a test, registering
// teardown with t.Cleanup
func MustSetupTestDatabase(t *testing.T) *TestDB {
	t.Helper()

	ctx := context.Background()
	db, err := SetupTestDatabase(ctx)
	if err != nil {
		t.Fatalf("failed to set up test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Teardown(context.Background()); err != nil {
			t.Logf("teardown failed: %v", err)
		}
	})
	return db
}

// Teardown closes the pool and stops the container
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"challenge_sessions",
		"login_history",
		"address_lists",
		"login_attempts",
		"settings",
		"account_attributes",
		"accounts",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// SeedAccount inserts an account with a bcrypt hash of password
func SeedAccount(ctx context.Context, db *database.DB, login, email, password string, roles ...string) (*models.Account, error) {
	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	if roles == nil {
		roles = []string{}
	}
	account, err := repositories.NewAccountRepository(db).Create(ctx, &models.Account{
		Login:        login,
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	return account, nil
}

// QuietLogger discards everything below error
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
