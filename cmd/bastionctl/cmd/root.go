package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BradenHooton/bastion/internal/config"
	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/spf13/cobra"
)

// lockoutAdmin is the administrator view of the lockout policy
type lockoutAdmin interface {
	LoginAttempts(ctx context.Context) ([]*models.LoginAttemptRecord, error)
	LoginAttempt(ctx context.Context, address string) (*models.LoginAttemptRecord, error)
	ResetLoginAttempts(ctx context.Context, address, actor string) error
	AddressList(ctx context.Context, list string) ([]*models.AddressListEntry, error)
	AddToAllowlist(ctx context.Context, address, reason, actor string) error
	AddToDenylist(ctx context.Context, address, reason, actor string) error
	RemoveFromList(ctx context.Context, address, list, actor string) error
	LoginHistory(ctx context.Context, limit int) ([]*models.LoginHistoryEntry, error)
	Sweep(ctx context.Context) (services.SweepResult, error)
}

// settingsAdmin reads and writes the stored security settings
type settingsAdmin interface {
	Current(ctx context.Context) (models.SecuritySettings, error)
	Set(ctx context.Context, name, value string) error
}

// backend is what the data commands operate on
type backend struct {
	lockout  lockoutAdmin
	settings settingsAdmin
	migrate  func(ctx context.Context) error
	close    func()
}

// openBackend connects to the database named by the environment. Tests
// replace it.
var openBackend = func(ctx context.Context) (*backend, error) {
	cfg, err := config.LoadForMaintenance()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	settings := services.NewSettingsService(repositories.NewSettingsRepository(db), cfg.SecurityDefaults(), logger)
	notifier := services.NewEmailLockoutNotifier(services.NewLogMailer(logger), cfg.Email.AdminAddress,
		cfg.Email.NotifyPerMinute, cfg.Email.NotifyBurst, logger)
	lockout := services.NewLockoutService(
		repositories.NewLoginAttemptRepository(db),
		repositories.NewAddressListRepository(db),
		repositories.NewLoginHistoryRepository(db),
		settings,
		notifier,
		services.LockoutConfig{
			HistoryRetention: cfg.Lockout.HistoryRetention,
			StaleAfter:       cfg.Lockout.StaleAfter,
		},
		logger,
	)

	return &backend{
		lockout:  lockout,
		settings: settings,
		migrate:  db.Migrate,
		close:    db.Close,
	}, nil
}

var jsonOutput bool

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bastionctl",
		Short: "bastionctl administers the login lockout and two-factor service",
		Long: `Operator tool for the bastion authentication service.
Manages the address allow and deny lists, inspects and resets failed login
records, runs the maintenance sweep and edits the stored security settings.
Database settings are read from the same environment as the server.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	root.AddCommand(
		newAllowCmd(),
		newDenyCmd(),
		newUnlistCmd(),
		newListsCmd(),
		newAttemptsCmd(),
		newResetCmd(),
		newHistoryCmd(),
		newSweepCmd(),
		newSettingsCmd(),
		newMigrateCmd(),
		newGenKeyCmd(),
	)
	return root
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// withBackend opens the backend for the duration of fn
func withBackend(cmd *cobra.Command, fn func(ctx context.Context, b *backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	if b.close != nil {
		defer b.close()
	}
	return fn(ctx, b)
}

// actor names the operator in audit entries
func actor() string {
	if user := os.Getenv("USER"); user != "" {
		return "bastionctl:" + user
	}
	return "bastionctl"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func validList(list string) error {
	list = strings.ToLower(list)
	if list != models.ListAllow && list != models.ListDeny {
		return fmt.Errorf("list must be %q or %q", models.ListAllow, models.ListDeny)
	}
	return nil
}
