package cmd

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/spf13/cobra"
)

func newSettingsCmd() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the stored security settings",
	}

	settingsCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the effective security settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				current, err := b.settings.Current(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), settingValues(current))
				}
				return printSettings(cmd.OutOrStdout(), current)
			})
		},
	})

	settingsCmd.AddCommand(&cobra.Command{
		Use:   "set <name> <value>",
		Short: "Change one security setting",
		Long: `Changes one stored setting. Durations are whole seconds and role lists
are comma separated, for example:

  bastionctl settings set lockout_duration 900
  bastionctl settings set lockout_block_type silent
  bastionctl settings set twofa_required_roles administrator,editor`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				if err := b.settings.Set(ctx, args[0], settingArg(args[0], args[1])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
				return nil
			})
		},
	})

	return settingsCmd
}

// settingArg converts a command line value into the stored JSON form. Values
// that are already JSON pass through unchanged.
func settingArg(name, value string) string {
	if json.Valid([]byte(value)) {
		return value
	}

	var v any = value
	if name == models.SettingTwoFactorRoles {
		roles := []string{}
		for _, role := range strings.Split(value, ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		v = roles
	}

	b, err := json.Marshal(v)
	if err != nil {
		return value
	}
	return string(b)
}

// settingValues renders the settings under their stored names, in the
// format accepted by "settings set"
func settingValues(s models.SecuritySettings) map[string]string {
	seconds := func(d time.Duration) string { return strconv.FormatInt(int64(d/time.Second), 10) }
	return map[string]string{
		models.SettingMaxAttempts:          strconv.Itoa(s.MaxAttempts),
		models.SettingLockoutDuration:      seconds(s.LockoutDuration),
		models.SettingLongLockoutThreshold: strconv.Itoa(s.LongLockoutThreshold),
		models.SettingLongLockoutDuration:  seconds(s.LongLockoutDuration),
		models.SettingAutoBlacklist:        strconv.FormatBool(s.AutoBlacklist),
		models.SettingNotifyAdmin:          strconv.FormatBool(s.NotifyAdmin),
		models.SettingAdminEmail:           s.AdminEmail,
		models.SettingBlockType:            s.BlockType,
		models.SettingSiteWideBlock:        strconv.FormatBool(s.SiteWideBlock),
		models.SettingTwoFactorRoles:       strings.Join(s.TwoFactorRoles, ","),
		models.SettingTwoFactorMethod:      s.TwoFactorMethod,
	}
}

var settingOrder = []string{
	models.SettingMaxAttempts,
	models.SettingLockoutDuration,
	models.SettingLongLockoutThreshold,
	models.SettingLongLockoutDuration,
	models.SettingAutoBlacklist,
	models.SettingNotifyAdmin,
	models.SettingAdminEmail,
	models.SettingBlockType,
	models.SettingSiteWideBlock,
	models.SettingTwoFactorRoles,
	models.SettingTwoFactorMethod,
}

func printSettings(w io.Writer, s models.SecuritySettings) error {
	values := settingValues(s)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range settingOrder {
		fmt.Fprintf(tw, "%s\t%s\n", name, values[name])
	}
	return tw.Flush()
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				if err := b.migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newGenKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-key",
		Short: "Print a new TWOFA_ENCRYPTION_KEY value",
		Long: `Prints 32 random bytes, base64 encoded, suitable for TWOFA_ENCRYPTION_KEY.
Changing the key makes existing authenticator secrets unreadable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}
