package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/spf13/cobra"
)

func newAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts [address]",
		Short: "Show failed login records",
		Long: `Without an argument lists every failed login record. With an address
shows that address's record including the identities it tried.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				var records []*models.LoginAttemptRecord
				if len(args) == 1 {
					record, err := b.lockout.LoginAttempt(ctx, args[0])
					if err != nil {
						return err
					}
					records = append(records, record)
				} else {
					var err error
					if records, err = b.lockout.LoginAttempts(ctx); err != nil {
						return err
					}
				}

				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), records)
				}
				return printAttempts(cmd.OutOrStdout(), records, time.Now())
			})
		},
	}
}

func printAttempts(w io.Writer, records []*models.LoginAttemptRecord, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tFAILS\tLOCKOUTS\tLOCKED UNTIL\tIDENTITIES")
	for _, r := range records {
		until := "-"
		if r.IsLocked(now) {
			until = r.LockoutUntil.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", r.Address, r.FailCount, r.LockoutCount, until, identities(r.AttemptedIdentities))
	}
	return tw.Flush()
}

// identities renders the tried identities, most attempted first
func identities(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s(%d)", name, counts[name])
	}
	return strings.Join(parts, ",")
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <address>",
		Short: "Clear the failed login record of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				if err := b.lockout.ResetLoginAttempts(ctx, args[0], actor()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "login attempts for %s reset\n", args[0])
				return nil
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent login outcomes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				entries, err := b.lockout.LoginHistory(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), entries)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tADDRESS\tIDENTITY\tRESULT")
				for _, e := range entries {
					result := "failure"
					if e.Success {
						result = "success"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.UTC().Format(time.RFC3339), e.Address, e.Identity, result)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the maintenance sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				result, err := b.lockout.Sweep(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "history deleted: %d\nlockouts expired: %d\nrecords purged: %d\n",
					result.HistoryDeleted, result.LockoutsExpired, result.RecordsPurged)
				return nil
			})
		},
	}
}
