package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/spf13/cobra"
)

func newAllowCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "allow <address>",
		Short: "Add an address to the allowlist",
		Long: `Adds the address to the allowlist. The address is removed from the
denylist and its failed login record is cleared.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				if err := b.lockout.AddToAllowlist(ctx, args[0], reason, actor()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s added to %s\n", args[0], models.ListAllow)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the address is listed")
	return cmd
}

func newDenyCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deny <address>",
		Short: "Add an address to the denylist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				if err := b.lockout.AddToDenylist(ctx, args[0], reason, actor()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s added to %s\n", args[0], models.ListDeny)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the address is listed")
	return cmd
}

func newUnlistCmd() *cobra.Command {
	var list string
	cmd := &cobra.Command{
		Use:   "unlist <address>",
		Short: "Remove an address from the allowlist or denylist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validList(list); err != nil {
				return err
			}
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				if err := b.lockout.RemoveFromList(ctx, args[0], list, actor()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed from %s\n", args[0], list)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&list, "list", models.ListDeny, "List to remove the address from (allowlist|denylist)")
	return cmd
}

func newListsCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "lists <allowlist|denylist>",
		Short:     "Show the members of an address list",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{models.ListAllow, models.ListDeny},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validList(args[0]); err != nil {
				return err
			}
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				entries, err := b.lockout.AddressList(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), entries)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ADDRESS\tADDED\tREASON")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Address, e.AddedAt.UTC().Format(time.RFC3339), e.Reason)
				}
				return tw.Flush()
			})
		},
	}
}
