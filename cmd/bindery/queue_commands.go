package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bindery/internal/ipc"
	"bindery/internal/state"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue maintenance",
	}
	cmd.AddCommand(newQueueClearCompletedCommand(ctx))
	cmd.AddCommand(newQueueClearCommand(ctx))
	cmd.AddCommand(newQueueResetStuckCommand(ctx))
	return cmd
}

func newQueueClearCompletedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-completed",
		Short: "Remove finished books from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ClearCompleted()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d books\n", resp.Removed)
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every book from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the queue without --yes")
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			removed, err := store.ClearBooks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d books\n", removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm removal of all books")
	return cmd
}

func newQueueResetStuckCommand(ctx *commandContext) *cobra.Command {
	var timeoutMinutes int
	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "Revert books stuck in an active status to their queued status",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			manager := state.NewManager(store, nil, nil)
			reset, err := manager.ResetStuckStatuses(cmd.Context(), time.Duration(timeoutMinutes)*time.Minute)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d books\n", reset)
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutMinutes, "timeout", 30, "Minutes a book must sit in an active status before it counts as stuck")
	return cmd
}
