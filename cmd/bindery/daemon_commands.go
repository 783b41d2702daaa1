package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"bindery/internal/ipc"
	"bindery/internal/queue"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync the wish shelf into the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Sync()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sync complete: %d new books\n", resp.Added)
				return nil
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			err := ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Daemon running, database %s\n", resp.Database)
				if len(resp.PausedStages) > 0 {
					for stage, reason := range resp.PausedStages {
						fmt.Fprintf(out, "  PAUSED %s: %s\n", stage, reason)
					}
				}
				fmt.Fprintf(out, "Backlog: %d  Error rate (15m): %.0f%%  Completed (1h): %d\n",
					resp.Backlog, resp.ErrorRate*100, resp.CompletedHour)
				printCountTable(out, "Status", resp.StatusCounts)
				printCountTable(out, "Tasks", resp.TaskCounts)
				return nil
			})
			if err == nil {
				return nil
			}

			// No daemon; fall back to reading the database directly.
			store, storeErr := ctx.openStore()
			if storeErr != nil {
				return err
			}
			defer store.Close()
			counts, countErr := store.StatusCounts(cmd.Context())
			if countErr != nil {
				return countErr
			}
			fmt.Fprintln(out, "Daemon not running; showing queue database only")
			statusCounts := make(map[string]int, len(counts))
			for status, n := range counts {
				statusCounts[string(status)] = n
			}
			fmt.Fprintf(out, "Backlog: %d\n", counts.Backlog())
			printCountTable(out, "Status", statusCounts)
			return nil
		},
	}
}

func printCountTable(out io.Writer, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{key, strconv.Itoa(counts[key])})
	}
	fmt.Fprintln(out, renderTable(
		[]string{label, "Count"},
		rows,
		[]columnAlignment{alignLeft, alignRight},
	))
}

func newPauseCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:       "pause <stage>",
		Short:     "Pause dispatch for a stage",
		Args:      cobra.ExactArgs(1),
		ValidArgs: stageNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Pause(args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stage %s paused\n", resp.Stage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the pause")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "resume <stage>",
		Short:     "Resume a paused stage and requeue its waiting books",
		Args:      cobra.ExactArgs(1),
		ValidArgs: stageNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Resume(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stage %s resumed, %d books requeued\n", resp.Stage, resp.Requeued)
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <book-id>...",
		Short: "Send failed books back through the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid book id %q", arg)
				}
				ids = append(ids, id)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Retry(ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retried %d books\n", resp.Retried)
				for _, id := range resp.Skipped {
					fmt.Fprintf(cmd.OutOrStdout(), "  skipped %d: not in a failed status\n", id)
				}
				return nil
			})
		},
	}
}

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TestNotification()
				if err != nil {
					return err
				}
				if resp.Sent {
					fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
				} else if resp.Message != "" {
					fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Notification not sent")
				}
				return nil
			})
		},
	}
}

func stageNames() []string {
	stages := queue.AllStages()
	names := make([]string, 0, len(stages))
	for _, stage := range stages {
		names = append(names, string(stage))
	}
	return names
}
