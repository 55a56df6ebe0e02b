package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"edgeattend/internal/queue"
)

func newDrainCommand(opts *RootOptions, b Backends) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process every due job until the queue stops making progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if opts.ViaQueue {
				return publish(ctx, b, cmd.OutOrStdout(), opts, queue.TypeDrain, nil)
			}
			return withLocal(ctx, b, true, func(l Local) error {
				sum, err := l.DrainAll(ctx)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, sum, func(w io.Writer) { printSummary(w, sum) })
			})
		},
	}
}

func newResyncCommand(opts *RootOptions, b Backends) *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Requeue failed records and retry everything now",
		Long: `Moves archived jobs back onto the queue, makes every backed-off job due,
and drains once. Jobs that fail again are archived again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if opts.ViaQueue {
				return publish(ctx, b, cmd.OutOrStdout(), opts, queue.TypeResync, nil)
			}
			return withLocal(ctx, b, true, func(l Local) error {
				requeued, sum, err := l.ResyncAll(ctx)
				if err != nil {
					return err
				}
				data := map[string]any{"requeued": requeued, "summary": sum}
				return output(cmd.OutOrStdout(), opts, data, func(w io.Writer) {
					fmt.Fprintf(w, "requeued %d failed record(s)\n", requeued)
					printSummary(w, sum)
				})
			})
		},
	}
}

func newArchiveCommand(opts *RootOptions, b Backends) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive jobs that have been failing for too long",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive, got %v", olderThan)
			}
			ctx := cmd.Context()
			if opts.ViaQueue {
				return publish(ctx, b, cmd.OutOrStdout(), opts, queue.TypeArchive, queue.ArchiveBody{OlderThan: olderThan})
			}
			return withLocal(ctx, b, true, func(l Local) error {
				n, err := l.ArchiveStale(ctx, olderThan)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, map[string]int{"archived": n}, func(w io.Writer) {
					fmt.Fprintf(w, "archived %d job(s)\n", n)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 72*time.Hour, "archive failing jobs created before this age")
	return cmd
}

func newStatsCommand(opts *RootOptions, b Backends) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record and queue counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// reads only, so it never needs the daemon lock
			return withLocal(ctx, b, false, func(l Local) error {
				st, err := l.Stats(ctx)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, st, func(w io.Writer) {
					fmt.Fprintf(w, "records: %d pending, %d synced, %d failed\n", st.Pending, st.Synced, st.Failed)
					fmt.Fprintf(w, "jobs:    %d queued, %d due, %d archived\n", st.Jobs, st.DueJobs, st.Archived)
				})
			})
		},
	}
}
