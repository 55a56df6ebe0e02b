// Package cli implements syncctl, the operator command line for the local
// sync queue.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"edgeattend/internal/localstore"
	"edgeattend/internal/queue"
	"edgeattend/internal/syncer"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format   string // "json" | "text"
	ViaQueue bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Local is the orchestrator surface the commands run in-process.
type Local interface {
	DrainAll(ctx context.Context) (syncer.Summary, error)
	ResyncAll(ctx context.Context) (int, syncer.Summary, error)
	ArchiveStale(ctx context.Context, olderThan time.Duration) (int, error)
	Stats(ctx context.Context) (localstore.Stats, error)
}

// Backends opens what a command needs. Each returns a release func the
// command calls when done.
type Backends struct {
	// Local builds an orchestrator over the device database. exclusive asks
	// for the single-orchestrator lock.
	Local func(ctx context.Context, exclusive bool) (Local, func(), error)
	// Queue connects to the running daemon's control queue.
	Queue func(ctx context.Context) (queue.Queue, func(), error)
}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand(b Backends) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect and drive the device sync queue",
		Long: `syncctl runs sync operations against the local attendance database.

By default commands execute in this process, which requires that no sync
daemon holds the database. With --via-queue the command is published to the
running daemon's control queue instead.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.ViaQueue, "via-queue", false, "send the command to the running daemon")

	cmd.AddCommand(newDrainCommand(opts, b))
	cmd.AddCommand(newResyncCommand(opts, b))
	cmd.AddCommand(newArchiveCommand(opts, b))
	cmd.AddCommand(newStatsCommand(opts, b))

	return cmd
}

func publish(ctx context.Context, b Backends, w io.Writer, opts *RootOptions, msgType string, body any) error {
	q, release, err := b.Queue(ctx)
	if err != nil {
		return fmt.Errorf("connect control queue: %w", err)
	}
	defer release()

	msg, err := queue.NewMessage(msgType, body)
	if err != nil {
		return err
	}
	if err := q.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msgType, err)
	}
	return output(w, opts, map[string]any{"queued": msgType}, func(w io.Writer) {
		fmt.Fprintf(w, "%s command sent to daemon\n", msgType)
	})
}

func withLocal(ctx context.Context, b Backends, exclusive bool, fn func(Local) error) error {
	l, release, err := b.Local(ctx, exclusive)
	if err != nil {
		return err
	}
	defer release()
	return fn(l)
}
