// Command syncctl is the operator CLI for the local sync queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"edgeattend/internal/app"
	"edgeattend/internal/cli"
	"edgeattend/internal/config"
	"edgeattend/internal/queue"
)

func main() {
	cfg := config.Load()
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends := cli.Backends{
		Local: func(ctx context.Context, exclusive bool) (cli.Local, func(), error) {
			core, err := app.Build(ctx, cfg, logger, app.Options{Exclusive: exclusive})
			if errors.Is(err, app.ErrLocked) {
				return nil, nil, fmt.Errorf("%w (is the daemon running? try --via-queue)", err)
			}
			if err != nil {
				return nil, nil, err
			}
			return core.Orchestrator, func() { _ = core.Close() }, nil
		},
		Queue: func(ctx context.Context) (queue.Queue, func(), error) {
			if cfg.QueueBackend != "redis" {
				return nil, nil, errors.New("--via-queue needs QUEUE_BACKEND=redis so the daemon can receive commands")
			}
			q, _, closeFn, err := app.OpenQueue(cfg, logger)
			if err != nil {
				return nil, nil, err
			}
			return q, func() { _ = closeFn() }, nil
		},
	}

	if err := cli.NewRootCommand(backends).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
