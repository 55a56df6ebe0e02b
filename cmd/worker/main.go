// Command worker runs only the sync side: drain loop, connectivity monitor
// and operator command listener. Use it on devices where capture runs
// elsewhere against the same local database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"edgeattend/internal/app"
	"edgeattend/internal/config"
)

func main() {
	cfg := config.Load()
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.Build(ctx, cfg, logger, app.Options{Exclusive: true, Listen: true})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	logger.Info("sync worker started", "device_id", cfg.DeviceID, "db", cfg.DBPath)
	if err := core.RunSync(ctx); err != nil {
		logger.Error("sync worker stopped with error", "error", err)
		core.Close()
		os.Exit(1)
	}
	logger.Info("sync worker exited")
}
