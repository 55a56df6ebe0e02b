// Command api runs the full device: capture HTTP surface, sync loop,
// connectivity monitor and operator command listener.
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

	reg := app.NewRegistry()
	core, err := app.Build(ctx, cfg, logger, app.Options{Exclusive: true, Listen: true, Registry: reg})
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	dev, err := app.BuildDevice(ctx, core, reg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		core.Close()
		os.Exit(1)
	}

	logger.Info("device started", "device_id", cfg.DeviceID, "port", cfg.HTTPPort)
	if err := dev.Run(ctx); err != nil {
		logger.Error("device stopped with error", "error", err)
		core.Close()
		os.Exit(1)
	}
	logger.Info("device exited")
}
