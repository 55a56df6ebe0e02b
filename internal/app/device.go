package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"edgeattend/internal/api"
	"edgeattend/internal/attendance"
	"edgeattend/internal/auth"
	"edgeattend/internal/camera"
	"edgeattend/internal/capture"
	"edgeattend/internal/faceclient"
	"edgeattend/internal/httpmiddleware"
	"edgeattend/internal/schedule"
)

// Device is the full capture-and-sync daemon.
type Device struct {
	*Core
	Service *attendance.Service
	Handler http.Handler
}

// BuildDevice wires the capture pipeline and HTTP surface on top of a Core.
func BuildDevice(ctx context.Context, core *Core, reg *prometheus.Registry) (*Device, error) {
	cfg, logger := core.Config, core.Logger

	schedCfg, err := cfg.LoadSchedule()
	if err != nil {
		return nil, err
	}
	engine, err := schedule.New(schedCfg)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	tracker, err := capture.NewRegistry(capture.Config{
		StabilityThreshold: cfg.StabilityThreshold,
		SessionTimeout:     cfg.CaptureTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid capture config: %w", err)
	}

	svc, err := attendance.NewService(engine, tracker, core.Store, core.Orchestrator, attendance.Config{
		DeviceID:     cfg.DeviceID,
		ArtifactDir:  cfg.ArtifactDir,
		PollInterval: cfg.CapturePollInterval,
	}, attendance.WithLogger(logger.With("component", "attendance")), attendance.WithMetrics(core.Metrics))
	if err != nil {
		return nil, err
	}

	issuer, err := auth.NewIssuer(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.DeviceID, cfg.AccessTTL)
	if err != nil {
		return nil, err
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.RemoteReadTimeout)
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			logger.Warn("face service not available, scans will fail their checks until it is", "error", err)
		}
	}
	var source attendance.FrameSource
	if cfg.CameraURL != "" {
		source = camera.NewHTTPSource(cfg.CameraURL, cfg.RemoteConnectTimeout)
	} else {
		logger.Warn("CAMERA_URL not set, capture endpoint disabled")
	}

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.OperatorKey == "" {
		logger.Warn("OPERATOR_KEY not set, operator tokens cannot be issued")
	}

	deps := api.Deps{
		Scanner:     svc,
		Source:      source,
		Evaluator:   face,
		Records:     core.Store,
		Sync:        core.Orchestrator,
		Issuer:      issuer,
		OperatorKey: cfg.OperatorKey,
		Limiter:     httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		Critical: map[string]api.HealthCheck{
			"local_store": func(ctx context.Context) bool { return core.Store.Ping(ctx) == nil },
		},
		Checks: map[string]api.HealthCheck{
			"online": func(context.Context) bool { return core.Monitor.IsOnline() },
		},
		Logger: logger.With("component", "api"),
	}
	if core.QueueHealthy != nil {
		deps.Checks["control_queue"] = core.QueueHealthy
	}
	if reg != nil {
		deps.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	return &Device{Core: core, Service: svc, Handler: api.NewRouter(deps)}, nil
}

// Run serves HTTP and runs the sync side until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	d.startSync(ctx, g)
	g.Go(func() error {
		return api.Serve(ctx, ":"+d.Config.HTTPPort, d.Handler, d.Logger)
	})
	return g.Wait()
}
