// Package app assembles the device components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"edgeattend/internal/breaker"
	"edgeattend/internal/cloudinary"
	"edgeattend/internal/config"
	"edgeattend/internal/connectivity"
	"edgeattend/internal/localstore"
	"edgeattend/internal/metrics"
	"edgeattend/internal/queue"
	"edgeattend/internal/remote"
	"edgeattend/internal/remote/postgres"
	"edgeattend/internal/syncer"
)

// ErrLocked means another orchestrator already owns the local database.
var ErrLocked = errors.New("local database is in use by another sync process")

// Options select what Build sets up.
type Options struct {
	// Exclusive takes the single-orchestrator lock next to the database.
	Exclusive bool
	// Listen consumes operator commands from the control queue.
	Listen bool
	// Registry receives the collectors. Metrics are disabled when nil.
	Registry *prometheus.Registry
}

// Core is the sync side shared by every binary.
type Core struct {
	Config       config.App
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Store        *localstore.Store
	Remote       *postgres.Client
	Monitor      *connectivity.Monitor
	Breakers     *breaker.Registry
	Orchestrator *syncer.Orchestrator
	Queue        queue.Queue
	QueueHealthy func(ctx context.Context) bool

	lock    *flock.Flock
	closers []func() error
}

// NewRegistry returns a Prometheus registry with the process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Build wires the local store, remotes, breakers, monitor and orchestrator.
// Close releases everything Build opened, including on error.
func Build(ctx context.Context, cfg config.App, logger *slog.Logger, opts Options) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{Config: cfg, Logger: logger}
	if err := c.build(ctx, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) build(ctx context.Context, opts Options) error {
	cfg, logger := c.Config, c.Logger
	var err error

	if opts.Exclusive {
		if err := c.acquireLock(); err != nil {
			return err
		}
	}

	if opts.Registry != nil {
		if c.Metrics, err = metrics.New(opts.Registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	c.Store, err = localstore.Open(cfg.DBPath, localstore.WithBackoff(localstore.Backoff{
		Base: cfg.BackoffBase,
		Max:  cfg.BackoffMax,
	}))
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	c.closers = append(c.closers, c.Store.Close)

	// the pool connects lazily, so an unreachable database is not fatal here
	c.Remote, err = postgres.Open(postgres.Config{
		URL:            cfg.DatabaseURL,
		ConnectTimeout: cfg.RemoteConnectTimeout,
		QueryTimeout:   cfg.RemoteReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("configure remote database: %w", err)
	}
	c.closers = append(c.closers, c.Remote.Close)

	var artifacts remote.ArtifactStore = discardArtifacts{}
	if cfg.Cloudinary.Enabled() {
		t := cloudinary.DefaultTimeouts()
		t.Connect = cfg.RemoteConnectTimeout
		t.Body = cfg.UploadTimeout
		artifacts = cloudinary.New(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder, t)
		logger.Info("cloudinary configured", "cloud", cfg.Cloudinary.CloudName)
	} else {
		logger.Warn("cloudinary not configured, records sync without photo urls")
	}

	c.Monitor = connectivity.New(c.probe(), connectivity.Config{
		Interval: cfg.ConnectivityInterval,
		Timeout:  cfg.RemoteConnectTimeout,
	}, logger.With("component", "connectivity"))

	c.Breakers = syncer.NewBreakerRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		HalfOpenMaxCalls: 1,
	}, c.Metrics, logger)
	// uploads get a longer recovery window
	c.Breakers.Configure(syncer.EndpointUpload, breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  2 * cfg.BreakerRecoveryTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		HalfOpenMaxCalls: 1,
	})

	c.Orchestrator, err = syncer.New(c.Store, syncer.Remotes{
		Directory: c.Remote,
		Artifacts: artifacts,
		Records:   c.Remote,
	}, c.Breakers, c.Monitor, syncer.Config{
		Interval:   cfg.SyncInterval,
		BatchSize:  cfg.SyncBatch,
		MaxRetries: cfg.SyncMaxRetries,
	}, syncer.WithLogger(logger.With("component", "syncer")), syncer.WithMetrics(c.Metrics))
	if err != nil {
		return err
	}

	c.Monitor.OnChange(func(online bool) {
		c.Metrics.Online(online)
		if online {
			c.Orchestrator.Trigger()
		}
	})

	switch {
	case !opts.Listen:
	case c.Config.QueueBackend == "memory":
		// an in-process queue has no publisher outside this process
		c.Logger.Info("control queue listener disabled", "backend", c.Config.QueueBackend)
	default:
		if err := c.openQueue(); err != nil {
			return err
		}
	}

	// seed the cached state so the first drain does not wait a full interval
	c.Monitor.Check(ctx)
	return nil
}

func (c *Core) acquireLock() error {
	path := c.Config.DBPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	c.lock = flock.New(path)
	locked, err := c.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLocked, path)
	}
	c.closers = append(c.closers, c.lock.Unlock)
	return nil
}

func (c *Core) probe() connectivity.Prober {
	if c.Config.ConnectivityURL != "" {
		return connectivity.NewHTTPProbe(c.Config.ConnectivityURL, c.Config.RemoteConnectTimeout)
	}
	return connectivity.ProbeFunc(c.Remote.Ping)
}

func (c *Core) openQueue() error {
	q, healthy, closeFn, err := OpenQueue(c.Config, c.Logger)
	if err != nil {
		return err
	}
	c.Queue = q
	c.QueueHealthy = healthy
	if closeFn != nil {
		c.closers = append(c.closers, closeFn)
	}
	return nil
}

// OpenQueue connects the configured control queue backend.
func OpenQueue(cfg config.App, logger *slog.Logger) (queue.Queue, func(context.Context) bool, func() error, error) {
	switch cfg.QueueBackend {
	case "redis":
		client := queue.NewRedisClient(cfg.RedisAddr)
		q := queue.NewRedisQueue(client, queue.DefaultKey, logger.With("component", "queue"))
		return q, q.Healthy, client.Close, nil
	case "memory":
		return queue.NewInMemory(16), func(context.Context) bool { return true }, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// RunSync runs the drain loop, the connectivity monitor and, when a queue
// is configured, the command listener until ctx is done.
func (c *Core) RunSync(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	c.startSync(ctx, g)
	return g.Wait()
}

func (c *Core) startSync(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return c.Monitor.Run(ctx) })
	g.Go(func() error { return c.Orchestrator.Run(ctx) })
	if c.Queue != nil {
		g.Go(func() error { return c.Orchestrator.Listen(ctx, c.Queue) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				_, _ = c.Orchestrator.Stats(ctx)
			}
		}
	})
}

// Close releases resources in reverse order of acquisition.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// discardArtifacts stands in when no artifact store is configured.
type discardArtifacts struct{}

func (discardArtifacts) Upload(context.Context, []byte, string) (string, error) { return "", nil }
