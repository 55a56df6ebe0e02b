// Package connectivity tracks whether the remote side is reachable. Probes
// run in the background; IsOnline only reads the cached result.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Prober performs one liveness check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function, such as a database Ping, to Prober.
type ProbeFunc func(ctx context.Context) error

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProbe treats any response below 500 from URL as reachable.
type HTTPProbe struct {
	URL  string
	HTTP *http.Client
}

// NewHTTPProbe creates a probe for url.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{URL: url, HTTP: &http.Client{Timeout: timeout}}
}

// Probe issues a HEAD request.
func (p *HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: %s", p.URL, resp.Status)
	}
	return nil
}

// Config controls probing.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// Initial is reported before the first probe completes.
	Initial bool
}

// DefaultConfig probes every 15s with a 3s timeout and starts offline.
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second, Timeout: 3 * time.Second}
}

// Monitor caches the result of the last probe.
type Monitor struct {
	probe  Prober
	cfg    Config
	logger *slog.Logger

	online    atomic.Bool
	lastCheck atomic.Int64

	mu       sync.Mutex
	onChange []func(online bool)
}

// New creates a monitor. A nil logger uses slog.Default.
func New(probe Prober, cfg Config, logger *slog.Logger) *Monitor {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{probe: probe, cfg: cfg, logger: logger}
	m.online.Store(cfg.Initial)
	return m
}

// OnChange registers fn to run after each online/offline transition.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// IsOnline returns the cached state. It never blocks.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// LastCheck is when the last probe finished; zero before the first.
func (m *Monitor) LastCheck() time.Time {
	v := m.lastCheck.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

// Check probes now and updates the cached state.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.probe.Probe(ctx)
	online := err == nil
	m.lastCheck.Store(time.Now().UnixMilli())

	if prev := m.online.Swap(online); prev != online {
		if online {
			m.logger.Info("connectivity restored")
		} else {
			m.logger.Warn("connectivity lost", "error", err)
		}
		m.mu.Lock()
		fns := append([]func(bool){}, m.onChange...)
		m.mu.Unlock()
		for _, fn := range fns {
			fn(online)
		}
	}
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Static is a fixed answer, for tests and for devices configured to always
// attempt sync.
type Static bool

// IsOnline returns the fixed value.
func (s Static) IsOnline() bool { return bool(s) }
