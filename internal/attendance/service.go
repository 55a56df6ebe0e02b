// Package attendance is the scan pipeline: eligibility from the schedule, the
// capture loop, the atomic local commit, and the hand-off to sync.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"edgeattend/internal/capture"
	"edgeattend/internal/localstore"
	"edgeattend/internal/metrics"
	"edgeattend/internal/schedule"
)

// ErrCaptureTimeout means the subject never held still long enough.
var ErrCaptureTimeout = errors.New("capture timed out before stabilizing")

// Store is the local persistence the pipeline needs.
type Store interface {
	History(ctx context.Context, identity, session, date string) (localstore.History, error)
	Commit(ctx context.Context, rec localstore.Record, job localstore.Job) (string, error)
}

// Syncer receives committed records for the immediate sync attempt.
type Syncer interface {
	Submit(recordID string) bool
}

// FrameSource yields camera frames.
type FrameSource interface {
	Frame(ctx context.Context) ([]byte, error)
}

// Evaluator scores one frame.
type Evaluator interface {
	EvaluateTick(ctx context.Context, frame []byte) (map[string]bool, error)
}

// Config holds the pipeline settings.
type Config struct {
	DeviceID     string
	ArtifactDir  string
	PollInterval time.Duration
}

// Outcome reports the state of a scan after a tick.
type Outcome struct {
	State    capture.State      `json:"-"`
	Status   string             `json:"state"`
	Stable   time.Duration      `json:"stable_for"`
	Decision schedule.Decision  `json:"decision"`
	Failing  []string           `json:"failing_checks,omitempty"`
	Record   *localstore.Record `json:"record,omitempty"`
}

// Service coordinates attendance scans.
type Service struct {
	engine  *schedule.Engine
	tracker *capture.Registry
	store   Store
	syncer  Syncer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]schedule.Decision
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires the pipeline. syncer may be nil, in which case records
// wait for the background drain.
func NewService(engine *schedule.Engine, tracker *capture.Registry, store Store, syncer Syncer, cfg Config, opts ...Option) (*Service, error) {
	if engine == nil || tracker == nil || store == nil {
		return nil, errors.New("attendance: engine, tracker and store are required")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("attendance: device id required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	s := &Service{
		engine:  engine,
		tracker: tracker,
		store:   store,
		syncer:  syncer,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		pending: make(map[string]schedule.Decision),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Check decides whether identity may scan now and how the scan is
// classified. requested overrides scan-type inference when non-empty.
func (s *Service) Check(ctx context.Context, identity string, requested schedule.ScanType) (schedule.Decision, error) {
	if identity == "" {
		return schedule.Decision{}, errors.New("identity required")
	}
	now := s.now()
	m, err := s.engine.Session(now)
	if err != nil {
		s.metrics.Scan("out_of_window")
		return schedule.Decision{}, err
	}
	hist, err := s.store.History(ctx, identity, m.Window.Session, s.engine.Date(now))
	if err != nil {
		return schedule.Decision{}, fmt.Errorf("load scan history: %w", err)
	}

	d, err := s.engine.Resolve(now, hist.HasEntry, requested)
	if err != nil {
		if errors.Is(err, schedule.ErrOutOfWindow) {
			s.metrics.Scan("out_of_window")
		}
		return schedule.Decision{}, err
	}
	if at, ok := hist.Last[string(d.ScanType)]; ok {
		if s.engine.CooldownBlocks(d, &schedule.LastScan{Type: d.ScanType, At: at}, now) {
			s.metrics.Scan("cooldown")
			return schedule.Decision{}, fmt.Errorf("%w: %s %s at %s", schedule.ErrCooldown,
				identity, d.ScanType, at.In(s.engine.Location()).Format("15:04:05"))
		}
	}
	return d, nil
}

// Begin checks eligibility and opens a capture session for identity.
func (s *Service) Begin(ctx context.Context, identity string, requested schedule.ScanType) (schedule.Decision, error) {
	d, err := s.Check(ctx, identity, requested)
	if err != nil {
		return d, err
	}
	if err := s.tracker.Begin(identity); err != nil {
		s.metrics.Scan("busy")
		return schedule.Decision{}, err
	}
	s.mu.Lock()
	s.pending[identity] = d
	s.mu.Unlock()

	s.logger.Info("capture started", "identity", identity, "session", d.Session, "scan_type", string(d.ScanType))
	return d, nil
}

// Cancel abandons an in-progress capture.
func (s *Service) Cancel(identity string) bool {
	s.mu.Lock()
	delete(s.pending, identity)
	s.mu.Unlock()
	ok := s.tracker.Cancel(identity)
	if ok {
		s.logger.Info("capture cancelled", "identity", identity)
	}
	return ok
}

// Observe feeds one evaluated frame into the capture session. When the
// session stabilizes the frame is written as the artifact and the record is
// committed together with its sync job.
func (s *Service) Observe(ctx context.Context, identity string, frame []byte, checks map[string]bool) (Outcome, error) {
	s.mu.Lock()
	d, ok := s.pending[identity]
	s.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", capture.ErrNoSession, identity)
	}

	now := s.now()
	artifact := ""
	if len(frame) > 0 && s.cfg.ArtifactDir != "" {
		artifact = s.artifactPath(identity, d, now)
	}
	res, err := s.tracker.Tick(identity, now, capture.Checks(checks), artifact)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{State: res.State, Status: res.State.String(), Stable: res.Stable, Decision: d,
		Failing: capture.Checks(checks).Failing()}

	switch res.State {
	case capture.Expired:
		s.finish(identity)
		s.metrics.Scan("timed_out")
		s.logger.Info("capture timed out", "identity", identity, "ticks", res.Event.Ticks)
		return out, ErrCaptureTimeout

	case capture.Stable:
		defer s.finish(identity)
		rec, err := s.commit(ctx, identity, d, res.Event, frame)
		if err != nil {
			s.metrics.Scan("commit_failed")
			return out, err
		}
		out.Record = &rec
		s.metrics.Scan("committed")
		s.logger.Info("attendance recorded", "identity", identity, "record_id", rec.ID,
			"session", rec.Session, "scan_type", rec.ScanType, "status", rec.Status)
		if s.syncer != nil {
			s.syncer.Submit(rec.ID)
		}
		return out, nil
	}
	return out, nil
}

func (s *Service) finish(identity string) {
	s.mu.Lock()
	delete(s.pending, identity)
	s.mu.Unlock()
	if err := s.tracker.Consume(identity); err != nil {
		s.logger.Warn("consume capture session", "identity", identity, "error", err)
	}
}

func (s *Service) commit(ctx context.Context, identity string, d schedule.Decision, evt *capture.Event, frame []byte) (localstore.Record, error) {
	rec := localstore.Record{
		Identity:   identity,
		Session:    d.Session,
		Date:       d.Date,
		Time:       evt.At.In(s.engine.Location()).Format("15:04:05"),
		OccurredAt: evt.At,
		ScanType:   string(d.ScanType),
		Status:     string(d.Status),
		DeviceID:   s.cfg.DeviceID,
	}
	if evt.Artifact != "" {
		if err := writeArtifact(evt.Artifact, frame); err != nil {
			s.logger.Warn("artifact not saved, recording without it", "identity", identity, "error", err)
		} else {
			rec.ArtifactRef = evt.Artifact
		}
	}

	id, err := s.store.Commit(ctx, rec, localstore.Job{Kind: localstore.KindFor(rec.ArtifactRef)})
	if err != nil {
		if rec.ArtifactRef != "" {
			_ = os.Remove(rec.ArtifactRef)
		}
		return localstore.Record{}, fmt.Errorf("commit attendance: %w", err)
	}
	rec.ID = id
	rec.SyncState = localstore.Pending
	return rec, nil
}

// Scan runs a whole capture: it opens a session and polls frames at the
// configured interval until the session stabilizes, times out, or ctx ends.
// Frame or evaluator errors count as failing ticks.
func (s *Service) Scan(ctx context.Context, identity string, requested schedule.ScanType, src FrameSource, eval Evaluator) (Outcome, error) {
	if _, err := s.Begin(ctx, identity, requested); err != nil {
		return Outcome{}, err
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		frame, checks := s.evaluate(ctx, src, eval)
		out, err := s.Observe(ctx, identity, frame, checks)
		if err != nil || out.State.Terminal() {
			return out, err
		}
		select {
		case <-ctx.Done():
			s.Cancel(identity)
			return out, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) evaluate(ctx context.Context, src FrameSource, eval Evaluator) ([]byte, map[string]bool) {
	frame, err := src.Frame(ctx)
	if err != nil {
		s.logger.Debug("frame unavailable", "error", err)
		return nil, map[string]bool{"frame": false}
	}
	checks, err := eval.EvaluateTick(ctx, frame)
	if err != nil {
		s.logger.Debug("frame evaluation failed", "error", err)
		return frame, map[string]bool{"evaluator": false}
	}
	return frame, checks
}

func (s *Service) artifactPath(identity string, d schedule.Decision, now time.Time) string {
	name := fmt.Sprintf("%s_%s_%s_%s.jpg", safeName(identity), d.Session, d.ScanType,
		now.In(s.engine.Location()).Format("150405.000"))
	return filepath.Join(s.cfg.ArtifactDir, d.Date, name)
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
