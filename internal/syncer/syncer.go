// Package syncer drains the local job queue to the remote store. It owns
// job retry state; each remote endpoint class is guarded by its own breaker.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"edgeattend/internal/breaker"
	"edgeattend/internal/localstore"
	"edgeattend/internal/metrics"
	"edgeattend/internal/remote"
)

// Endpoint classes, one breaker each.
const (
	EndpointLookup = "identity_lookup"
	EndpointUpload = "artifact_upload"
	EndpointInsert = "record_insert"
)

// Execution paths, used as a metrics label.
const (
	PathImmediate = "immediate"
	PathQueued    = "queued"
)

// ErrBusy is returned by SyncNow when the job is already being processed.
var ErrBusy = errors.New("sync job already in flight")

// Store is the part of the local store the orchestrator drives.
type Store interface {
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]localstore.Job, error)
	GetJob(ctx context.Context, id string) (localstore.Job, error)
	JobForRecord(ctx context.Context, recordID string) (localstore.Job, error)
	GetRecord(ctx context.Context, id string) (localstore.Record, error)
	CompleteStep(ctx context.Context, jobID string, step localstore.Step, output string) error
	MarkSynced(ctx context.Context, recordID, remoteID string) error
	MarkFailed(ctx context.Context, jobID, cause string) (localstore.Job, error)
	Defer(ctx context.Context, jobID, cause string) error
	Archive(ctx context.Context, jobID, cause string) error
	RequeueFailed(ctx context.Context) (int, error)
	MakeDue(ctx context.Context) (int, error)
	ArchiveStale(ctx context.Context, olderThan time.Duration) (int, error)
	Stats(ctx context.Context) (localstore.Stats, error)
}

// Online reports cached connectivity without blocking.
type Online interface {
	IsOnline() bool
}

// Remotes are the remote collaborators a job calls.
type Remotes struct {
	Directory remote.Directory
	Artifacts remote.ArtifactStore
	Records   remote.RecordStore
}

// Config controls draining.
type Config struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

// DefaultConfig drains up to 20 jobs every 60s and archives after 3 retries.
func DefaultConfig() Config {
	return Config{Interval: 60 * time.Second, BatchSize: 20, MaxRetries: 3}
}

func validateConfig(cfg Config) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}

// Summary counts what one drain did.
type Summary struct {
	Listed   int `json:"listed"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
	Archived int `json:"archived"`
	Skipped  int `json:"skipped"`
	// Offline is set when the cycle did nothing because the remote side was unreachable.
	Offline bool `json:"offline,omitempty"`
}

func (s *Summary) add(o Summary) {
	s.Listed += o.Listed
	s.Synced += o.Synced
	s.Failed += o.Failed
	s.Deferred += o.Deferred
	s.Archived += o.Archived
	s.Skipped += o.Skipped
	s.Offline = s.Offline || o.Offline
}

func (s *Summary) count(outcome string) {
	switch outcome {
	case metrics.OutcomeSynced:
		s.Synced++
	case metrics.OutcomeTransport:
		s.Failed++
	case metrics.OutcomeBreakerOpen:
		s.Deferred++
	case metrics.OutcomeApplication, metrics.OutcomeArchived:
		s.Archived++
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithArtifactReader replaces os.ReadFile for loading captured artifacts.
func WithArtifactReader(fn func(ref string) ([]byte, error)) Option {
	return func(o *Orchestrator) { o.readArtifact = fn }
}

// Orchestrator runs the immediate and queued sync paths.
type Orchestrator struct {
	store    Store
	remotes  Remotes
	breakers *breaker.Registry
	online   Online
	cfg      Config

	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	readArtifact func(string) ([]byte, error)

	trigger chan struct{}

	// mu guards inFlight and stopping, and orders immediate.Add before Stop's Wait.
	mu        sync.Mutex
	inFlight  map[string]struct{}
	stopping  bool
	immediate sync.WaitGroup
}

// New creates an orchestrator.
func New(store Store, remotes Remotes, breakers *breaker.Registry, online Online, cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	if store == nil || breakers == nil || online == nil {
		return nil, errors.New("syncer: store, breakers and connectivity are required")
	}
	if remotes.Directory == nil || remotes.Records == nil || remotes.Artifacts == nil {
		return nil, errors.New("syncer: remote directory, artifact store and record store are required")
	}
	o := &Orchestrator{
		store:        store,
		remotes:      remotes,
		breakers:     breakers,
		online:       online,
		cfg:          cfg,
		logger:       slog.Default(),
		now:          time.Now,
		readArtifact: os.ReadFile,
		trigger:      make(chan struct{}, 1),
		inFlight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// NewBreakerRegistry builds the per-endpoint breakers with transition
// logging and metrics attached.
func NewBreakerRegistry(cfg breaker.Config, m *metrics.Metrics, logger *slog.Logger, opts ...breaker.Option) *breaker.Registry {
	if logger == nil {
		logger = slog.Default()
	}
	onChange := breaker.WithStateChange(func(endpoint string, from, to breaker.State) {
		logger.Warn("circuit breaker transition", "endpoint", endpoint, "from", from.String(), "to", to.String())
		m.BreakerState(endpoint, int(to))
	})
	return breaker.NewRegistry(cfg, append([]breaker.Option{onChange}, opts...)...)
}

// Breakers returns the breaker snapshots for operators.
func (o *Orchestrator) Breakers() []breaker.Snapshot {
	return o.breakers.Snapshots()
}

func (o *Orchestrator) claim(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inFlight[jobID]; ok {
		return false
	}
	o.inFlight[jobID] = struct{}{}
	return true
}

func (o *Orchestrator) release(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, jobID)
}

// Submit starts a best-effort immediate attempt for a freshly committed
// record. It returns false without doing anything when offline or stopping;
// the queued path picks the job up either way.
func (o *Orchestrator) Submit(recordID string) bool {
	if !o.online.IsOnline() {
		return false
	}
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return false
	}
	o.immediate.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.immediate.Done()
		// the attempt is allowed to finish even if the caller goes away
		if _, err := o.SyncNow(context.Background(), recordID); err != nil && !errors.Is(err, ErrBusy) {
			o.logger.Error("immediate sync failed", "record_id", recordID, "error", err)
		}
	}()
	return true
}

// SyncNow runs the immediate path for one record inline. A remote failure
// leaves the job due for the queued path without counting a retry. The
// returned outcome is one of the metrics.Outcome values.
func (o *Orchestrator) SyncNow(ctx context.Context, recordID string) (string, error) {
	job, err := o.store.JobForRecord(ctx, recordID)
	if err != nil {
		return "", fmt.Errorf("load job: %w", err)
	}
	if !o.claim(job.ID) {
		return "", ErrBusy
	}
	defer o.release(job.ID)
	current, ok, err := o.reload(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("reload job: %w", err)
	}
	if !ok {
		// finished by the drain between lookup and claim
		return "", ErrBusy
	}
	return o.process(ctx, current, PathImmediate)
}

// reload fetches the current state of a claimed job. The listing may be
// stale by the time the claim is won.
func (o *Orchestrator) reload(ctx context.Context, jobID string) (localstore.Job, bool, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, localstore.ErrNotFound) {
		return localstore.Job{}, false, nil
	}
	if err != nil {
		return localstore.Job{}, false, err
	}
	return job, true, nil
}

// DrainOnce runs one drain cycle: if online, process up to BatchSize due
// jobs, oldest due first. Jobs are not interrupted once started; ctx
// cancellation only stops the cycle from starting the next one.
func (o *Orchestrator) DrainOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	if !o.online.IsOnline() {
		sum.Offline = true
		o.metrics.DrainCycle("offline")
		return sum, nil
	}

	jobs, err := o.store.ListDueJobs(ctx, o.now(), o.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list due jobs: %w", err)
	}
	sum.Listed = len(jobs)
	if len(jobs) == 0 {
		o.metrics.DrainCycle("empty")
		return sum, nil
	}
	o.metrics.DrainCycle("ran")

	work := context.WithoutCancel(ctx)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if !o.claim(job.ID) {
			sum.Skipped++
			continue
		}
		current, ok, err := o.reload(work, job.ID)
		if err != nil || !ok {
			o.release(job.ID)
			if err != nil {
				o.logger.Error("reload job failed", "job_id", job.ID, "record_id", job.RecordID, "error", err)
			}
			sum.Skipped++
			continue
		}
		outcome, err := o.process(work, current, PathQueued)
		o.release(job.ID)
		if err != nil {
			o.logger.Error("sync bookkeeping failed", "job_id", job.ID, "record_id", job.RecordID, "error", err)
			continue
		}
		sum.count(outcome)
	}

	o.logger.Info("drain cycle finished",
		"listed", sum.Listed, "synced", sum.Synced, "failed", sum.Failed,
		"deferred", sum.Deferred, "archived", sum.Archived, "skipped", sum.Skipped)
	o.refreshDepth(work)
	return sum, nil
}

// DrainAll repeats drain cycles until a cycle makes no progress: nothing
// due, offline, or only breaker-deferred jobs left.
func (o *Orchestrator) DrainAll(ctx context.Context) (Summary, error) {
	var total Summary
	for ctx.Err() == nil {
		sum, err := o.DrainOnce(ctx)
		total.add(sum)
		if err != nil {
			return total, err
		}
		if sum.Offline || sum.Listed == 0 || sum.Synced+sum.Failed+sum.Archived == 0 {
			break
		}
	}
	return total, nil
}

// Trigger asks the running loop for an immediate drain cycle. It never blocks.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every interval tick and on Trigger until ctx is done. On
// shutdown it finishes the current batch and waits for immediate attempts.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("sync loop started", "interval", o.cfg.Interval, "batch_size", o.cfg.BatchSize)
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.Stop()
			o.logger.Info("sync loop stopped")
			return nil
		case <-ticker.C:
		case <-o.trigger:
		}
		if _, err := o.DrainOnce(ctx); err != nil {
			o.logger.Error("drain cycle failed", "error", err)
		}
	}
}

// Stop refuses new immediate attempts and waits for in-flight ones.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()
	o.immediate.Wait()
}

// ResyncAll is the operator's manual recovery sweep: archived jobs of failed
// records are requeued and every backed-off job is made due, then drained
// once. Requeued jobs keep their retry count, so a job that fails again is
// archived again instead of re-entering automatic retries.
func (o *Orchestrator) ResyncAll(ctx context.Context) (int, Summary, error) {
	requeued, err := o.store.RequeueFailed(ctx)
	if err != nil {
		return 0, Summary{}, fmt.Errorf("requeue failed records: %w", err)
	}
	if _, err := o.store.MakeDue(ctx); err != nil {
		return requeued, Summary{}, fmt.Errorf("make jobs due: %w", err)
	}
	o.logger.Info("resync requested", "requeued", requeued)
	sum, err := o.DrainAll(ctx)
	return requeued, sum, err
}

// ArchiveStale archives failing jobs older than olderThan.
func (o *Orchestrator) ArchiveStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, errors.New("older-than must be positive")
	}
	n, err := o.store.ArchiveStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	o.logger.Info("archived stale jobs", "count", n, "older_than", olderThan)
	o.refreshDepth(ctx)
	return n, nil
}

// Stats reports local counts and refreshes the backlog gauges.
func (o *Orchestrator) Stats(ctx context.Context) (localstore.Stats, error) {
	st, err := o.store.Stats(ctx)
	if err != nil {
		return st, err
	}
	o.metrics.QueueDepth(st.Pending, st.Failed, st.Jobs, st.Archived)
	return st, nil
}

func (o *Orchestrator) refreshDepth(ctx context.Context) {
	if _, err := o.Stats(ctx); err != nil {
		o.logger.Warn("refresh queue depth failed", "error", err)
	}
}

// process runs one job and records its outcome in the store. The returned
// error is only for local bookkeeping failures.
func (o *Orchestrator) process(ctx context.Context, job localstore.Job, path string) (string, error) {
	log := o.logger.With("job_id", job.ID, "record_id", job.RecordID, "path", path)

	remoteID, err := o.runJob(ctx, job)
	if err == nil {
		if err := o.store.MarkSynced(ctx, job.RecordID, remoteID); err != nil {
			return "", fmt.Errorf("mark synced: %w", err)
		}
		o.metrics.SyncJob(path, metrics.OutcomeSynced)
		log.Info("record synced", "remote_id", remoteID, "outcome", metrics.OutcomeSynced)
		return metrics.OutcomeSynced, nil
	}

	var local *localError
	if errors.As(err, &local) {
		return "", err
	}
	cause := err.Error()

	switch {
	case errors.Is(err, breaker.ErrOpen):
		o.metrics.SyncJob(path, metrics.OutcomeBreakerOpen)
		log.Warn("sync deferred", "error", err, "outcome", metrics.OutcomeBreakerOpen)
		return metrics.OutcomeBreakerOpen, o.store.Defer(ctx, job.ID, cause)

	case remote.IsApplication(err):
		o.metrics.SyncJob(path, metrics.OutcomeApplication)
		log.Error("sync rejected, archiving job", "error", err, "outcome", metrics.OutcomeApplication)
		return metrics.OutcomeApplication, o.store.Archive(ctx, job.ID, cause)

	case path == PathImmediate:
		o.metrics.SyncJob(path, metrics.OutcomeTransport)
		log.Warn("immediate sync failed, left for queued path", "error", err, "outcome", metrics.OutcomeTransport)
		return metrics.OutcomeTransport, o.store.Defer(ctx, job.ID, cause)
	}

	failed, ferr := o.store.MarkFailed(ctx, job.ID, cause)
	if ferr != nil {
		return "", fmt.Errorf("mark failed: %w", ferr)
	}
	if failed.RetryCount > o.cfg.MaxRetries {
		o.metrics.SyncJob(path, metrics.OutcomeArchived)
		log.Error("retries exhausted, archiving job",
			"retry_count", failed.RetryCount, "error", err, "outcome", metrics.OutcomeArchived)
		return metrics.OutcomeArchived, o.store.Archive(ctx, job.ID, cause)
	}
	o.metrics.SyncJob(path, metrics.OutcomeTransport)
	log.Warn("sync failed, will retry",
		"retry_count", failed.RetryCount, "next_eligible_at", failed.NextEligibleAt,
		"error", err, "outcome", metrics.OutcomeTransport)
	return metrics.OutcomeTransport, nil
}

// localError marks failures of the device itself (store writes) as opposed
// to remote outcomes.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// runJob executes the job's remaining steps in order and returns the remote
// record id. Completed steps are persisted as they finish so a retry resumes
// after them.
func (o *Orchestrator) runJob(ctx context.Context, job localstore.Job) (string, error) {
	steps := job.Kind.Steps()
	if len(steps) == 0 {
		return "", remote.Application("sync", "invalid_job", fmt.Errorf("unknown job kind %q", job.Kind))
	}
	rec, err := o.store.GetRecord(ctx, job.RecordID)
	if err != nil {
		return "", &localError{fmt.Errorf("load record: %w", err)}
	}

	identityID := job.Output(localstore.StepLookupIdentity)
	artifactURL := job.Output(localstore.StepUploadArtifact)

	for _, step := range steps {
		if job.Done(step) {
			continue
		}
		log := o.logger.With("job_id", job.ID, "step", string(step))

		switch step {
		case localstore.StepLookupIdentity:
			err = o.call(ctx, EndpointLookup, func(ctx context.Context) error {
				var err error
				identityID, err = o.remotes.Directory.Lookup(ctx, rec.Identity)
				return err
			})
			if err != nil {
				return "", fmt.Errorf("lookup identity %s: %w", rec.Identity, err)
			}
			if err := o.store.CompleteStep(ctx, job.ID, step, identityID); err != nil {
				return "", &localError{err}
			}

		case localstore.StepUploadArtifact:
			data, rerr := o.readArtifact(rec.ArtifactRef)
			if errors.Is(rerr, os.ErrNotExist) {
				// the record is still worth syncing without its photo
				log.Warn("artifact missing, syncing record without it", "artifact_ref", rec.ArtifactRef)
				artifactURL = ""
			} else if rerr != nil {
				return "", fmt.Errorf("read artifact: %w", rerr)
			} else {
				name := rec.ID + filepath.Ext(rec.ArtifactRef)
				err = o.call(ctx, EndpointUpload, func(ctx context.Context) error {
					var err error
					artifactURL, err = o.remotes.Artifacts.Upload(ctx, data, name)
					return err
				})
				if err != nil {
					return "", fmt.Errorf("upload artifact: %w", err)
				}
			}
			if err := o.store.CompleteStep(ctx, job.ID, step, artifactURL); err != nil {
				return "", &localError{err}
			}

		case localstore.StepInsertRecord:
			payload := remote.Record{
				IdempotencyKey: rec.ID,
				IdentityID:     identityID,
				Session:        rec.Session,
				Date:           rec.Date,
				Time:           rec.Time,
				OccurredAt:     rec.OccurredAt,
				ScanType:       rec.ScanType,
				Status:         rec.Status,
				ArtifactURL:    artifactURL,
				DeviceID:       rec.DeviceID,
			}
			var remoteID string
			err = o.call(ctx, EndpointInsert, func(ctx context.Context) error {
				var err error
				remoteID, err = o.remotes.Records.Insert(ctx, payload)
				return err
			})
			if err != nil {
				return "", fmt.Errorf("insert record: %w", err)
			}
			return remoteID, nil
		}
		log.Debug("step completed")
	}
	return "", remote.Application("sync", "invalid_job", fmt.Errorf("job kind %q has no insert step", job.Kind))
}

func (o *Orchestrator) call(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	start := o.now()
	err := o.breakers.Get(endpoint).Execute(ctx, fn)
	o.metrics.RemoteCall(endpoint, outcomeOf(err), o.now().Sub(start))
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSynced
	case errors.Is(err, breaker.ErrOpen):
		return metrics.OutcomeBreakerOpen
	case remote.IsApplication(err):
		return metrics.OutcomeApplication
	default:
		return metrics.OutcomeTransport
	}
}
