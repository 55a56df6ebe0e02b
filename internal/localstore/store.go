// Package localstore is the device's durable log of committed attendance
// records and their outstanding sync jobs. It is the source of truth while
// offline.
//
// Every mutation runs in one SQLite transaction and is serialized by a
// store-wide lock, so the capture path and the sync path never interleave
// partial writes.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a record or job does not exist.
var ErrNotFound = errors.New("localstore: not found")

// Backoff computes the delay before a failed job becomes eligible again.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is 30s doubling per retry, capped at 300s.
func DefaultBackoff() Backoff {
	return Backoff{Base: 30 * time.Second, Max: 300 * time.Second}
}

// Delay returns min(Base * 2^retryCount, Max), where retryCount is the number
// of failures recorded before this one.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := b.Base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Option configures a Store.
type Option func(*Store)

// WithBackoff overrides DefaultBackoff.
func WithBackoff(b Backoff) Option {
	return func(s *Store) { s.backoff = b }
}

// WithClock replaces time.Now for timestamps and due-time math.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the SQLite-backed local log.
type Store struct {
	db      *sql.DB
	backoff Backoff
	now     func() time.Time

	mu sync.Mutex

	// beforeJobInsert runs inside Commit between the record and job writes.
	beforeJobInsert func() error
}

// Open creates or opens the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=FULL&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{db: db, backoff: DefaultBackoff(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Backoff returns the retry schedule used by MarkFailed.
func (s *Store) Backoff() Backoff {
	return s.backoff
}

// withTx runs fn in a transaction under the store lock. It commits on success
// and rolls back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Commit writes rec and its job atomically and returns the record id. Missing
// ids are generated; the record id doubles as the remote idempotency key.
func (s *Store) Commit(ctx context.Context, rec Record, job Job) (string, error) {
	if rec.Identity == "" {
		return "", errors.New("commit: identity required")
	}
	if job.Kind == "" {
		job.Kind = KindFor(rec.ArtifactRef)
	}
	if !job.Kind.Valid() {
		return "", fmt.Errorf("commit: unknown job kind %q", job.Kind)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = now
	}
	if job.NextEligibleAt.IsZero() {
		job.NextEligibleAt = now
	}
	steps, err := encodeSteps(job.Completed)
	if err != nil {
		return "", err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (id, identity, session, date, time, occurred_at, scan_type, status,
				artifact_ref, device_id, sync_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		`, rec.ID, rec.Identity, rec.Session, rec.Date, rec.Time, ms(rec.OccurredAt), rec.ScanType, rec.Status,
			rec.ArtifactRef, rec.DeviceID, ms(now), ms(now)); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if s.beforeJobInsert != nil {
			if err := s.beforeJobInsert(); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, record_id, kind, retry_count, next_eligible_at, last_error,
				completed_substeps, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, '', ?, ?, ?)
		`, job.ID, rec.ID, string(job.Kind), ms(job.NextEligibleAt), steps, ms(now), ms(now)); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("commit record: %w", err)
	}
	return rec.ID, nil
}

// MarkSynced records the remote id and deletes the record's job in one transaction.
func (s *Store) MarkSynced(ctx context.Context, recordID, remoteID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE records SET sync_state = 'synced', remote_id = ?, updated_at = ? WHERE id = ?
		`, remoteID, ms(s.now()), recordID)
		if err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("mark synced %s: %w", recordID, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE record_id = ?`, recordID); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM archived_jobs WHERE record_id = ?`, recordID); err != nil {
			return fmt.Errorf("delete archived job: %w", err)
		}
		return nil
	})
}

// MarkFailed increments the job's retry count and pushes its next eligible
// time out by the backoff for the failures seen so far.
func (s *Store) MarkFailed(ctx context.Context, jobID, cause string) (Job, error) {
	var out Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, `WHERE id = ?`, jobID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		job.NextEligibleAt = now.Add(s.backoff.Delay(job.RetryCount))
		job.RetryCount++
		job.LastError = cause
		job.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET retry_count = ?, next_eligible_at = ?, last_error = ?, updated_at = ? WHERE id = ?
		`, job.RetryCount, ms(job.NextEligibleAt), cause, ms(now), jobID); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		out = job
		return nil
	})
	return out, err
}

// Defer records cause against the job without touching its retry count or due time.
func (s *Store) Defer(ctx context.Context, jobID, cause string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET last_error = ?, updated_at = ? WHERE id = ?`,
			cause, ms(s.now()), jobID)
		if err != nil {
			return fmt.Errorf("defer job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("defer job %s: %w", jobID, ErrNotFound)
		}
		return nil
	})
}

// CompleteStep persists a sub-step's output so retries resume after it.
func (s *Store) CompleteStep(ctx context.Context, jobID string, step Step, output string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, `WHERE id = ?`, jobID)
		if err != nil {
			return err
		}
		job.Completed[step] = output
		steps, err := encodeSteps(job.Completed)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET completed_substeps = ?, updated_at = ? WHERE id = ?`,
			steps, ms(s.now()), jobID); err != nil {
			return fmt.Errorf("complete step: %w", err)
		}
		return nil
	})
}

// ListDueJobs returns up to limit jobs eligible at now, oldest due first.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE next_eligible_at <= ?
		ORDER BY next_eligible_at, created_at
		LIMIT ?
	`, ms(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Archive removes the job from the queue, keeps a copy in archived_jobs, and
// leaves the record failed for manual recovery.
func (s *Store) Archive(ctx context.Context, jobID, cause string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return archiveTx(ctx, tx, jobID, cause, s.now())
	})
}

func archiveTx(ctx context.Context, tx *sql.Tx, jobID, cause string, now time.Time) error {
	job, err := getJob(ctx, tx, `WHERE id = ?`, jobID)
	if err != nil {
		return err
	}
	if cause == "" {
		cause = job.LastError
	}
	steps, err := encodeSteps(job.Completed)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archived_jobs (id, record_id, kind, retry_count, last_error,
			completed_substeps, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.RecordID, string(job.Kind), job.RetryCount, cause, steps, ms(job.CreatedAt), ms(now)); err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE records SET sync_state = 'failed', updated_at = ? WHERE id = ?`,
		ms(now), job.RecordID); err != nil {
		return fmt.Errorf("mark record failed: %w", err)
	}
	return nil
}

// ArchiveStale archives jobs created before now-olderThan that have failed at least once.
func (s *Store) ArchiveStale(ctx context.Context, olderThan time.Duration) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM jobs WHERE last_error != '' AND created_at < ? ORDER BY created_at
		`, ms(now.Add(-olderThan)))
		if err != nil {
			return fmt.Errorf("list stale jobs: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if err := archiveTx(ctx, tx, id, "", now); err != nil {
				return err
			}
		}
		count = len(ids)
		return nil
	})
	return count, err
}

// RequeueFailed moves every archived job of a failed record back to the
// queue, due immediately, with its retry count and completed steps intact.
func (s *Store) RequeueFailed(ctx context.Context) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, record_id, kind, retry_count, next_eligible_at, last_error,
				completed_substeps, created_at, updated_at)
			SELECT a.id, a.record_id, a.kind, a.retry_count, ?, a.last_error, a.completed_substeps, a.created_at, ?
			FROM archived_jobs a
			JOIN records r ON r.id = a.record_id
			WHERE r.sync_state = 'failed'
			  AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.record_id = a.record_id)
		`, ms(now), ms(now))
		if err != nil {
			return fmt.Errorf("requeue jobs: %w", err)
		}
		n, _ := res.RowsAffected()
		count = int(n)

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM archived_jobs WHERE record_id IN (SELECT record_id FROM jobs)
		`); err != nil {
			return fmt.Errorf("clear archived jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET sync_state = 'pending', updated_at = ?
			WHERE sync_state = 'failed' AND id IN (SELECT record_id FROM jobs)
		`, ms(now)); err != nil {
			return fmt.Errorf("reset record state: %w", err)
		}
		return nil
	})
	return count, err
}

// MakeDue pulls every backed-off job forward to now.
func (s *Store) MakeDue(ctx context.Context) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := ms(s.now())
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET next_eligible_at = ? WHERE next_eligible_at > ?`, now, now)
		if err != nil {
			return fmt.Errorf("make due: %w", err)
		}
		n, _ := res.RowsAffected()
		count = int(n)
		return nil
	})
	return count, err
}

// GetRecord loads a record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	return getJob(ctx, s.db, `WHERE id = ?`, id)
}

// JobForRecord loads the outstanding job of a record.
func (s *Store) JobForRecord(ctx context.Context, recordID string) (Job, error) {
	return getJob(ctx, s.db, `WHERE record_id = ?`, recordID)
}

// ListRecords returns the newest records, optionally filtered by sync state.
func (s *Store) ListRecords(ctx context.Context, state SyncState, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + recordColumns + ` FROM records`
	args := []any{}
	if state != "" {
		query += ` WHERE sync_state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY occurred_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// History returns what identity already recorded in session on date.
func (s *Store) History(ctx context.Context, identity, session, date string) (History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_type, MAX(occurred_at) FROM records
		WHERE identity = ? AND session = ? AND date = ?
		GROUP BY scan_type
	`, identity, session, date)
	if err != nil {
		return History{}, fmt.Errorf("scan history: %w", err)
	}
	defer rows.Close()

	h := History{Last: make(map[string]time.Time)}
	for rows.Next() {
		var scanType string
		var last int64
		if err := rows.Scan(&scanType, &last); err != nil {
			return History{}, err
		}
		h.Last[scanType] = fromMS(last)
		if scanType == "entry" {
			h.HasEntry = true
		}
	}
	return h, rows.Err()
}

// Stats counts records by sync state and queued/archived jobs.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT sync_state, COUNT(*) FROM records GROUP BY sync_state`)
	if err != nil {
		return st, fmt.Errorf("count records: %w", err)
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return st, err
		}
		switch SyncState(state) {
		case Pending:
			st.Pending = n
		case Synced:
			st.Synced = n
		case Failed:
			st.Failed = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM jobs),
			(SELECT COUNT(*) FROM jobs WHERE next_eligible_at <= ?),
			(SELECT COUNT(*) FROM archived_jobs)
	`, ms(s.now())).Scan(&st.Jobs, &st.DueJobs, &st.Archived)
	if err != nil {
		return st, fmt.Errorf("count jobs: %w", err)
	}
	return st, nil
}

const recordColumns = `id, identity, session, date, time, occurred_at, scan_type, status,
	artifact_ref, device_id, sync_state, remote_id, created_at, updated_at`

const jobColumns = `id, record_id, kind, retry_count, next_eligible_at, last_error,
	completed_substeps, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var occurred, created, updated int64
	var state string
	var remoteID sql.NullString
	if err := row.Scan(&rec.ID, &rec.Identity, &rec.Session, &rec.Date, &rec.Time, &occurred, &rec.ScanType,
		&rec.Status, &rec.ArtifactRef, &rec.DeviceID, &state, &remoteID, &created, &updated); err != nil {
		return Record{}, err
	}
	rec.OccurredAt = fromMS(occurred)
	rec.CreatedAt = fromMS(created)
	rec.UpdatedAt = fromMS(updated)
	rec.SyncState = SyncState(state)
	rec.RemoteID = remoteID.String
	return rec, nil
}

func scanJob(row scanner) (Job, error) {
	var job Job
	var kind, steps string
	var next, created, updated int64
	if err := row.Scan(&job.ID, &job.RecordID, &kind, &job.RetryCount, &next, &job.LastError,
		&steps, &created, &updated); err != nil {
		return Job{}, err
	}
	completed, err := decodeSteps(steps)
	if err != nil {
		return Job{}, err
	}
	job.Kind = JobKind(kind)
	job.Completed = completed
	job.NextEligibleAt = fromMS(next)
	job.CreatedAt = fromMS(created)
	job.UpdatedAt = fromMS(updated)
	return job, nil
}

func getJob(ctx context.Context, q queryer, where string, arg string) (Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs `+where, arg)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", arg, ErrNotFound)
	}
	return job, err
}
