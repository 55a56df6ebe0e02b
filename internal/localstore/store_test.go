package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func createTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 9, 7, 5, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func testRecord(identity string) Record {
	return Record{
		Identity:    identity,
		Session:     "morning",
		Date:        "2026-03-09",
		Time:        "07:05:00",
		ScanType:    "entry",
		Status:      "on_time",
		ArtifactRef: "/var/lib/edgeattend/artifacts/" + identity + ".jpg",
		DeviceID:    "gate-1",
	}
}

func commitOne(t *testing.T, s *Store, identity string) (string, Job) {
	t.Helper()
	ctx := context.Background()
	id, err := s.Commit(ctx, testRecord(identity), Job{})
	require.NoError(t, err)
	job, err := s.JobForRecord(ctx, id)
	require.NoError(t, err)
	return id, job
}

func TestCommit_WritesRecordAndJob(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	id, job := commitOne(t, s, "2024-0001")
	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Pending, rec.SyncState)
	assert.Empty(t, rec.RemoteID)
	assert.Equal(t, "2024-0001", rec.Identity)

	assert.Equal(t, id, job.RecordID)
	assert.Equal(t, KindUploadThenInsert, job.Kind)
	assert.Equal(t, 0, job.RetryCount)
	assert.True(t, job.NextEligibleAt.Equal(clock.Now()))
	assert.Empty(t, job.Completed)

	noPhoto := testRecord("2024-0002")
	noPhoto.ArtifactRef = ""
	id2, err := s.Commit(ctx, noPhoto, Job{})
	require.NoError(t, err)
	job2, err := s.JobForRecord(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, KindInsertOnly, job2.Kind)
}

func TestCommit_CrashBetweenWritesLeavesNoOrphan(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	crash := errors.New("power loss")
	s.beforeJobInsert = func() error { return crash }
	_, err := s.Commit(ctx, testRecord("2024-0001"), Job{})
	require.ErrorIs(t, err, crash)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Jobs)

	s.beforeJobInsert = func() error { panic("killed") }
	assert.Panics(t, func() { _, _ = s.Commit(ctx, testRecord("2024-0001"), Job{}) })

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Jobs)

	s.beforeJobInsert = nil
	_, err = s.Commit(ctx, testRecord("2024-0001"), Job{})
	require.NoError(t, err)
	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Jobs)
}

func TestCommit_RejectsUnknownKind(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.Commit(context.Background(), testRecord("2024-0001"), Job{Kind: "print_receipt"})
	require.Error(t, err)
}

func TestMarkSynced_DeletesJob(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	id, job := commitOne(t, s, "2024-0001")

	require.NoError(t, s.MarkSynced(ctx, id, "remote-42"))

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Synced, rec.SyncState)
	assert.Equal(t, "remote-42", rec.RemoteID)

	_, err = s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.MarkSynced(ctx, "missing", "x"), ErrNotFound)
}

func TestMarkFailed_BackoffSequence(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	_, job := commitOne(t, s, "2024-0001")

	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 300 * time.Second, 300 * time.Second}
	for i, delay := range want {
		failed, err := s.MarkFailed(ctx, job.ID, "connection refused")
		require.NoError(t, err)
		assert.Equal(t, i+1, failed.RetryCount)
		assert.Equal(t, delay, failed.NextEligibleAt.Sub(clock.Now()), "failure %d", i+1)
		assert.Equal(t, "connection refused", failed.LastError)

		stored, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, stored.NextEligibleAt.Equal(failed.NextEligibleAt))
	}
}

func TestBackoff_NeverExceedsMax(t *testing.T) {
	b := DefaultBackoff()
	for n := 0; n < 64; n++ {
		assert.LessOrEqual(t, b.Delay(n), 300*time.Second)
	}
	assert.Equal(t, 30*time.Second, b.Delay(0))
	assert.Equal(t, 30*time.Second, b.Delay(-1))
}

func TestListDueJobs_OldestDueFirst(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	_, first := commitOne(t, s, "2024-0001")
	clock.Advance(time.Second)
	_, second := commitOne(t, s, "2024-0002")
	clock.Advance(time.Second)
	_, third := commitOne(t, s, "2024-0003")

	_, err := s.MarkFailed(ctx, first.ID, "timeout")
	require.NoError(t, err)

	due, err := s.ListDueJobs(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, second.ID, due[0].ID)
	assert.Equal(t, third.ID, due[1].ID)

	due, err = s.ListDueJobs(ctx, clock.Now().Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, second.ID, due[0].ID)
	assert.Equal(t, first.ID, due[2].ID)

	due, err = s.ListDueJobs(ctx, clock.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestCompleteStep_Persists(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	_, job := commitOne(t, s, "2024-0001")

	require.NoError(t, s.CompleteStep(ctx, job.ID, StepLookupIdentity, "student-7"))
	require.NoError(t, s.CompleteStep(ctx, job.ID, StepUploadArtifact, "https://cdn.example/a.jpg"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Done(StepUploadArtifact))
	assert.False(t, got.Done(StepInsertRecord))
	assert.Equal(t, "student-7", got.Output(StepLookupIdentity))
}

func TestDefer_KeepsRetryCount(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	_, job := commitOne(t, s, "2024-0001")

	require.NoError(t, s.Defer(ctx, job.ID, "circuit breaker open"))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "circuit breaker open", got.LastError)
	assert.False(t, got.NextEligibleAt.After(clock.Now()))
}

func TestArchive_LeavesRecordFailed(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	id, job := commitOne(t, s, "2024-0001")
	_, err := s.MarkFailed(ctx, job.ID, "timeout")
	require.NoError(t, err)

	require.NoError(t, s.Archive(ctx, job.ID, "identity not found"))

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Failed, rec.SyncState)
	_, err = s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1, Archived: 1}, st)

	assert.ErrorIs(t, s.Archive(ctx, job.ID, ""), ErrNotFound)
}

func TestRequeueFailed_RestoresJob(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	id, job := commitOne(t, s, "2024-0001")
	require.NoError(t, s.CompleteStep(ctx, job.ID, StepUploadArtifact, "https://cdn.example/a.jpg"))
	for i := 0; i < 4; i++ {
		_, err := s.MarkFailed(ctx, job.ID, "timeout")
		require.NoError(t, err)
	}
	require.NoError(t, s.Archive(ctx, job.ID, ""))

	n, err := s.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Pending, rec.SyncState)

	got, err := s.JobForRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, got.RetryCount)
	assert.Equal(t, "timeout", got.LastError)
	assert.True(t, got.Done(StepUploadArtifact))
	assert.False(t, got.NextEligibleAt.After(clock.Now()))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Archived)

	n, err = s.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMakeDue(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	_, job := commitOne(t, s, "2024-0001")
	_, err := s.MarkFailed(ctx, job.ID, "timeout")
	require.NoError(t, err)

	n, err := s.MakeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	due, err := s.ListDueJobs(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestArchiveStale(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	_, old := commitOne(t, s, "2024-0001")
	_, oldClean := commitOne(t, s, "2024-0002")
	_, err := s.MarkFailed(ctx, old.ID, "timeout")
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	_, fresh := commitOne(t, s, "2024-0003")
	_, err = s.MarkFailed(ctx, fresh.ID, "timeout")
	require.NoError(t, err)

	n, err := s.ArchiveStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetJob(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJob(ctx, oldClean.ID)
	assert.NoError(t, err)
	_, err = s.GetJob(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestHistory(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	h, err := s.History(ctx, "2024-0001", "morning", "2026-03-09")
	require.NoError(t, err)
	assert.False(t, h.HasEntry)

	commitOne(t, s, "2024-0001")
	rec := testRecord("2024-0001")
	rec.Session = "afternoon"
	rec.ScanType = "exit"
	rec.OccurredAt = clock.Now().Add(6 * time.Hour)
	_, err = s.Commit(ctx, rec, Job{})
	require.NoError(t, err)

	h, err = s.History(ctx, "2024-0001", "morning", "2026-03-09")
	require.NoError(t, err)
	assert.True(t, h.HasEntry)
	assert.True(t, h.Last["entry"].Equal(clock.Now()))
	_, hasExit := h.Last["exit"]
	assert.False(t, hasExit)

	h, err = s.History(ctx, "2024-0001", "afternoon", "2026-03-09")
	require.NoError(t, err)
	assert.False(t, h.HasEntry)
}

func TestListRecords_FiltersByState(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	id, _ := commitOne(t, s, "2024-0001")
	commitOne(t, s, "2024-0002")
	require.NoError(t, s.MarkSynced(ctx, id, "r-1"))

	all, err := s.ListRecords(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	synced, err := s.ListRecords(ctx, Synced, 10)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, id, synced[0].ID)
}
