package localstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncState is a record's position in the sync lifecycle.
type SyncState string

const (
	Pending SyncState = "pending"
	Synced  SyncState = "synced"
	Failed  SyncState = "failed"
)

// Record is one committed attendance event.
type Record struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Session     string    `json:"session"`
	Date        string    `json:"date"`
	Time        string    `json:"time"`
	OccurredAt  time.Time `json:"occurred_at"`
	ScanType    string    `json:"scan_type"`
	Status      string    `json:"status"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	DeviceID    string    `json:"device_id"`
	SyncState   SyncState `json:"sync_state"`
	RemoteID    string    `json:"remote_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobKind selects the ordered remote steps a job runs.
type JobKind string

const (
	KindUploadThenInsert JobKind = "upload_then_insert"
	KindInsertOnly       JobKind = "insert_only"
)

// Step is one remote sub-operation of a job.
type Step string

const (
	StepLookupIdentity Step = "lookup_identity"
	StepUploadArtifact Step = "upload_artifact"
	StepInsertRecord   Step = "insert_record"
)

// Steps returns the strict execution order for the kind.
func (k JobKind) Steps() []Step {
	switch k {
	case KindUploadThenInsert:
		return []Step{StepLookupIdentity, StepUploadArtifact, StepInsertRecord}
	case KindInsertOnly:
		return []Step{StepLookupIdentity, StepInsertRecord}
	default:
		return nil
	}
}

// Valid reports whether the kind is known.
func (k JobKind) Valid() bool {
	return len(k.Steps()) > 0
}

// KindFor picks the job kind for a record.
func KindFor(artifactRef string) JobKind {
	if artifactRef == "" {
		return KindInsertOnly
	}
	return KindUploadThenInsert
}

// Job is the outstanding sync work for one record.
type Job struct {
	ID             string          `json:"id"`
	RecordID       string          `json:"record_id"`
	Kind           JobKind         `json:"kind"`
	RetryCount     int             `json:"retry_count"`
	NextEligibleAt time.Time       `json:"next_eligible_at"`
	LastError      string          `json:"last_error,omitempty"`
	Completed      map[Step]string `json:"completed_substeps"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Done reports whether step already succeeded in an earlier attempt.
func (j Job) Done(step Step) bool {
	_, ok := j.Completed[step]
	return ok
}

// Output is what a completed step produced (remote id, artifact url).
func (j Job) Output(step Step) string {
	return j.Completed[step]
}

// History summarizes an identity's scans within one session of one day.
type History struct {
	HasEntry bool
	// Last maps scan type to the most recent scan of that type.
	Last map[string]time.Time
}

// Stats are operator-facing counts.
type Stats struct {
	Pending  int `json:"pending"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Jobs     int `json:"jobs"`
	DueJobs  int `json:"due_jobs"`
	Archived int `json:"archived_jobs"`
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func encodeSteps(steps map[Step]string) (string, error) {
	if len(steps) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("encode completed steps: %w", err)
	}
	return string(b), nil
}

func decodeSteps(s string) (map[Step]string, error) {
	steps := make(map[Step]string)
	if s == "" {
		return steps, nil
	}
	if err := json.Unmarshal([]byte(s), &steps); err != nil {
		return nil, fmt.Errorf("decode completed steps: %w", err)
	}
	return steps, nil
}
