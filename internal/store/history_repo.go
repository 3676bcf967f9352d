package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/mdimg-client/internal/convert"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("job run not found")

// JobRun models one row of job history.
type JobRun struct {
	// ID is the client-side run identifier.
	ID uuid.UUID `json:"id"`
	// TaskID is the backend's job identifier; empty when none was assigned.
	TaskID   string          `json:"task_id,omitempty"`
	ClientID string          `json:"client_id"`
	Kind     convert.JobKind `json:"kind"`
	Source   string          `json:"source"`
	// StartedAt captures when the job was submitted.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run is marked succeeded/failed.
	FinishedAt   *time.Time          `json:"finished_at,omitempty"`
	Status       convert.JobStatus   `json:"status"`
	Current      int                 `json:"current"`
	Total        int                 `json:"total"`
	Counters     convert.JobCounters `json:"counters"`
	DownloadURL  string              `json:"download_url,omitempty"`
	ArtifactURI  string              `json:"artifact_uri,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
}

// ProgressDelta is an incremental update folded into a running job.
type ProgressDelta struct {
	// Current and Total replace the stored counters when HasProgress is set.
	Current     int
	Total       int
	HasProgress bool
	// Items is added to the stored item counters.
	Items convert.JobCounters
	At    time.Time
}

// Completion closes out a run.
type Completion struct {
	FinishedAt   time.Time
	Status       convert.JobStatus
	Counters     convert.JobCounters
	DownloadURL  string
	ArtifactURI  string
	ErrorMessage *string
}

// HistoryRepository persists job history.
type HistoryRepository interface {
	// RecordStart inserts a running job; repeating it for the same ID is a no-op.
	RecordStart(ctx context.Context, run JobRun) error
	// UpdateProgress applies a delta; unknown IDs return ErrNotFound.
	UpdateProgress(ctx context.Context, runID uuid.UUID, delta ProgressDelta) error
	// Complete marks the run finished.
	Complete(ctx context.Context, runID uuid.UUID, c Completion) error

	// GetJob loads a single run or returns ErrNotFound.
	GetJob(ctx context.Context, runID uuid.UUID) (JobRun, error)
	// ListJobs returns runs newest first, filtered by optional status.
	ListJobs(ctx context.Context, status *convert.JobStatus, limit, offset int) ([]JobRun, error)
}
