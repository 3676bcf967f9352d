package convert

import (
	"fmt"
	"strings"
	"time"
)

// JobKind identifies how a conversion job was submitted.
type JobKind string

// Supported job kinds.
const (
	KindFileUpload JobKind = "file_upload"
	KindURLConvert JobKind = "url_convert"
)

// JobStatus is the lifecycle status recorded in job history.
type JobStatus string

// Job status values persisted by history stores.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// ParseJobStatus accepts a status name, case-insensitively, along with the
// item-style aliases "success" and "error".
func ParseJobStatus(s string) (JobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return JobStatusRunning, nil
	case "succeeded", "success":
		return JobStatusSucceeded, nil
	case "failed", "error", "failure":
		return JobStatusFailed, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// ItemStatus is the per-item outcome reported by the backend.
type ItemStatus string

// Item outcomes carried by result notifications.
const (
	ItemSuccess ItemStatus = "success"
	ItemError   ItemStatus = "error"
)

// Valid reports whether s is a status the backend is allowed to send.
func (s ItemStatus) Valid() bool {
	return s == ItemSuccess || s == ItemError
}

// Handle is the client-side reference to a submitted job. ID is assigned by
// the backend and may be empty when the backend tracks a single job per
// client session.
type Handle struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	Source      string    `json:"source"`
	SubmittedAt time.Time `json:"submitted_at"`
	Terminal    bool      `json:"terminal"`
}

// Receipt is the parsed response of a successful submit call.
type Receipt struct {
	Handle Handle
	// DownloadURL is set when the backend finished the job synchronously.
	DownloadURL string
	// SuccessfulItems counts images the backend processed successfully.
	SuccessfulItems int
	// TotalItems is the number of images the backend found, when reported.
	TotalItems int
	// Filename is the backend's name for the processed artifact.
	Filename string
	// Content carries the converted Markdown when the backend inlines it.
	Content string
	// Message is optional human-readable text from the backend.
	Message string
}

// Completed reports whether the backend already returned a final artifact.
func (r Receipt) Completed() bool {
	return r.DownloadURL != "" || r.Content != ""
}

// ItemResult is the outcome of processing a single item within a job.
type ItemResult struct {
	Filename string     `json:"filename"`
	Status   ItemStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
}

// JobCounters tracks item outcomes observed for a job.
type JobCounters struct {
	ItemsSucceeded int `json:"items_succeeded"`
	ItemsFailed    int `json:"items_failed"`
}

// Add folds one item result into the counters.
func (c *JobCounters) Add(res ItemResult) {
	switch res.Status {
	case ItemSuccess:
		c.ItemsSucceeded++
	case ItemError:
		c.ItemsFailed++
	}
}

// Completion is published once a job reaches a terminal state.
type Completion struct {
	JobID       string      `json:"job_id"`
	TaskID      string      `json:"task_id,omitempty"`
	ClientID    string      `json:"client_id"`
	Kind        JobKind     `json:"kind"`
	Source      string      `json:"source"`
	Status      JobStatus   `json:"status"`
	DownloadURL string      `json:"download_url,omitempty"`
	ArtifactURI string      `json:"artifact_uri,omitempty"`
	Counters    JobCounters `json:"counters"`
	Error       string      `json:"error,omitempty"`
	FinishedAt  time.Time   `json:"finished_at"`
}
